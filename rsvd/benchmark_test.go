package rsvd

import (
	"math"
	"testing"
)

func benchEigs(n int) []float64 {
	eigs := make([]float64, n)
	for i := range eigs {
		eigs[i] = math.Pow(0.9, float64(i))
	}
	return eigs
}

func BenchmarkRangeFinder(b *testing.B) {
	a := spdWithSpectrum(200, benchEigs(200), 21)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := RangeFinder(a, 20, 1, 1); err != nil {
			b.Fatalf("RangeFinder failed: %v", err)
		}
	}
}

func BenchmarkZetas(b *testing.B) {
	a := spdWithSpectrum(200, benchEigs(200), 21)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Zetas(a, 15, 5, 1, 1); err != nil {
			b.Fatalf("Zetas failed: %v", err)
		}
	}
}
