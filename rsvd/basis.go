package rsvd

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// Basis bundles a computed low-rank factor with the parameters that produced
// it. Factorizing a large prior covariance is often the most expensive setup
// step of an inversion, so a Basis can be checkpointed with Save and restored
// with LoadBasis instead of being recomputed for every run.
type Basis struct {
	rank       int
	oversample int
	powerIters int
	seed       int64
	z          *mat.Dense
}

// NewBasis factorizes a via Zetas and records the factorization parameters.
func NewBasis(a mat.Matrix, rank, oversample, iters int, seed int64) (*Basis, error) {
	z, err := Zetas(a, rank, oversample, iters, seed)
	if err != nil {
		return nil, err
	}
	return &Basis{
		rank:       rank,
		oversample: oversample,
		powerIters: iters,
		seed:       seed,
		z:          z,
	}, nil
}

// Z returns the m×rank factor. The returned matrix is shared, not copied;
// callers must treat it as read-only.
func (b *Basis) Z() *mat.Dense { return b.z }

// Rank returns the number of columns of the factor.
func (b *Basis) Rank() int { return b.rank }

// Seed returns the random seed the factorization was drawn with.
func (b *Basis) Seed() int64 { return b.seed }

// basisState is the serializable form of a Basis.
type basisState struct {
	Version    int
	Rank       int
	Oversample int
	PowerIters int
	Seed       int64
	Rows       int
	Data       []float64
}

// Save serializes the basis to gob format.
func (b *Basis) Save(w io.Writer) error {
	rows, cols := b.z.Dims()
	state := basisState{
		Version:    1,
		Rank:       b.rank,
		Oversample: b.oversample,
		PowerIters: b.powerIters,
		Seed:       b.seed,
		Rows:       rows,
		Data:       make([]float64, rows*cols),
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			state.Data[i*cols+j] = b.z.At(i, j)
		}
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadBasis deserializes a basis previously written by Save.
func LoadBasis(r io.Reader) (*Basis, error) {
	var state basisState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("rsvd: unsupported basis version")
	}
	if state.Rank <= 0 || state.Rows <= 0 {
		return nil, errors.New("rsvd: invalid basis dimensions")
	}
	if len(state.Data) != state.Rows*state.Rank {
		return nil, fmt.Errorf("rsvd: basis data length %d, want %d", len(state.Data), state.Rows*state.Rank)
	}
	data := make([]float64, len(state.Data))
	copy(data, state.Data)
	return &Basis{
		rank:       state.Rank,
		oversample: state.Oversample,
		powerIters: state.PowerIters,
		seed:       state.Seed,
		z:          mat.NewDense(state.Rows, state.Rank, data),
	}, nil
}
