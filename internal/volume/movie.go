package volume

import (
	"fmt"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/gonum/matrix/mat64"
)

// Movie is a (t, z, y, x) array stored as a frames x voxels matrix. Row t is
// frame t flattened in (z, y, x) order.
type Movie struct {
	Shape Shape
	Data  *mat64.Dense
}

// NewMovie wraps data, which must hold nt*s.Size() values. A nil data slice
// allocates a zeroed movie.
func NewMovie(nt int, s Shape, data []float64) (*Movie, error) {
	if nt < 0 || s.Size() <= 0 {
		return nil, fmt.Errorf("movie %d x %s: %w", nt, s, errs.ErrShape)
	}
	if data != nil && len(data) != nt*s.Size() {
		return nil, fmt.Errorf("movie %d x %s from %d values: %w", nt, s, len(data), errs.ErrShape)
	}
	return &Movie{Shape: s, Data: mat64.NewDense(nt, s.Size(), data)}, nil
}

// NT returns the number of frames.
func (m *Movie) NT() int {
	r, _ := m.Data.Dims()
	return r
}

// Frame returns a view of frame t.
func (m *Movie) Frame(t int) []float64 {
	return m.Data.RawRowView(t)
}

// At returns the value of voxel c in frame t.
func (m *Movie) At(t int, c Coord) float64 {
	return m.Data.At(t, m.Shape.Index(c))
}

// Raw returns the backing slice in row-major order.
func (m *Movie) Raw() []float64 {
	return m.Data.RawMatrix().Data
}

// Frames copies frames [start, end) into a new movie.
func (m *Movie) Frames(start, end int) *Movie {
	n := m.Shape.Size()
	data := make([]float64, (end-start)*n)
	for t := start; t < end; t++ {
		copy(data[(t-start)*n:], m.Frame(t))
	}
	out, _ := NewMovie(end-start, m.Shape, data)
	return out
}

// Clone returns a deep copy.
func (m *Movie) Clone() *Movie {
	return m.Frames(0, m.NT())
}

// Trace copies the time course of flat voxel index i.
func (m *Movie) Trace(i int) []float64 {
	nt := m.NT()
	out := make([]float64, nt)
	for t := 0; t < nt; t++ {
		out[t] = m.Data.At(t, i)
	}
	return out
}

// Gather returns the nt x len(idx) matrix of the selected voxel columns.
func (m *Movie) Gather(idx []int) *mat64.Dense {
	nt := m.NT()
	out := mat64.NewDense(nt, len(idx), nil)
	for t := 0; t < nt; t++ {
		row := m.Frame(t)
		dst := out.RawRowView(t)
		for j, i := range idx {
			dst[j] = row[i]
		}
	}
	return out
}
