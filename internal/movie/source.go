// Package movie provides the time-batched movie sources the correlation map
// builder and trace extractor stream from.
package movie

import (
	"fmt"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/KyungWonPark/Detection/internal/volume"
)

// Kind tags how a Source produces its frames.
type Kind int

const (
	// InMemory sources slice an already materialized movie.
	InMemory Kind = iota
	// Lazy sources materialize each batch from a Loader on demand.
	Lazy
)

func (k Kind) String() string {
	switch k {
	case InMemory:
		return "in-memory"
	case Lazy:
		return "lazy"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Loader materializes frames [start, end) of a movie stored elsewhere.
type Loader interface {
	NT() int
	Shape() volume.Shape
	Load(start, end int) (*volume.Movie, error)
}

// Source is a movie that can be read in time batches. Its kind is fixed at
// construction.
type Source struct {
	kind   Kind
	mem    *volume.Movie
	loader Loader
}

// FromMovie wraps an in-memory movie. Batches are copies, so consumers may
// modify them freely.
func FromMovie(m *volume.Movie) Source {
	return Source{kind: InMemory, mem: m}
}

// FromLoader wraps a lazily materialized movie.
func FromLoader(l Loader) Source {
	return Source{kind: Lazy, loader: l}
}

// Kind reports how frames are produced.
func (s Source) Kind() Kind {
	return s.kind
}

// NT returns the number of frames.
func (s Source) NT() int {
	if s.kind == InMemory {
		return s.mem.NT()
	}
	return s.loader.NT()
}

// Shape returns the (z, y, x) shape of one frame.
func (s Source) Shape() volume.Shape {
	if s.kind == InMemory {
		return s.mem.Shape
	}
	return s.loader.Shape()
}

// Batch returns an owned copy of frames [start, end).
func (s Source) Batch(start, end int) (*volume.Movie, error) {
	if start < 0 || end > s.NT() || start > end {
		return nil, fmt.Errorf("batch [%d, %d) of %d frames: %w", start, end, s.NT(), errs.ErrShape)
	}
	if s.kind == InMemory {
		return s.mem.Frames(start, end), nil
	}
	return s.loader.Load(start, end)
}

// Limit returns a source truncated to the first n frames. n <= 0 or beyond
// the end leaves it unchanged.
func (s Source) Limit(n int) Source {
	if n <= 0 || n >= s.NT() {
		return s
	}
	if s.kind == InMemory {
		m, _ := volume.NewMovie(n, s.mem.Shape, s.mem.Raw()[:n*s.mem.Shape.Size()])
		return FromMovie(m)
	}
	return FromLoader(limited{Loader: s.loader, n: n})
}

type limited struct {
	Loader
	n int
}

func (l limited) NT() int { return l.n }
