// Package shmem provides the shared patch buffers the parallel extractor
// places its residual movie in.
package shmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/ghetzel/shmtool/shm"
)

// Buffer is a float64 region with an explicit lifetime. Release must be
// called exactly once; later calls return ErrResource.
type Buffer interface {
	Float64s() []float64
	Release() error
}

// Allocator creates buffers of n float64 values.
type Allocator interface {
	Alloc(n int) (Buffer, error)
}

// SysV allocates System V shared memory segments.
type SysV struct{}

// Alloc creates and attaches a segment.
func (SysV) Alloc(n int) (Buffer, error) {
	if n < 1 {
		return nil, fmt.Errorf("shared buffer of %d values: %w", n, errs.ErrResource)
	}

	seg, err := shm.Create(n * 8)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory region: %v: %w", err, errs.ErrResource)
	}

	ptr, err := seg.Attach()
	if err != nil {
		seg.Destroy()
		return nil, fmt.Errorf("failed to attach shared memory region %d: %v: %w", seg.Id, err, errs.ErrResource)
	}

	return &sysvBuffer{
		id:   fmt.Sprintf("%d", seg.Id),
		data: unsafe.Slice((*float64)(ptr), n),
		free: func() {
			seg.Detach(ptr)
			seg.Destroy()
		},
	}, nil
}

type sysvBuffer struct {
	id   string
	data []float64
	free func()
	once sync.Once
}

func (b *sysvBuffer) Float64s() []float64 {
	return b.data
}

func (b *sysvBuffer) Release() error {
	released := false
	b.once.Do(func() {
		b.data = nil
		b.free()
		released = true
	})
	if !released {
		return fmt.Errorf("shared memory region %s released twice: %w", b.id, errs.ErrResource)
	}
	return nil
}

// Heap allocates ordinary Go slices. It stands in for SysV where segments
// are unavailable.
type Heap struct{}

// Alloc returns a zeroed heap buffer.
func (Heap) Alloc(n int) (Buffer, error) {
	if n < 1 {
		return nil, fmt.Errorf("heap buffer of %d values: %w", n, errs.ErrResource)
	}
	return &heapBuffer{data: make([]float64, n)}, nil
}

type heapBuffer struct {
	data []float64
	once sync.Once
}

func (b *heapBuffer) Float64s() []float64 {
	return b.data
}

func (b *heapBuffer) Release() error {
	released := false
	b.once.Do(func() {
		b.data = nil
		released = true
	})
	if !released {
		return fmt.Errorf("heap buffer released twice: %w", errs.ErrResource)
	}
	return nil
}
