package common

import (
	"fmt"
	"sync"
)

// SlicePool hands out fixed-length slices and takes them back for reuse, so
// a streaming loop does not allocate a fresh block every iteration.
type SlicePool[T any] struct {
	size int
	pool sync.Pool
}

// NewSlicePool creates a pool of slices with exactly size elements.
func NewSlicePool[T any](size int) (*SlicePool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("common: pool slice size must be positive, got %d", size)
	}
	p := &SlicePool[T]{size: size}
	p.pool.New = func() any {
		s := make([]T, size)
		return &s
	}
	return p, nil
}

// Size returns the length of every slice in the pool.
func (p *SlicePool[T]) Size() int {
	return p.size
}

// Get returns a zeroed slice. The caller owns it until Put.
func (p *SlicePool[T]) Get() []T {
	s := *(p.pool.Get().(*[]T))
	clear(s)
	return s
}

// Put returns s to the pool. Slices of the wrong length are dropped.
// The caller must not touch s afterwards.
func (p *SlicePool[T]) Put(s []T) {
	if cap(s) < p.size {
		return
	}
	s = s[:p.size]
	p.pool.Put(&s)
}
