package arena

import "fmt"

// FreeList hands out records of type T and takes them back one at a time.
// Freed records are reused before the underlying pool grows.
type FreeList[T any] struct {
	pool  *Pool[T]
	free  []*T
	limit int
	live  int
	peak  int
}

// NewFreeList creates a free list growing perChunk records at a time with at
// most limit records live. A zero limit is unbounded.
func NewFreeList[T any](perChunk, limit int) *FreeList[T] {
	if limit < 0 {
		limit = 0
	}
	return &FreeList[T]{pool: NewPool[T](perChunk, 0), limit: limit}
}

// Alloc returns a zeroed record, recycling a freed one when possible.
func (f *FreeList[T]) Alloc() (*T, error) {
	if f.limit > 0 && f.live >= f.limit {
		return nil, fmt.Errorf("%w: free list limit %d reached", ErrExhausted, f.limit)
	}
	var rec *T
	if n := len(f.free); n > 0 {
		rec = f.free[n-1]
		f.free[n-1] = nil
		f.free = f.free[:n-1]
		var zero T
		*rec = zero
	} else {
		var err error
		if rec, err = f.pool.Alloc(); err != nil {
			return nil, err
		}
	}
	f.live++
	if f.live > f.peak {
		f.peak = f.live
	}
	return rec, nil
}

// Free returns rec to the list. The record is cleared immediately.
func (f *FreeList[T]) Free(rec *T) {
	if rec == nil {
		return
	}
	if f.live == 0 {
		panic("arena: free of record that was never allocated")
	}
	var zero T
	*rec = zero
	f.free = append(f.free, rec)
	f.live--
}

// Live reports the number of records currently allocated.
func (f *FreeList[T]) Live() int { return f.live }

// Peak reports the largest number of records allocated at once.
func (f *FreeList[T]) Peak() int { return f.peak }

// Idle reports the number of freed records waiting for reuse.
func (f *FreeList[T]) Idle() int { return len(f.free) }
