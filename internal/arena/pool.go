package arena

import (
	"fmt"

	"fortio.org/safecast"
)

// DefaultChunk is the number of records per chunk when none is configured.
const DefaultChunk = 32

// Pool bump-allocates records of type T from a list of chunks.
// A zero limit means the pool grows without bound.
type Pool[T any] struct {
	chunks   [][]T
	cur      int // index of the chunk being carved
	used     int // records handed out from chunks[cur]
	perChunk int
	limit    int
	live     int
	peak     int
}

// NewPool creates a pool carving perChunk records per chunk and refusing to
// hand out more than limit live records.
func NewPool[T any](perChunk, limit int) *Pool[T] {
	if perChunk <= 0 {
		perChunk = DefaultChunk
	}
	if limit < 0 {
		limit = 0
	}
	return &Pool[T]{perChunk: perChunk, limit: limit}
}

// Alloc returns a pointer to a zeroed record.
func (p *Pool[T]) Alloc() (*T, error) {
	if p.limit > 0 && p.live >= p.limit {
		return nil, fmt.Errorf("%w: pool limit %d reached", ErrExhausted, p.limit)
	}
	if len(p.chunks) == 0 {
		p.chunks = append(p.chunks, make([]T, p.perChunk))
		p.cur, p.used = 0, 0
	}
	if p.used == len(p.chunks[p.cur]) {
		p.cur++
		if p.cur == len(p.chunks) {
			p.chunks = append(p.chunks, make([]T, p.perChunk))
		}
		p.used = 0
	}
	rec := &p.chunks[p.cur][p.used]
	var zero T
	*rec = zero
	p.used++
	p.live++
	if p.live > p.peak {
		p.peak = p.live
	}
	return rec, nil
}

// Reset releases every record at once. Chunks are kept and cleared so the
// pool holds no stale references between rounds.
func (p *Pool[T]) Reset() {
	for i := 0; i <= p.cur && i < len(p.chunks); i++ {
		n := len(p.chunks[i])
		if i == p.cur {
			n = p.used
		}
		clear(p.chunks[i][:n])
	}
	p.cur, p.used, p.live = 0, 0, 0
}

// Len reports the number of live records.
func (p *Pool[T]) Len() int { return p.live }

// Peak reports the largest number of live records seen.
func (p *Pool[T]) Peak() int { return p.peak }

// Chunks reports how many chunks the pool has grown to.
func (p *Pool[T]) Chunks() uint32 {
	n, err := safecast.Conv[uint32](len(p.chunks))
	if err != nil {
		return ^uint32(0)
	}
	return n
}
