// Package mpool provides a fixed-capacity slab allocator for fixed-size
// objects. Objects are carved from chunks that never move, so a pointer to a
// slot stays valid for the lifetime of the pool.
package mpool

import (
	"errors"
	"sync/atomic"

	"github.com/rocketbitz/ucp-go/ucs"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("mpool: closed")

// Options configures a Pool.
type Options[T any] struct {
	Name          string
	ElemsPerChunk int
	// MaxElems bounds the number of slots ever carved. Zero means unbounded.
	MaxElems int
	// Init runs once per physical slot when its chunk is carved.
	Init func(*T)
	// Cleanup runs once per physical slot when the pool is closed.
	Cleanup func(*T)
}

// Pool is not safe for concurrent use; callers serialize access.
type Pool[T any] struct {
	opts   Options[T]
	chunks [][]T
	free   []*T
	carved int
	live   int
	closed atomic.Bool
}

// New constructs an empty pool. No slots are carved until the first Get.
func New[T any](opts Options[T]) *Pool[T] {
	if opts.ElemsPerChunk <= 0 {
		opts.ElemsPerChunk = 128
	}
	if opts.MaxElems > 0 && opts.ElemsPerChunk > opts.MaxElems {
		opts.ElemsPerChunk = opts.MaxElems
	}
	return &Pool[T]{opts: opts}
}

// Get returns a free slot, carving a new chunk when the free list is empty.
// It fails with ucs.ErrNoMemory once MaxElems slots are in use.
func (p *Pool[T]) Get() (*T, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}
	last := len(p.free) - 1
	obj := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	p.live++
	return obj, nil
}

// Put returns a slot obtained from Get.
func (p *Pool[T]) Put(obj *T) {
	ucs.Assertf(obj != nil, "mpool %s: put nil object", p.opts.Name)
	ucs.Assertf(p.live > 0, "mpool %s: put without matching get", p.opts.Name)
	p.live--
	if p.closed.Load() {
		return
	}
	p.free = append(p.free, obj)
}

func (p *Pool[T]) grow() error {
	n := p.opts.ElemsPerChunk
	if p.opts.MaxElems > 0 {
		if remaining := p.opts.MaxElems - p.carved; remaining < n {
			n = remaining
		}
	}
	if n <= 0 {
		return ucs.ErrNoMemory.WithOp("mpool " + p.opts.Name)
	}
	chunk := make([]T, n)
	p.chunks = append(p.chunks, chunk)
	p.carved += n
	// Push in reverse so slots are handed out in address order.
	for i := n - 1; i >= 0; i-- {
		obj := &chunk[i]
		if p.opts.Init != nil {
			p.opts.Init(obj)
		}
		p.free = append(p.free, obj)
	}
	return nil
}

// Live reports the number of slots currently handed out.
func (p *Pool[T]) Live() int {
	return p.live
}

// Capacity reports the number of slots carved so far.
func (p *Pool[T]) Capacity() int {
	return p.carved
}

// Close runs Cleanup on every carved slot and releases the chunks.
func (p *Pool[T]) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.opts.Cleanup != nil {
		for _, chunk := range p.chunks {
			for i := range chunk {
				p.opts.Cleanup(&chunk[i])
			}
		}
	}
	p.chunks = nil
	p.free = nil
}
