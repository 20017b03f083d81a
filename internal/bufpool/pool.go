// Package bufpool provides a bounded pool of fixed-size byte buffers that the
// WebSocket transport uses to stage incoming binary frames without allocating
// per chunk.
//
// The pool never grows past its configured capacity. Acquire blocks until a
// buffer is returned (or the context ends) and TryAcquire fails fast with
// ErrExhausted, so a burst of connections cannot turn into unbounded memory
// growth.
package bufpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrExhausted is returned by TryAcquire when every buffer is checked out.
	ErrExhausted = errors.New("buffer pool exhausted")

	// ErrForeignBuffer means Release was handed a buffer this pool did not size.
	ErrForeignBuffer = errors.New("buffer does not belong to pool")

	// ErrOverflow means more buffers were released than the pool holds,
	// which indicates a double release.
	ErrOverflow = errors.New("buffer pool overflow")

	// ErrInvalidSize is returned by New for non-positive sizes.
	ErrInvalidSize = errors.New("invalid buffer pool size")
)

// Pool hands out pre-allocated buffers of BufferSize bytes. The channel is the
// pool's only shared state and serialises acquire/release.
type Pool struct {
	bufferSize int
	capacity   int
	buffers    chan []byte

	acquired atomic.Int64
	waits    atomic.Int64
	rejected atomic.Int64
}

// Stats is a snapshot of pool usage.
type Stats struct {
	BufferSize int
	Capacity   int
	Available  int
	Acquired   int64
	Waits      int64
	Rejected   int64
}

// New pre-allocates capacity buffers of bufferSize bytes.
func New(bufferSize, capacity int) (*Pool, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidSize, bufferSize)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidSize, capacity)
	}

	p := &Pool{
		bufferSize: bufferSize,
		capacity:   capacity,
		buffers:    make(chan []byte, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.buffers <- make([]byte, bufferSize)
	}
	return p, nil
}

// Acquire returns a buffer, waiting for a Release when the pool is empty.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.buffers:
		p.acquired.Add(1)
		return buf, nil
	default:
	}

	p.waits.Add(1)
	select {
	case buf := <-p.buffers:
		p.acquired.Add(1)
		return buf, nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return nil, ctx.Err()
	}
}

// TryAcquire returns a buffer or ErrExhausted without waiting.
func (p *Pool) TryAcquire() ([]byte, error) {
	select {
	case buf := <-p.buffers:
		p.acquired.Add(1)
		return buf, nil
	default:
		p.rejected.Add(1)
		return nil, ErrExhausted
	}
}

// Release hands buf back to the pool. The caller must not use buf afterwards.
func (p *Pool) Release(buf []byte) error {
	if cap(buf) != p.bufferSize {
		return fmt.Errorf("%w: capacity %d, want %d", ErrForeignBuffer, cap(buf), p.bufferSize)
	}

	select {
	case p.buffers <- buf[:p.bufferSize]:
		return nil
	default:
		return ErrOverflow
	}
}

func (p *Pool) BufferSize() int { return p.bufferSize }
func (p *Pool) Capacity() int   { return p.capacity }

// Available returns the number of buffers currently in the pool.
func (p *Pool) Available() int {
	return len(p.buffers)
}

func (p *Pool) Stats() Stats {
	return Stats{
		BufferSize: p.bufferSize,
		Capacity:   p.capacity,
		Available:  len(p.buffers),
		Acquired:   p.acquired.Load(),
		Waits:      p.waits.Load(),
		Rejected:   p.rejected.Load(),
	}
}
