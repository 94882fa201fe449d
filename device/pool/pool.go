// Package pool provides a per-endpoint pool of reusable transfer buffers
// implementing [hal.BufferPool].
//
// Each endpoint slot owns a fixed set of buffers. A buffer is always in
// exactly one place: the free list, the endpoint queue, the loaded slot, or
// the hands of whoever took it out. Non-blocking operations are safe in
// interrupt context; blocking operations wait on channels and honour
// context cancellation and Close.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

type slot struct {
	free   chan *hal.Buffer
	queue  chan *hal.Buffer
	loaded atomic.Pointer[hal.Buffer]
}

// Pool is a per-endpoint buffer pool.
type Pool struct {
	slots []slot
	size  int

	done      chan struct{}
	closeOnce sync.Once
}

var _ hal.BufferPool = (*Pool)(nil)

// New creates a pool with slots for endpoints 0..numEndpoints, each
// holding perEndpoint buffers of size bytes.
func New(numEndpoints, perEndpoint, size int) *Pool {
	p := &Pool{
		slots: make([]slot, numEndpoints+1),
		size:  size,
		done:  make(chan struct{}),
	}
	for i := range p.slots {
		s := &p.slots[i]
		s.free = make(chan *hal.Buffer, perEndpoint)
		s.queue = make(chan *hal.Buffer, perEndpoint)
		for j := 0; j < perEndpoint; j++ {
			s.free <- hal.NewBuffer(size)
		}
	}
	return p
}

// NumEndpoints returns the number of endpoint slots.
func (p *Pool) NumEndpoints() int {
	return len(p.slots)
}

// BufferSize returns the capacity of every buffer in the pool.
func (p *Pool) BufferSize() int {
	return p.size
}

func (p *Pool) slot(ep uint8) *slot {
	if int(ep) >= len(p.slots) {
		return nil
	}
	return &p.slots[ep]
}

// TryAllocate takes a free buffer for ep, or returns nil.
func (p *Pool) TryAllocate(ep uint8) *hal.Buffer {
	s := p.slot(ep)
	if s == nil {
		return nil
	}
	select {
	case b := <-s.free:
		return b
	default:
		return nil
	}
}

// WaitAllocate blocks until a free buffer for ep is available.
func (p *Pool) WaitAllocate(ctx context.Context, ep uint8) (*hal.Buffer, error) {
	s := p.slot(ep)
	if s == nil {
		return nil, fmt.Errorf("allocate ep %d: %w", ep, pkg.ErrInvalidEndpoint)
	}
	return p.wait(ctx, s.free)
}

// Release returns b to the free list of ep. Buffers that do not fit are
// dropped with a warning.
func (p *Pool) Release(ep uint8, b *hal.Buffer) {
	s := p.slot(ep)
	if s == nil || b == nil {
		return
	}
	b.Reset()
	select {
	case s.free <- b:
	default:
		pkg.LogWarn(pkg.ComponentPool, "release: free list full, buffer dropped", "ep", ep)
	}
}

// TryEnqueue appends b to the queue of ep, or returns false if the queue
// is full.
func (p *Pool) TryEnqueue(ep uint8, b *hal.Buffer) bool {
	s := p.slot(ep)
	if s == nil || b == nil {
		return false
	}
	select {
	case s.queue <- b:
		return true
	default:
		return false
	}
}

// WaitEnqueue blocks until b has been appended to the queue of ep.
func (p *Pool) WaitEnqueue(ctx context.Context, ep uint8, b *hal.Buffer) error {
	s := p.slot(ep)
	if s == nil {
		return fmt.Errorf("enqueue ep %d: %w", ep, pkg.ErrInvalidEndpoint)
	}
	if b == nil {
		return fmt.Errorf("enqueue ep %d: nil buffer: %w", ep, pkg.ErrInvalidParameter)
	}
	select {
	case <-p.done:
		return pkg.ErrClosed
	default:
	}
	select {
	case s.queue <- b:
		return nil
	case <-p.done:
		return pkg.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDequeue removes the oldest queued buffer of ep, or returns nil.
func (p *Pool) TryDequeue(ep uint8) *hal.Buffer {
	s := p.slot(ep)
	if s == nil {
		return nil
	}
	select {
	case b := <-s.queue:
		return b
	default:
		return nil
	}
}

// WaitDequeue blocks until a queued buffer of ep is available.
func (p *Pool) WaitDequeue(ctx context.Context, ep uint8) (*hal.Buffer, error) {
	s := p.slot(ep)
	if s == nil {
		return nil, fmt.Errorf("dequeue ep %d: %w", ep, pkg.ErrInvalidEndpoint)
	}
	return p.wait(ctx, s.queue)
}

func (p *Pool) wait(ctx context.Context, ch chan *hal.Buffer) (*hal.Buffer, error) {
	select {
	case <-p.done:
		return nil, pkg.ErrClosed
	default:
	}
	select {
	case b := <-ch:
		return b, nil
	case <-p.done:
		return nil, pkg.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Buffer returns the buffer loaded in the slot of ep.
func (p *Pool) Buffer(ep uint8) *hal.Buffer {
	s := p.slot(ep)
	if s == nil {
		return nil
	}
	return s.loaded.Load()
}

// SetBuffer replaces the buffer loaded in the slot of ep.
func (p *Pool) SetBuffer(ep uint8, b *hal.Buffer) {
	if s := p.slot(ep); s != nil {
		s.loaded.Store(b)
	}
}

// Free returns the number of free buffers of ep.
func (p *Pool) Free(ep uint8) int {
	if s := p.slot(ep); s != nil {
		return len(s.free)
	}
	return 0
}

// Queued returns the number of queued buffers of ep.
func (p *Pool) Queued(ep uint8) int {
	if s := p.slot(ep); s != nil {
		return len(s.queue)
	}
	return 0
}

// Drain moves every queued buffer of ep back to the free list and returns
// how many were moved. Use it after a disconnect, when queued data is
// stale.
func (p *Pool) Drain(ep uint8) int {
	n := 0
	for b := p.TryDequeue(ep); b != nil; b = p.TryDequeue(ep) {
		p.Release(ep, b)
		n++
	}
	if n > 0 {
		pkg.LogDebug(pkg.ComponentPool, "drained", "ep", ep, "buffers", n)
	}
	return n
}

// Close wakes every blocked waiter with pkg.ErrClosed. Non-blocking
// operations keep working so the interrupt handler can wind down.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		pkg.LogDebug(pkg.ComponentPool, "closed")
	})
}
