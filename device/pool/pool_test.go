package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

func TestNew(t *testing.T) {
	p := New(3, 2, 64)
	if got := p.NumEndpoints(); got != 4 {
		t.Errorf("NumEndpoints() = %d, want 4", got)
	}
	if got := p.BufferSize(); got != 64 {
		t.Errorf("BufferSize() = %d, want 64", got)
	}
	for ep := uint8(0); ep < 4; ep++ {
		if got := p.Free(ep); got != 2 {
			t.Errorf("Free(%d) = %d, want 2", ep, got)
		}
		if got := p.Queued(ep); got != 0 {
			t.Errorf("Queued(%d) = %d, want 0", ep, got)
		}
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(1, 2, 16)

	a := p.TryAllocate(1)
	b := p.TryAllocate(1)
	if a == nil || b == nil {
		t.Fatal("TryAllocate() returned nil before exhaustion")
	}
	if a == b {
		t.Fatal("TryAllocate() returned the same buffer twice")
	}
	if c := p.TryAllocate(1); c != nil {
		t.Error("TryAllocate() on empty free list should return nil")
	}
	if got := p.Free(0); got != 2 {
		t.Errorf("Free(0) = %d, want 2 (endpoints are independent)", got)
	}

	p.Release(1, a)
	if got := p.Free(1); got != 1 {
		t.Errorf("Free(1) after release = %d, want 1", got)
	}
}

func TestReleaseResets(t *testing.T) {
	p := New(0, 1, 16)
	b := p.TryAllocate(0)
	b.Write([]byte("hello"))
	p.Release(0, b)

	b = p.TryAllocate(0)
	if b.Len() != 0 {
		t.Errorf("released buffer Len() = %d, want 0", b.Len())
	}
}

func TestReleaseOverflow(t *testing.T) {
	p := New(0, 1, 16)
	p.Release(0, hal.NewBuffer(16))
	if got := p.Free(0); got != 1 {
		t.Errorf("Free(0) = %d, want 1", got)
	}
	p.Release(0, nil)
	p.Release(9, hal.NewBuffer(16))
}

func TestQueueOrder(t *testing.T) {
	p := New(2, 3, 16)

	var bufs []*hal.Buffer
	for i := 0; i < 3; i++ {
		b := p.TryAllocate(2)
		b.Write([]byte{byte(i)})
		bufs = append(bufs, b)
		if !p.TryEnqueue(2, b) {
			t.Fatalf("TryEnqueue(%d) failed", i)
		}
	}
	if p.TryEnqueue(2, hal.NewBuffer(16)) {
		t.Error("TryEnqueue() on full queue should fail")
	}
	if got := p.Queued(2); got != 3 {
		t.Errorf("Queued(2) = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		b := p.TryDequeue(2)
		if b != bufs[i] {
			t.Fatalf("TryDequeue() #%d out of order", i)
		}
		if b.Bytes()[0] != byte(i) {
			t.Errorf("TryDequeue() #%d payload = %d", i, b.Bytes()[0])
		}
	}
	if b := p.TryDequeue(2); b != nil {
		t.Error("TryDequeue() on empty queue should return nil")
	}
}

func TestOutOfRange(t *testing.T) {
	p := New(1, 1, 16)
	ctx := context.Background()

	if p.TryAllocate(5) != nil {
		t.Error("TryAllocate(5) should return nil")
	}
	if p.TryEnqueue(5, hal.NewBuffer(1)) {
		t.Error("TryEnqueue(5) should fail")
	}
	if p.TryDequeue(5) != nil {
		t.Error("TryDequeue(5) should return nil")
	}
	if p.Buffer(5) != nil {
		t.Error("Buffer(5) should return nil")
	}
	p.SetBuffer(5, hal.NewBuffer(1))

	if _, err := p.WaitAllocate(ctx, 5); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("WaitAllocate(5) error = %v, want ErrInvalidEndpoint", err)
	}
	if _, err := p.WaitDequeue(ctx, 5); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("WaitDequeue(5) error = %v, want ErrInvalidEndpoint", err)
	}
	if err := p.WaitEnqueue(ctx, 5, hal.NewBuffer(1)); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("WaitEnqueue(5) error = %v, want ErrInvalidEndpoint", err)
	}
	if err := p.WaitEnqueue(ctx, 1, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("WaitEnqueue(nil) error = %v, want ErrInvalidParameter", err)
	}
}

func TestBufferSlot(t *testing.T) {
	p := New(1, 1, 16)
	if p.Buffer(1) != nil {
		t.Fatal("slot should start empty")
	}
	b := p.TryAllocate(1)
	p.SetBuffer(1, b)
	if p.Buffer(1) != b {
		t.Error("Buffer(1) did not return the loaded buffer")
	}
	p.SetBuffer(1, nil)
	if p.Buffer(1) != nil {
		t.Error("SetBuffer(nil) did not clear the slot")
	}
}

func TestWaitDequeueWakes(t *testing.T) {
	p := New(1, 1, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *hal.Buffer, 1)
	go func() {
		b, err := p.WaitDequeue(ctx, 1)
		if err != nil {
			t.Errorf("WaitDequeue() error = %v", err)
		}
		got <- b
	}()

	b := p.TryAllocate(1)
	if !p.TryEnqueue(1, b) {
		t.Fatal("TryEnqueue() failed")
	}
	if r := <-got; r != b {
		t.Error("WaitDequeue() returned a different buffer")
	}
}

func TestWaitAllocateWakes(t *testing.T) {
	p := New(0, 1, 16)
	b := p.TryAllocate(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.WaitAllocate(ctx, 0); err != nil {
			t.Errorf("WaitAllocate() error = %v", err)
		}
	}()
	p.Release(0, b)
	wg.Wait()
}

func TestWaitEnqueueBlocksWhenFull(t *testing.T) {
	p := New(0, 1, 16)
	if !p.TryEnqueue(0, p.TryAllocate(0)) {
		t.Fatal("TryEnqueue() failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.WaitEnqueue(ctx, 0, hal.NewBuffer(16))
	}()

	if b := p.TryDequeue(0); b == nil {
		t.Fatal("TryDequeue() returned nil")
	}
	if err := <-done; err != nil {
		t.Errorf("WaitEnqueue() error = %v", err)
	}
	if got := p.Queued(0); got != 1 {
		t.Errorf("Queued(0) = %d, want 1", got)
	}
}

func TestWaitContextCancel(t *testing.T) {
	p := New(0, 1, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.WaitDequeue(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitDequeue() error = %v, want DeadlineExceeded", err)
	}
}

func TestClose(t *testing.T) {
	p := New(1, 1, 16)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := p.WaitDequeue(ctx, 1)
		errs <- err
	}()
	go func() {
		_, err := p.WaitDequeue(ctx, 0)
		errs <- err
	}()

	p.Close()
	p.Close()
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, pkg.ErrClosed) {
			t.Errorf("waiter %d error = %v, want ErrClosed", i, err)
		}
	}

	if _, err := p.WaitAllocate(ctx, 1); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("WaitAllocate() after Close error = %v, want ErrClosed", err)
	}
	if err := p.WaitEnqueue(ctx, 1, hal.NewBuffer(1)); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("WaitEnqueue() after Close error = %v, want ErrClosed", err)
	}
	if p.TryAllocate(1) == nil {
		t.Error("TryAllocate() should keep working after Close")
	}
}

func TestDrain(t *testing.T) {
	p := New(1, 3, 16)
	for i := 0; i < 2; i++ {
		p.TryEnqueue(1, p.TryAllocate(1))
	}
	if got := p.Drain(1); got != 2 {
		t.Errorf("Drain(1) = %d, want 2", got)
	}
	if got := p.Free(1); got != 3 {
		t.Errorf("Free(1) after drain = %d, want 3", got)
	}
	if got := p.Drain(1); got != 0 {
		t.Errorf("second Drain(1) = %d, want 0", got)
	}
}

func TestConcurrentExchange(t *testing.T) {
	const packets = 200
	p := New(1, 4, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < packets; i++ {
			b, err := p.WaitAllocate(ctx, 1)
			if err != nil {
				t.Errorf("WaitAllocate() error = %v", err)
				return
			}
			b.Write([]byte{byte(i)})
			if err := p.WaitEnqueue(ctx, 1, b); err != nil {
				t.Errorf("WaitEnqueue() error = %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < packets; i++ {
			b, err := p.WaitDequeue(ctx, 1)
			if err != nil {
				t.Errorf("WaitDequeue() error = %v", err)
				return
			}
			if b.Bytes()[0] != byte(i) {
				t.Errorf("packet %d payload = %d", i, b.Bytes()[0])
			}
			p.Release(1, b)
		}
	}()
	wg.Wait()

	if got := p.Free(1); got != 4 {
		t.Errorf("Free(1) = %d, want 4", got)
	}
}
