package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, sets []CPUSet, queueTimeout time.Duration) *Pool {
	t.Helper()
	p, err := NewPool(t.TempDir(), sets, queueTimeout)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t, []CPUSet{{0}, {1}}, time.Second)
	assert.Equal(t, 2, p.FreeSlots())

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Zero(t, p.FreeSlots())

	p.Release(a)
	assert.Equal(t, 1, p.FreeSlots())
	p.Release(b)
	assert.Equal(t, 2, p.FreeSlots())
}

func TestPoolQueueTimeout(t *testing.T) {
	p := newTestPool(t, []CPUSet{{0}}, 20*time.Millisecond)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrTooBusy)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	p.Release(slot)
}

func TestPoolWaiterGetsReleasedSlot(t *testing.T) {
	p := newTestPool(t, []CPUSet{{0}}, time.Second)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Slot, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		if err == nil {
			got <- s
		}
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(slot)

	select {
	case s := <-got:
		assert.Equal(t, slot.ID, s.ID)
		p.Release(s)
	case <-time.After(time.Second):
		t.Fatal("waiter never got the released slot")
	}
}

func TestPoolAcquireCancelled(t *testing.T) {
	p := newTestPool(t, []CPUSet{{0}}, time.Minute)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(slot)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSlotIOFilesAreDistinct(t *testing.T) {
	p := newTestPool(t, []CPUSet{{0}, {1}, {2}}, time.Second)
	paths := map[string]bool{}
	for _, s := range p.slots {
		assert.False(t, paths[s.IO.Path()])
		paths[s.IO.Path()] = true
	}
}
