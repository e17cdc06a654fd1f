package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Slot is one worker-pool unit: a pinned cpuset and a preallocated I/O
// file. Slots are created at startup and never destroyed.
type Slot struct {
	ID   int
	CPUs CPUSet
	IO   *IOFile
}

func (s *Slot) Name() string {
	return fmt.Sprintf("slot-%d", s.ID)
}

// Pool hands out slots FIFO. Requests that wait longer than the queue
// timeout are rejected with ErrTooBusy.
type Pool struct {
	slots        []*Slot
	free         chan *Slot
	queueTimeout time.Duration
	waiting      atomic.Int64
}

// NewPool creates the fixed slot set from the parsed cpusets, one I/O file
// per slot under runtimeDir.
func NewPool(runtimeDir string, sets []CPUSet, queueTimeout time.Duration) (*Pool, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	p := &Pool{
		free:         make(chan *Slot, len(sets)),
		queueTimeout: queueTimeout,
	}
	for i, set := range sets {
		iof, err := NewIOFile(filepath.Join(runtimeDir, fmt.Sprintf("io-%d", i)))
		if err != nil {
			p.Close()
			return nil, err
		}
		slot := &Slot{ID: i, CPUs: set, IO: iof}
		p.slots = append(p.slots, slot)
		p.free <- slot
	}
	return p, nil
}

// Acquire blocks for a free slot until the queue timeout or context
// cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case slot := <-p.free:
		return slot, nil
	default:
	}

	timer := time.NewTimer(p.queueTimeout)
	defer timer.Stop()
	select {
	case slot := <-p.free:
		return slot, nil
	case <-timer.C:
		return nil, ErrTooBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the free list.
func (p *Pool) Release(slot *Slot) {
	p.free <- slot
}

// FreeSlots returns how many slots are idle.
func (p *Pool) FreeSlots() int {
	return len(p.free)
}

// Waiting returns how many acquirers are queued or being served.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Close releases every slot's I/O file.
func (p *Pool) Close() {
	for _, s := range p.slots {
		s.IO.Close()
	}
}
