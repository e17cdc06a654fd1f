// Package snapshot keeps pre-booted VM snapshots for allowlisted images so
// runs can restore a warm guest instead of cold-booting one.
//
// A snapshot is taken per (image fingerprint, slot): the pmem backing paths
// and the vsock socket are baked into the device state, and both are
// slot-local. The guest is parked on a vsock accept before it has observed
// any request data, so one snapshot serves arbitrarily many later requests.
// Snapshot directories are immutable; each restore discards its VMM after
// the run.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pexec/pexec/lib/vmm"
)

// ResumePort is the guest vsock port used for the park/resume handshake.
const ResumePort = 1

var ErrNotReady = errors.New("snapshot: guest never reached its resume point")

// Entry is one restorable snapshot.
type Entry struct {
	Fingerprint string
	SlotID      int
	// Dir holds the memory ranges and device-state descriptor.
	Dir string
	// VsockSocket is the host Unix socket backing the guest vsock device.
	VsockSocket string
}

// Cache maps (fingerprint, slot) to a snapshot entry. Only allowlisted
// fingerprints are ever admitted.
type Cache struct {
	dir       string
	allowed   map[string]bool
	maxPerKey int

	mu      sync.Mutex
	entries map[string]map[int]*Entry
}

// NewCache creates a cache rooted at dir for the allowlisted fingerprints.
// maxPerKey bounds how many slots get a snapshot per image; 0 means all.
func NewCache(dir string, allowed []string, maxPerKey int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	c := &Cache{
		dir:       dir,
		allowed:   map[string]bool{},
		maxPerKey: maxPerKey,
		entries:   map[string]map[int]*Entry{},
	}
	for _, fp := range allowed {
		c.allowed[fp] = true
	}
	return c, nil
}

// Allowed reports whether the fingerprint is on the pre-warm allowlist.
func (c *Cache) Allowed(fingerprint string) bool {
	return c.allowed[fingerprint]
}

// Dir returns the directory a (fingerprint, slot) snapshot lives in,
// creating it.
func (c *Cache) Dir(fingerprint string, slotID int) (string, error) {
	dir := filepath.Join(c.dir, fingerprint, fmt.Sprintf("slot-%d", slotID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	return dir, nil
}

// Add registers a completed snapshot.
func (c *Cache) Add(e *Entry) bool {
	if !c.allowed[e.Fingerprint] {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := c.entries[e.Fingerprint]
	if slots == nil {
		slots = map[int]*Entry{}
		c.entries[e.Fingerprint] = slots
	}
	if c.maxPerKey > 0 && len(slots) >= c.maxPerKey {
		if _, ok := slots[e.SlotID]; !ok {
			return false
		}
	}
	slots[e.SlotID] = e
	return true
}

// Acquire returns the snapshot for (fingerprint, slot), or nil. The entry
// is shared, not consumed.
func (c *Cache) Acquire(fingerprint string, slotID int) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[fingerprint][slotID]
}

// ReadyListener awaits the guest's "reached the park point" signal. Cloud
// Hypervisor surfaces guest-initiated vsock connections to port P on the
// host Unix socket "<vsock-socket>_P".
type ReadyListener struct {
	ln net.Listener
}

// ListenReady must be set up before the VM boots so the guest's connect
// cannot race the listener.
func ListenReady(vsockSocket string) (*ReadyListener, error) {
	path := fmt.Sprintf("%s_%d", vsockSocket, ResumePort)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen ready socket: %w", err)
	}
	return &ReadyListener{ln: ln}, nil
}

// Await blocks until the guest connects and sends its ready byte.
func (r *ReadyListener) Await(ctx context.Context, timeout time.Duration) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		conn, err := r.ln.Accept()
		if err != nil {
			ch <- result{err}
			return
		}
		defer conn.Close()
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		ch <- result{err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%w: %s", ErrNotReady, res.err)
		}
		return nil
	case <-timer.C:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ReadyListener) Close() error {
	return r.ln.Close()
}

// SignalResume completes the parked guest's accept: one byte over the
// guest's vsock port releases it to read the freshly staged request.
func SignalResume(ctx context.Context, vsockSocket string) error {
	conn, err := vmm.DialVsock(ctx, vsockSocket, ResumePort)
	if err != nil {
		return fmt.Errorf("resume handshake: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("send resume byte: %w", err)
	}
	return nil
}
