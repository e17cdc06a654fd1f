package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"golang.org/x/sys/unix"
)

const (
	// stderrTailSize bounds how much hypervisor stderr is retained for
	// post-mortems.
	stderrTailSize = 64 << 10

	apiPollInterval = 5 * time.Millisecond
)

// Launcher spawns hypervisor children. One Launcher serves many VMs; each
// VM gets its own API socket under RuntimeDir.
type Launcher struct {
	// Bin is the hypervisor binary (cloud-hypervisor or compatible).
	Bin string
	// RuntimeDir holds per-VM API sockets and vsock sockets.
	RuntimeDir string
	// BootBudget bounds how long the API socket may take to come up.
	BootBudget time.Duration
}

// VM is a live hypervisor child plus its API client.
type VM struct {
	Name       string
	Client     *Client
	SocketPath string

	cmd    *exec.Cmd
	stderr *lockedBuf

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// Spawn starts the hypervisor process pinned to the given host cpus and
// waits for its API socket to answer. The child's main thread inherits the
// spawning thread's affinity, so every vCPU and the guest stay on the
// slot's cpuset.
func (l *Launcher) Spawn(ctx context.Context, name string, cpus []int) (*VM, error) {
	socketPath := filepath.Join(l.RuntimeDir, fmt.Sprintf("vmm-%s.sock", name))
	_ = os.Remove(socketPath)

	buf, _ := circbuf.NewBuffer(stderrTailSize)
	stderr := &lockedBuf{buf: buf}

	cmd := exec.Command(l.Bin, "--api-socket", socketPath)
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	restore, err := pinThread(cpus)
	if err != nil {
		return nil, fmt.Errorf("pin cpuset: %w", err)
	}
	err = cmd.Start()
	restore()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", l.Bin, err)
	}

	vm := &VM{
		Name:       name,
		Client:     NewClient(socketPath),
		SocketPath: socketPath,
		cmd:        cmd,
		stderr:     stderr,
		done:       make(chan struct{}),
	}
	go vm.reap()

	budget := l.BootBudget
	if budget == 0 {
		budget = 2 * time.Second
	}
	if err := vm.waitForAPI(ctx, budget); err != nil {
		vm.Destroy()
		return nil, err
	}
	return vm, nil
}

// pinThread locks the calling goroutine to its OS thread and moves that
// thread onto cpus; the returned func restores the old affinity. A child
// forked in between inherits the pinned set.
func pinThread(cpus []int) (func(), error) {
	runtime.LockOSThread()
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return func() {
		if err := unix.SchedSetaffinity(0, &old); err != nil {
			slog.Warn("restore thread affinity", "error", err)
		}
		runtime.UnlockOSThread()
	}, nil
}

func (vm *VM) reap() {
	vm.waitErr = vm.cmd.Wait()
	close(vm.done)
}

func (vm *VM) waitForAPI(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		select {
		case <-vm.done:
			return fmt.Errorf("%w during startup: %s", ErrExited, vm.StderrTail())
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pingCtx, cancel := context.WithTimeout(ctx, apiPollInterval*4)
		err := vm.Client.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrAPINotReady, budget)
		}
		time.Sleep(apiPollInterval)
	}
}

// WaitExit blocks until the hypervisor process exits. On timeout or context
// cancellation the process is SIGKILLed and reaped before returning
// ErrOvertime or the context error.
func (vm *VM) WaitExit(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-vm.done:
		return nil
	case <-timer.C:
		vm.Kill()
		<-vm.done
		return ErrOvertime
	case <-ctx.Done():
		vm.Kill()
		<-vm.done
		return ctx.Err()
	}
}

// Exited reports whether the child has been reaped, and its wait error.
func (vm *VM) Exited() (bool, error) {
	select {
	case <-vm.done:
		return true, vm.waitErr
	default:
		return false, nil
	}
}

// Kill SIGKILLs the hypervisor process.
func (vm *VM) Kill() {
	if vm.cmd.Process != nil {
		_ = vm.cmd.Process.Kill()
	}
}

// Destroy kills the child if needed, reaps it, and removes the API socket.
// Safe to call on every exit path.
func (vm *VM) Destroy() {
	vm.waitOnce.Do(func() {
		vm.Kill()
		<-vm.done
		_ = os.Remove(vm.SocketPath)
	})
}

// StderrTail returns the retained tail of the hypervisor's stderr.
func (vm *VM) StderrTail() string {
	return vm.stderr.String()
}

// lockedBuf makes the circular buffer safe for the exec copier goroutine
// and post-mortem readers.
type lockedBuf struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func (b *lockedBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
