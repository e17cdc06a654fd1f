package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pexec/pexec/lib/images"
	pexecotel "github.com/pexec/pexec/lib/otel"
	"github.com/pexec/pexec/lib/snapshot"
	"github.com/pexec/pexec/lib/vmm"
	"github.com/pexec/pexec/lib/wire"
)

// Cmdline is the guest kernel command line. The guest has no console; a
// kernel panic reboots immediately, which the hypervisor turns into a
// process exit the host observes.
const Cmdline = "reboot=k panic=-1 quiet"

// SnapshotCmdlineFlag makes the guest init park on a vsock accept before it
// touches any request data, marking the resume point.
const SnapshotCmdlineFlag = "pexec.snapshot=1"

// Leaser pins image artifacts for the duration of a run. The image-service
// client implements it.
type Leaser interface {
	Lease(fingerprint string) error
	Release(fingerprint string) error
}

// Job is one admitted run.
type Job struct {
	Image  images.ImageRef
	Header wire.RunHeader
	Input  []byte
}

// Result is the guest's response envelope, split.
type Result struct {
	Response wire.Response
	Archive  []byte
}

// Runner owns the slot pool and drives one VM per admitted job.
type Runner struct {
	Pool           *Pool
	Launcher       *vmm.Launcher
	Kernel         string
	Initramfs      string
	MemoryBytes    int64
	BootBudget     time.Duration
	TeardownBudget time.Duration

	// Snapshots is the optional restore fast path.
	Snapshots *snapshot.Cache
	// Leases is optional; when set, the image artifact is pinned for the
	// run's duration.
	Leases  Leaser
	Metrics *pexecotel.WorkerMetrics
}

// Run acquires a slot, stages the request into its I/O file, boots (or
// restores) a VM on the slot's cpuset, waits for it to power off, and reads
// the response envelope back. Guest-side failures come back as a normal
// Result carrying a panic response; only host-side failures return an
// error.
func (r *Runner) Run(ctx context.Context, job *Job) (*Result, error) {
	queueStart := time.Now()
	slot, err := r.Pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrTooBusy) && r.Metrics != nil {
			r.Metrics.Rejections.Add(ctx, 1)
		}
		return nil, err
	}
	defer r.Pool.Release(slot)

	if r.Metrics != nil {
		r.Metrics.QueueWait.Record(ctx, time.Since(queueStart).Seconds())
		r.Metrics.SlotsBusy.Add(ctx, 1)
		defer r.Metrics.SlotsBusy.Add(ctx, -1)
		r.Metrics.RunsTotal.Add(ctx, 1)
		defer func() {
			r.Metrics.RunDuration.Record(ctx, time.Since(queueStart).Seconds())
		}()
	}

	if r.Leases != nil {
		if err := r.Leases.Lease(job.Image.Fingerprint); err != nil {
			slog.WarnContext(ctx, "lease image", "fingerprint", job.Image.Fingerprint, "error", err)
		} else {
			defer r.Leases.Release(job.Image.Fingerprint)
		}
	}

	if err := slot.IO.WriteRequest(&job.Header, job.Input); err != nil {
		return nil, err
	}

	outer := job.Header.WallClock() + r.bootBudget() + r.teardownBudget()

	var vm *vmm.VM
	if entry := r.snapshotFor(job, slot); entry != nil {
		vm, err = r.restoreVM(ctx, slot, entry)
		if err != nil {
			slog.WarnContext(ctx, "snapshot restore failed, cold booting",
				"slot", slot.ID, "fingerprint", job.Image.Fingerprint, "error", err)
			vm = nil
		} else if r.Metrics != nil {
			r.Metrics.SnapshotHits.Add(ctx, 1)
		}
	}
	if vm == nil {
		vm, err = r.bootVM(ctx, slot, job)
		if err != nil {
			return nil, err
		}
	}
	defer vm.Destroy()

	waitErr := vm.WaitExit(ctx, outer)
	switch {
	case waitErr == nil:
	case errors.Is(waitErr, vmm.ErrOvertime):
		return &Result{Response: wire.GuestPanic("guest exceeded its outer deadline")}, nil
	default:
		return nil, waitErr
	}

	resp, archive, err := slot.IO.ReadResponse()
	if err != nil {
		msg := fmt.Sprintf("guest crashed: %s", vm.StderrTail())
		return &Result{Response: wire.GuestPanic(msg)}, nil
	}
	return &Result{Response: *resp, Archive: archive}, nil
}

// Stats reports pool occupancy for health and metrics endpoints.
func (r *Runner) Stats() PoolStats {
	return PoolStats{
		Capacity:  r.Pool.Size(),
		FreeSlots: r.Pool.FreeSlots(),
		Waiting:   r.Pool.Waiting(),
	}
}

func (r *Runner) bootBudget() time.Duration {
	if r.BootBudget == 0 {
		return 2 * time.Second
	}
	return r.BootBudget
}

func (r *Runner) teardownBudget() time.Duration {
	if r.TeardownBudget == 0 {
		return 2 * time.Second
	}
	return r.TeardownBudget
}

func (r *Runner) memoryBytes() int64 {
	if r.MemoryBytes == 0 {
		return 1 << 30
	}
	return r.MemoryBytes
}

// vmConfig assembles the cold-boot VM description: one vCPU on the pinned
// set, the image as a read-only pmem, the slot I/O file as a writable one,
// no network, consoles off.
func (r *Runner) vmConfig(slot *Slot, job *Job, cmdline string, vsockSocket string) *vmm.VmConfig {
	cfg := &vmm.VmConfig{
		Cpus:   &vmm.CpusConfig{BootVcpus: 1, MaxVcpus: 1},
		Memory: &vmm.MemoryConfig{Size: r.memoryBytes(), Thp: true},
		Payload: vmm.PayloadConfig{
			Kernel:    r.Kernel,
			Initramfs: r.Initramfs,
			Cmdline:   cmdline,
		},
		Pmem: []vmm.PmemConfig{
			{File: job.Image.Path, DiscardWrites: true, ID: "image"},
			{File: slot.IO.Path(), DiscardWrites: false, ID: "io"},
		},
		Serial:  &vmm.ConsoleConfig{Mode: "Off"},
		Console: &vmm.ConsoleConfig{Mode: "Off"},
	}
	if vsockSocket != "" {
		cfg.Vsock = &vmm.VsockConfig{CID: 3, Socket: vsockSocket, ID: "vsock"}
		cfg.Memory.Shared = true
	}
	return cfg
}

func (r *Runner) bootVM(ctx context.Context, slot *Slot, job *Job) (*vmm.VM, error) {
	vm, err := r.Launcher.Spawn(ctx, slot.Name(), slot.CPUs)
	if err != nil {
		return nil, err
	}
	cfg := r.vmConfig(slot, job, Cmdline, "")
	if err := vm.Client.Create(ctx, cfg); err != nil {
		vm.Destroy()
		return nil, err
	}
	if err := vm.Client.Boot(ctx); err != nil {
		vm.Destroy()
		return nil, err
	}
	return vm, nil
}

func (r *Runner) snapshotFor(job *Job, slot *Slot) *snapshot.Entry {
	if r.Snapshots == nil {
		return nil
	}
	return r.Snapshots.Acquire(job.Image.Fingerprint, slot.ID)
}

// restoreVM brings a snapshotted VM back on the slot and releases it from
// its resume point by completing the guest's vsock accept. The snapshot was
// taken before the guest observed any request data, so the request staged
// in the slot's I/O file is the first thing the resumed guest reads.
func (r *Runner) restoreVM(ctx context.Context, slot *Slot, entry *snapshot.Entry) (*vmm.VM, error) {
	vm, err := r.Launcher.Spawn(ctx, slot.Name(), slot.CPUs)
	if err != nil {
		return nil, err
	}
	if err := vm.Client.Restore(ctx, "file://"+entry.Dir); err != nil {
		vm.Destroy()
		return nil, err
	}
	if err := vm.Client.Resume(ctx); err != nil {
		vm.Destroy()
		return nil, err
	}
	if err := snapshot.SignalResume(ctx, entry.VsockSocket); err != nil {
		vm.Destroy()
		return nil, err
	}
	return vm, nil
}
