package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/snapshot"
)

const prewarmReadyBudget = 10 * time.Second

// Prewarm cold-boots the image once per slot up to the guest's resume
// point, snapshots the paused VM, and registers the snapshots for the
// restore fast path. Failures only cost the fast path, so they are logged
// and skipped.
func (r *Runner) Prewarm(ctx context.Context, image images.ImageRef) {
	if r.Snapshots == nil || !r.Snapshots.Allowed(image.Fingerprint) {
		return
	}
	for range r.Pool.slots {
		slot, err := r.Pool.Acquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "prewarm slot acquire", "error", err)
			return
		}
		if r.Snapshots.Acquire(image.Fingerprint, slot.ID) != nil {
			r.Pool.Release(slot)
			continue
		}
		err = r.prewarmSlot(ctx, slot, image)
		r.Pool.Release(slot)
		if err != nil {
			slog.WarnContext(ctx, "prewarm snapshot failed",
				"fingerprint", image.Fingerprint, "slot", slot.ID, "error", err)
		}
	}
}

func (r *Runner) prewarmSlot(ctx context.Context, slot *Slot, image images.ImageRef) error {
	dir, err := r.Snapshots.Dir(image.Fingerprint, slot.ID)
	if err != nil {
		return err
	}
	vsockSocket := filepath.Join(r.Launcher.RuntimeDir, fmt.Sprintf("vsock-%s.sock", slot.Name()))

	ready, err := snapshot.ListenReady(vsockSocket)
	if err != nil {
		return err
	}
	defer ready.Close()

	vm, err := r.Launcher.Spawn(ctx, slot.Name(), slot.CPUs)
	if err != nil {
		return err
	}
	defer vm.Destroy()

	job := &Job{Image: image}
	cfg := r.vmConfig(slot, job, Cmdline+" "+SnapshotCmdlineFlag, vsockSocket)
	if err := vm.Client.Create(ctx, cfg); err != nil {
		return err
	}
	if err := vm.Client.Boot(ctx); err != nil {
		return err
	}
	if err := ready.Await(ctx, prewarmReadyBudget); err != nil {
		return err
	}
	if err := vm.Client.Pause(ctx); err != nil {
		return err
	}
	if err := vm.Client.Snapshot(ctx, "file://"+dir); err != nil {
		return err
	}

	r.Snapshots.Add(&snapshot.Entry{
		Fingerprint: image.Fingerprint,
		SlotID:      slot.ID,
		Dir:         dir,
		VsockSocket: vsockSocket,
	})
	slog.InfoContext(ctx, "snapshot ready", "fingerprint", image.Fingerprint, "slot", slot.ID)
	return nil
}
