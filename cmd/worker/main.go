package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/pexec/pexec/cmd/worker/config"
	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/logging"
	"github.com/pexec/pexec/lib/oci"
	pexecotel "github.com/pexec/pexec/lib/otel"
	"github.com/pexec/pexec/lib/snapshot"
	"github.com/pexec/pexec/lib/vmm"
	"github.com/pexec/pexec/lib/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		uds          = flag.String("uds", "/run/pexec/worker.sock", "unix socket to serve HTTP on")
		imageService = flag.String("image-service", "/run/pexec/images.sock", "image service socket")
		workerCpuset = flag.String("worker-cpuset", "0:1:1", "slot partition as start:count:stride")
		kernel       = flag.String("kernel", "", "guest kernel image")
		initramfs    = flag.String("initramfs", "", "guest initramfs cpio")
		chBin        = flag.String("ch", "cloud-hypervisor", "hypervisor binary")
	)
	flag.Parse()

	cfg := config.Load()
	logging.Setup()

	if *kernel == "" || *initramfs == "" {
		return errors.New("--kernel and --initramfs are required")
	}

	sets, err := worker.ParseCPUSets(*workerCpuset)
	if err != nil {
		return err
	}
	if err := worker.ValidateCPUSets(sets); err != nil {
		return err
	}
	if worker.SlotsSharePhysicalCores(sets, worker.DetectHostTopology()) {
		slog.Warn("slots share physical cores, guests will contend for them", "cpuset", *workerCpuset)
	}

	pool, err := worker.NewPool(cfg.RuntimeDir, sets, cfg.QueueTimeout)
	if err != nil {
		return err
	}
	defer pool.Close()

	imgClient, err := images.Dial(*imageService)
	if err != nil {
		return err
	}
	defer imgClient.Close()

	meter := otel.Meter("pexec/worker")
	metrics, err := pexecotel.NewWorkerMetrics(meter)
	if err != nil {
		return err
	}

	platform := currentPlatform()
	snapKeys, err := snapshotFingerprints(cfg.SnapshotKeys, platform)
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewCache(cfg.SnapshotDir, lo.Keys(snapKeys), 0)
	if err != nil {
		return err
	}

	runner := &worker.Runner{
		Pool:        pool,
		Launcher:    &vmm.Launcher{Bin: *chBin, RuntimeDir: cfg.RuntimeDir},
		Kernel:      *kernel,
		Initramfs:   *initramfs,
		MemoryBytes: cfg.MemoryBytes,
		Snapshots:   snaps,
		Leases:      imgClient,
		Metrics:     metrics,
	}

	srv := &worker.Server{
		Runner:         runner,
		Images:         imgClient,
		MaxInputBytes:  cfg.MaxInputBytes,
		MaxWallClock:   cfg.WallClockMax,
		MaxOutputBytes: cfg.MaxOutputBytes,
		AllowLatest:    cfg.AllowLatest,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// snapshots are warmth, not correctness; build them in the background
	go prewarm(ctx, runner, imgClient, snapKeys)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", srv.Routes())

	_ = os.Remove(*uds)
	ln, err := net.Listen("unix", *uds)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *uds, err)
	}

	httpServer := &http.Server{Handler: r}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker listening", "uds", *uds, "slots", pool.Size())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func currentPlatform() oci.Platform {
	return oci.Platform{OS: "linux", Architecture: runtime.GOARCH}
}

// snapshotFingerprints resolves the allowlisted references to cache keys.
func snapshotFingerprints(refs []string, platform oci.Platform) (map[string]*oci.Reference, error) {
	out := map[string]*oci.Reference{}
	for _, raw := range refs {
		ref, err := oci.ParseReference(raw, false)
		if err != nil {
			return nil, fmt.Errorf("snapshot key %q: %w", raw, err)
		}
		out[images.Fingerprint(ref, platform)] = ref
	}
	return out, nil
}

// prewarm materializes each allowlisted image and snapshots a parked guest
// per slot.
func prewarm(ctx context.Context, runner *worker.Runner, imgs *images.Client, keys map[string]*oci.Reference) {
	platform := currentPlatform()
	for _, ref := range keys {
		image, err := imgs.Materialize(ref, platform)
		if err != nil {
			slog.Warn("prewarm materialize", "ref", ref.String(), "error", err)
			continue
		}
		runner.Prewarm(ctx, *image)
	}
}
