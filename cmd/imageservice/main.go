package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/pexec/pexec/lib/erofs"
	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/logging"
	"github.com/pexec/pexec/lib/oci"
	pexecotel "github.com/pexec/pexec/lib/otel"
)

// uidOffset places artifact contents under an unprivileged outer user.
const uidOffset = 1000

func main() {
	if err := run(); err != nil {
		slog.Error("image service terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen = flag.String("listen", "/run/pexec/images.sock", "seqpacket unix socket to serve on")
		auth   = flag.String("auth", "", "registry credentials file")
		cache  = flag.String("cache", "/var/lib/pexec/images", "artifact cache directory")
	)
	flag.Parse()

	_ = godotenv.Load()
	logging.Setup()

	keychain := oci.AnonymousKeychain()
	if *auth != "" {
		var err error
		keychain, err = oci.LoadKeychain(*auth)
		if err != nil {
			return err
		}
	}

	quota := int64(0)
	if raw := os.Getenv("PEXEC_IMAGE_CACHE_BYTES"); raw != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(raw)); err == nil {
			quota = int64(v)
		}
	}

	metrics, err := pexecotel.NewImageMetrics(otel.Meter("pexec/images"))
	if err != nil {
		return err
	}

	mgr, err := images.NewManager(images.Options{
		CacheDir:    *cache,
		QuotaBytes:  quota,
		Puller:      oci.NewPuller(oci.PullerOptions{Keychain: keychain}),
		Compression: erofs.CompressionLZ4,
		UIDOffset:   uidOffset,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	srv, err := images.NewServer(mgr, *listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("image service listening", "socket", *listen, "cache", *cache)
	return srv.Serve(ctx)
}
