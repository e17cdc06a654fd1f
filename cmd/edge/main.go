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
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/pexec/pexec/lib/edge"
	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/logging"
	pexecotel "github.com/pexec/pexec/lib/otel"
)

type workerList []string

func (w *workerList) String() string { return strings.Join(*w, ",") }
func (w *workerList) Set(v string) error {
	*w = append(*w, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("edge terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var workers workerList
	var (
		uds          = flag.String("uds", "", "unix socket to serve HTTP on")
		tcp          = flag.String("tcp", "", "tcp address to serve HTTP on")
		imageService = flag.String("image-service", "", "optional image service socket for /images")
	)
	flag.Var(&workers, "worker", "worker socket or address (repeatable)")
	flag.Parse()

	_ = godotenv.Load()
	logging.Setup()

	if (*uds == "") == (*tcp == "") {
		return errors.New("exactly one of --uds or --tcp is required")
	}
	if len(workers) == 0 {
		return errors.New("at least one --worker is required")
	}

	maxInput := int64(1 * datasize.MB)
	if raw := os.Getenv("PEXEC_MAX_INPUT_BYTES"); raw != "" {
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(raw)); err == nil {
			maxInput = int64(v)
		}
	}

	backends := lo.Map(workers, func(w string, _ int) *edge.Backend {
		if strings.HasPrefix(w, "/") || strings.HasSuffix(w, ".sock") {
			return edge.NewUnixBackend(w)
		}
		return edge.NewTCPBackend(w)
	})

	dispatcher := edge.NewDispatcher(backends, maxInput)
	dispatcher.AllowLatest = os.Getenv("PEXEC_ALLOW_LATEST") == "1"

	metrics, err := pexecotel.NewEdgeMetrics(otel.Meter("pexec/edge"))
	if err != nil {
		return err
	}
	dispatcher.Metrics = metrics

	if *imageService != "" {
		imgClient, err := images.Dial(*imageService)
		if err != nil {
			return err
		}
		defer imgClient.Close()
		dispatcher.Images = imgClient
	}

	var ln net.Listener
	if *uds != "" {
		_ = os.Remove(*uds)
		ln, err = net.Listen("unix", *uds)
	} else {
		ln, err = net.Listen("tcp", *tcp)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", dispatcher.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Handler: r}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("edge listening", "addr", ln.Addr().String(), "workers", len(backends))
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
