package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pexec/pexec/lib/erofs"
	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/oci"
	"github.com/pexec/pexec/lib/wire"
)

// ImageService resolves references to artifacts. The image-service IPC
// client implements it.
type ImageService interface {
	Materialize(ref *oci.Reference, platform oci.Platform) (*images.ImageRef, error)
}

// RunService is what the HTTP surface needs from the runner.
type RunService interface {
	Run(ctx context.Context, job *Job) (*Result, error)
	Stats() PoolStats
}

// PoolStats is a point-in-time pool occupancy report.
type PoolStats struct {
	Capacity  int `json:"capacity"`
	FreeSlots int `json:"free_slots"`
	Waiting   int `json:"waiting"`
}

// Server is the worker's HTTP surface: the run endpoint the edge proxies
// to, plus health and connection metrics.
type Server struct {
	Runner RunService
	Images ImageService

	// MaxInputBytes caps the request body; requests over it are rejected
	// with 413 before any slot work happens.
	MaxInputBytes int64
	// MaxWallClock clamps the requested guest budget.
	MaxWallClock time.Duration
	// MaxOutputBytes clamps the requested output tmpfs size.
	MaxOutputBytes uint32
	// AllowLatest loosens the reference policy (off in production).
	AllowLatest bool
}

// Routes builds the worker router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/run/{arch}/{os}/*", s.handleRun)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics/conn", s.handleConn)
	return r
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.ContentLength < 0 {
		http.Error(w, "content length required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > s.MaxInputBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != wire.ContentTypePeArchiveV1 {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	platform, err := parsePlatform(chi.URLParam(r, "arch"), chi.URLParam(r, "os"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref, err := oci.ParseReference(chi.URLParam(r, "*"), s.AllowLatest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxInputBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.MaxInputBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var header wire.RunHeader
	input, err := wire.SplitEnvelope(body, &header)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed envelope: %s", err), http.StatusBadRequest)
		return
	}

	image, err := s.Images.Materialize(ref, platform)
	if err != nil {
		status := statusForImageError(err)
		slog.WarnContext(ctx, "materialize image", "ref", ref.String(), "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	if err := s.completeHeader(&header, image); err != nil {
		slog.ErrorContext(ctx, "load image index", "path", image.Path, "error", err)
		http.Error(w, "image artifact unreadable", http.StatusBadGateway)
		return
	}

	result, err := s.Runner.Run(ctx, &Job{Image: *image, Header: header, Input: input})
	switch {
	case err == nil:
	case errors.Is(err, ErrTooBusy):
		http.Error(w, "all slots busy", http.StatusTooManyRequests)
		return
	case errors.Is(err, ErrInputTooBig):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	default:
		slog.ErrorContext(ctx, "run failed", "ref", ref.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", wire.ContentTypePeArchiveV1)
	if _, err := wire.WriteEnvelope(w, result.Response, bytes.NewReader(result.Archive)); err != nil {
		slog.WarnContext(ctx, "write response", "error", err)
	}
}

// completeHeader fills the header fields only the host knows: which rootfs
// tree to mount, its image config, and the clamped budgets.
func (s *Server) completeHeader(header *wire.RunHeader, image *images.ImageRef) error {
	f, err := os.Open(image.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	ix, err := erofs.ReadIndex(f)
	if err != nil {
		return err
	}
	entry, ok := ix.ByPrefix(image.Prefix)
	if !ok {
		return fmt.Errorf("artifact index has no prefix %q", image.Prefix)
	}
	configJSON, err := json.Marshal(entry.Config)
	if err != nil {
		return err
	}

	header.RootfsPrefix = image.Prefix
	header.ImageConfigJSON = configJSON

	maxWall := uint32(s.MaxWallClock / time.Millisecond)
	if header.WallClockMS == 0 || header.WallClockMS > maxWall {
		header.WallClockMS = maxWall
	}
	if header.MaxOutputBytes == 0 || header.MaxOutputBytes > s.MaxOutputBytes {
		header.MaxOutputBytes = s.MaxOutputBytes
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// healthy while a slot is free or the queue is shallow
	stats := s.Runner.Stats()
	if stats.FreeSlots == 0 && stats.Waiting > stats.Capacity {
		http.Error(w, "saturated", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Runner.Stats())
}

func parsePlatform(arch, osName string) (oci.Platform, error) {
	if osName != "linux" {
		return oci.Platform{}, fmt.Errorf("unsupported os %q", osName)
	}
	switch arch {
	case "amd64", "arm64":
	default:
		return oci.Platform{}, fmt.Errorf("unsupported arch %q", arch)
	}
	return oci.Platform{OS: osName, Architecture: arch}, nil
}

func statusForImageError(err error) int {
	switch {
	case errors.Is(err, oci.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oci.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, oci.ErrInvalidReference), errors.Is(err, oci.ErrLatestForbidden):
		return http.StatusBadRequest
	case errors.Is(err, oci.ErrTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
