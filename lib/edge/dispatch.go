package edge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/oci"
	pexecotel "github.com/pexec/pexec/lib/otel"
	"github.com/pexec/pexec/lib/wire"
)

// ImageLister exposes the cached-artifact listing; the image-service IPC
// client implements it.
type ImageLister interface {
	List() ([]images.ArtifactInfo, error)
}

// Dispatcher validates incoming run requests and relays them to workers.
type Dispatcher struct {
	backends []*Backend
	next     atomic.Uint64

	// MaxInputBytes caps the request body.
	MaxInputBytes int64
	// AllowLatest loosens the reference policy.
	AllowLatest bool
	// Images is optional; when set, GET /images lists cached artifacts.
	Images  ImageLister
	Metrics *pexecotel.EdgeMetrics
}

// NewDispatcher builds the edge over the given worker backends.
func NewDispatcher(backends []*Backend, maxInputBytes int64) *Dispatcher {
	return &Dispatcher{
		backends:      backends,
		MaxInputBytes: maxInputBytes,
	}
}

// Routes builds the edge router.
func (d *Dispatcher) Routes() chi.Router {
	r := chi.NewRouter()
	if d.Metrics != nil {
		r.Use(metricsMiddleware(d.Metrics))
	}
	r.Post("/run/{arch}/{os}/*", d.handleRun)
	r.Get("/health", d.handleHealth)
	r.Get("/images", d.handleImages)
	return r
}

// handleRun performs the cheap request checks here at the edge, then
// forwards the body unread; the worker decodes the envelope once.
func (d *Dispatcher) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		http.Error(w, "content length required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > d.MaxInputBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != wire.ContentTypePeArchiveV1 {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if _, err := parsePlatform(chi.URLParam(r, "arch"), chi.URLParam(r, "os")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := oci.ParseReference(chi.URLParam(r, "*"), d.AllowLatest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body := http.MaxBytesReader(w, r.Body, d.MaxInputBytes)
	if err := d.forward(r.Context(), r.URL.Path, wire.ContentTypePeArchiveV1, r.ContentLength, body, w); err != nil {
		slog.WarnContext(r.Context(), "forward to worker", "error", err)
	}
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, b := range d.backends {
		if b.healthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
			return
		}
	}
	http.Error(w, "no healthy worker", http.StatusServiceUnavailable)
}

func (d *Dispatcher) handleImages(w http.ResponseWriter, r *http.Request) {
	if d.Images == nil {
		http.Error(w, "image listing not configured", http.StatusNotFound)
		return
	}
	infos, err := d.Images.List()
	if err != nil {
		slog.WarnContext(r.Context(), "list images", "error", err)
		http.Error(w, "image service unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

func parsePlatform(arch, osName string) (oci.Platform, error) {
	if osName != "linux" {
		return oci.Platform{}, &badPlatformError{osName}
	}
	switch arch {
	case "amd64", "arm64":
	default:
		return oci.Platform{}, &badPlatformError{arch}
	}
	return oci.Platform{OS: osName, Architecture: arch}, nil
}

type badPlatformError struct{ what string }

func (e *badPlatformError) Error() string {
	return "unsupported platform component " + e.what
}
