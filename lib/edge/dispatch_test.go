package edge

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/wire"
)

// startWorkerStub serves a canned response on a Unix socket the way a
// worker daemon would.
func startWorkerStub(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "worker.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return NewUnixBackend(sock)
}

func envelopeBody(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := wire.WriteEnvelope(&buf, &wire.RunHeader{Cmd: []string{"true"}, WallClockMS: 1000}, nil)
	require.NoError(t, err)
	return buf.Bytes()
}

func postRun(t *testing.T, d *Dispatcher, path string, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", wire.ContentTypePeArchiveV1)
	req.ContentLength = int64(len(body))
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	d.Routes().ServeHTTP(w, req)
	return w
}

func TestDispatchForwardsToWorker(t *testing.T) {
	var gotPath string
	var gotBody []byte
	backend := startWorkerStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", wire.ContentTypePeArchiveV1)
		wire.WriteEnvelope(w, wire.Response{Kind: wire.ResponseOk}, nil)
	}))
	d := NewDispatcher([]*Backend{backend}, 1<<20)

	body := envelopeBody(t)
	w := postRun(t, d, "/run/amd64/linux/docker.io/library/busybox:1.36", body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/run/amd64/linux/docker.io/library/busybox:1.36", gotPath)
	assert.Equal(t, body, gotBody)

	var resp wire.Response
	_, err := wire.SplitEnvelope(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseOk, resp.Kind)
}

func TestDispatchRoundRobin(t *testing.T) {
	hits := make([]int, 2)
	mk := func(i int) *Backend {
		return startWorkerStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits[i]++
			w.WriteHeader(http.StatusOK)
		}))
	}
	d := NewDispatcher([]*Backend{mk(0), mk(1)}, 1<<20)

	body := envelopeBody(t)
	for i := 0; i < 4; i++ {
		w := postRun(t, d, "/run/amd64/linux/busybox:1.36", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 2, hits[0])
	assert.Equal(t, 2, hits[1])
}

func TestDispatchValidation(t *testing.T) {
	backend := startWorkerStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the worker")
	}))
	d := NewDispatcher([]*Backend{backend}, 256)
	body := envelopeBody(t)

	tests := []struct {
		name   string
		path   string
		mutate func(*http.Request)
		status int
	}{
		{
			name:   "missing content length",
			path:   "/run/amd64/linux/busybox:1.36",
			mutate: func(r *http.Request) { r.ContentLength = -1 },
			status: http.StatusLengthRequired,
		},
		{
			name:   "oversized",
			path:   "/run/amd64/linux/busybox:1.36",
			mutate: func(r *http.Request) { r.ContentLength = 10_000 },
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "wrong content type",
			path:   "/run/amd64/linux/busybox:1.36",
			mutate: func(r *http.Request) { r.Header.Set("Content-Type", "application/json") },
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "latest forbidden",
			path:   "/run/amd64/linux/busybox:latest",
			status: http.StatusBadRequest,
		},
		{
			name:   "bad platform",
			path:   "/run/mips/linux/busybox:1.36",
			status: http.StatusBadRequest,
		},
		{
			name:   "bad reference",
			path:   "/run/amd64/linux/NOT_A_REF!!",
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postRun(t, d, tt.path, body, tt.mutate)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestDispatchWorkerDown(t *testing.T) {
	backend := NewUnixBackend(filepath.Join(t.TempDir(), "nope.sock"))
	d := NewDispatcher([]*Backend{backend}, 1<<20)
	w := postRun(t, d, "/run/amd64/linux/busybox:1.36", envelopeBody(t), nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealthAggregates(t *testing.T) {
	healthy := startWorkerStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	down := NewUnixBackend(filepath.Join(t.TempDir(), "nope.sock"))

	d := NewDispatcher([]*Backend{down, healthy}, 1<<20)
	w := httptest.NewRecorder()
	d.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	d = NewDispatcher([]*Backend{down}, 1<<20)
	w = httptest.NewRecorder()
	d.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type stubLister struct {
	infos []images.ArtifactInfo
	err   error
}

func (s *stubLister) List() ([]images.ArtifactInfo, error) {
	return s.infos, s.err
}

func TestImagesListing(t *testing.T) {
	d := NewDispatcher([]*Backend{NewTCPBackend("127.0.0.1:0")}, 1<<20)
	d.Images = &stubLister{infos: []images.ArtifactInfo{{Fingerprint: "ab", Reference: "docker.io/library/busybox:1.36"}}}

	w := httptest.NewRecorder()
	d.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "busybox")

	d.Images = nil
	w = httptest.NewRecorder()
	d.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
