package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/erofs"
	"github.com/pexec/pexec/lib/images"
	"github.com/pexec/pexec/lib/oci"
	"github.com/pexec/pexec/lib/pearchive"
	"github.com/pexec/pexec/lib/wire"
)

type fakeImages struct {
	image *images.ImageRef
	err   error
}

func (f *fakeImages) Materialize(ref *oci.Reference, platform oci.Platform) (*images.ImageRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.image, nil
}

type fakeRunner struct {
	result *Result
	err    error
	jobs   []*Job
	stats  PoolStats
}

func (f *fakeRunner) Run(ctx context.Context, job *Job) (*Result, error) {
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) Stats() PoolStats {
	return f.stats
}

// writeTestArtifact builds a tiny sealed artifact so completeHeader can
// load a real index blob.
func writeTestArtifact(t *testing.T) *images.ImageRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.erofs")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	b, err := erofs.NewBuilder(f, erofs.Options{PathPrefix: "deadbeefcafef00d"})
	require.NoError(t, err)
	fsSize, err := b.Finalize()
	require.NoError(t, err)
	ix := &erofs.Index{Entries: []erofs.IndexEntry{{Prefix: "deadbeefcafef00d"}}}
	_, err = erofs.WriteIndex(f, fsSize, ix, wire.PmemAlign)
	require.NoError(t, err)

	return &images.ImageRef{Fingerprint: "fp", Path: path, Prefix: "deadbeefcafef00d"}
}

func runRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run/amd64/linux/docker.io/library/busybox:1.36", bytes.NewReader(body))
	req.Header.Set("Content-Type", wire.ContentTypePeArchiveV1)
	req.ContentLength = int64(len(body))
	return req
}

func envelope(t *testing.T, header *wire.RunHeader, entries []pearchive.MemEntry) []byte {
	t.Helper()
	var archive bytes.Buffer
	require.NoError(t, pearchive.PackMem(&archive, entries))
	var buf bytes.Buffer
	_, err := wire.WriteEnvelope(&buf, header, &archive)
	require.NoError(t, err)
	return buf.Bytes()
}

func newTestServer(runner RunService, imgs ImageService) *Server {
	return &Server{
		Runner:         runner,
		Images:         imgs,
		MaxInputBytes:  1 << 20,
		MaxWallClock:   10 * time.Second,
		MaxOutputBytes: 512 << 10,
	}
}

func TestHandleRunSuccess(t *testing.T) {
	image := writeTestArtifact(t)
	runner := &fakeRunner{result: &Result{
		Response: wire.Response{Kind: wire.ResponseOk, Siginfo: &wire.Siginfo{Code: wire.CldExited}},
	}}
	srv := newTestServer(runner, &fakeImages{image: image})

	body := envelope(t, &wire.RunHeader{
		Cmd:         []string{"sh", "/run/pe/input/test.sh"},
		WallClockMS: 1000,
	}, []pearchive.MemEntry{{Path: "test.sh", Data: []byte("echo hello")}})

	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, runRequest(t, body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wire.ContentTypePeArchiveV1, w.Header().Get("Content-Type"))

	var resp wire.Response
	_, err := wire.SplitEnvelope(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseOk, resp.Kind)

	// the handler filled in the host-only header fields
	require.Len(t, runner.jobs, 1)
	job := runner.jobs[0]
	assert.Equal(t, "deadbeefcafef00d", job.Header.RootfsPrefix)
	assert.NotEmpty(t, job.Header.ImageConfigJSON)
	assert.EqualValues(t, 1000, job.Header.WallClockMS)
}

func TestHandleRunClampsBudgets(t *testing.T) {
	image := writeTestArtifact(t)
	runner := &fakeRunner{result: &Result{Response: wire.Response{Kind: wire.ResponseOk}}}
	srv := newTestServer(runner, &fakeImages{image: image})

	body := envelope(t, &wire.RunHeader{WallClockMS: 10_000_000}, nil)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, runRequest(t, body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.jobs, 1)
	assert.EqualValues(t, 10_000, runner.jobs[0].Header.WallClockMS)
	assert.EqualValues(t, 512<<10, runner.jobs[0].Header.MaxOutputBytes)
}

func TestHandleRunStatusCodes(t *testing.T) {
	image := writeTestArtifact(t)
	okBody := envelope(t, &wire.RunHeader{WallClockMS: 1000}, nil)

	tests := []struct {
		name   string
		mutate func(req *http.Request)
		images ImageService
		runner RunService
		body   []byte
		status int
	}{
		{
			name:   "missing content length",
			body:   okBody,
			mutate: func(req *http.Request) { req.ContentLength = -1 },
			status: http.StatusLengthRequired,
		},
		{
			name:   "wrong content type",
			body:   okBody,
			mutate: func(req *http.Request) { req.Header.Set("Content-Type", "text/plain") },
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "malformed envelope",
			body:   []byte{1, 2},
			status: http.StatusBadRequest,
		},
		{
			name:   "image not found",
			body:   okBody,
			images: &fakeImages{err: oci.ErrNotFound},
			status: http.StatusNotFound,
		},
		{
			name:   "registry unauthorized",
			body:   okBody,
			images: &fakeImages{err: oci.ErrUnauthorized},
			status: http.StatusUnauthorized,
		},
		{
			name:   "build failed",
			body:   okBody,
			images: &fakeImages{err: images.ErrBuildFailed},
			status: http.StatusBadGateway,
		},
		{
			name:   "pool saturated",
			body:   okBody,
			runner: &fakeRunner{err: ErrTooBusy},
			status: http.StatusTooManyRequests,
		},
		{
			name:   "host failure",
			body:   okBody,
			runner: &fakeRunner{err: os.ErrPermission},
			status: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := tt.runner
			if runner == nil {
				runner = &fakeRunner{result: &Result{Response: wire.Response{Kind: wire.ResponseOk}}}
			}
			imgs := tt.images
			if imgs == nil {
				imgs = &fakeImages{image: image}
			}
			srv := newTestServer(runner, imgs)

			req := runRequest(t, tt.body)
			if tt.mutate != nil {
				tt.mutate(req)
			}
			w := httptest.NewRecorder()
			srv.Routes().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHandleRunRejectsLatest(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeImages{})
	body := envelope(t, &wire.RunHeader{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/run/amd64/linux/docker.io/library/busybox:latest", bytes.NewReader(body))
	req.Header.Set("Content-Type", wire.ContentTypePeArchiveV1)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRunRejectsUnknownPlatform(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeImages{})
	body := envelope(t, &wire.RunHeader{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/run/sparc/linux/busybox:1.36", bytes.NewReader(body))
	req.Header.Set("Content-Type", wire.ContentTypePeArchiveV1)
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRunOversizedBody(t *testing.T) {
	srv := newTestServer(&fakeRunner{}, &fakeImages{})
	srv.MaxInputBytes = 64
	big := envelope(t, &wire.RunHeader{}, []pearchive.MemEntry{{Path: "f", Data: make([]byte, 128)}})
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, runRequest(t, big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeRunner{stats: PoolStats{Capacity: 2, FreeSlots: 1}}, &fakeImages{})
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	srv = newTestServer(&fakeRunner{stats: PoolStats{Capacity: 2, FreeSlots: 0, Waiting: 5}}, &fakeImages{})
	w = httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
