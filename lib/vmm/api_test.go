package vmm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVMM serves the REST surface over a Unix socket and records calls.
type fakeVMM struct {
	mu     sync.Mutex
	calls  []string
	bodies map[string]json.RawMessage
}

func startFakeVMM(t *testing.T) (*fakeVMM, string) {
	t.Helper()
	f := &fakeVMM{bodies: map[string]json.RawMessage{}}
	sock := filepath.Join(t.TempDir(), "ch.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path[len("/api/v1/"):]
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, endpoint)
		f.bodies[endpoint] = body
		f.mu.Unlock()
		if endpoint == "vm.info" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"state":"Running"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return f, sock
}

func (f *fakeVMM) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestClientVerbs(t *testing.T) {
	f, sock := startFakeVMM(t)
	c := NewClient(sock)
	ctx := context.Background()

	cfg := &VmConfig{
		Cpus:   &CpusConfig{BootVcpus: 1, MaxVcpus: 1},
		Memory: &MemoryConfig{Size: 1 << 30, Thp: true},
		Payload: PayloadConfig{
			Kernel:    "/opt/vmlinux",
			Initramfs: "/opt/initramfs.cpio",
			Cmdline:   "console=off",
		},
		Pmem: []PmemConfig{
			{File: "/cache/imgs/abc.erofs", DiscardWrites: true},
			{File: "/run/pexec/io-0", DiscardWrites: false},
		},
		Serial:  &ConsoleConfig{Mode: "Off"},
		Console: &ConsoleConfig{Mode: "Off"},
	}

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Create(ctx, cfg))
	require.NoError(t, c.Boot(ctx))
	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Running", info.State)
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Snapshot(ctx, "file:///snap/dir"))
	require.NoError(t, c.Restore(ctx, "file:///snap/dir"))
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.RemoveDevice(ctx, "vsock0"))
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Delete(ctx))

	assert.Equal(t, []string{
		"vmm.ping", "vm.create", "vm.boot", "vm.info", "vm.pause",
		"vm.snapshot", "vm.restore", "vm.resume", "vm.remove-device",
		"vm.shutdown", "vm.delete",
	}, f.called())

	f.mu.Lock()
	defer f.mu.Unlock()

	var gotCfg VmConfig
	require.NoError(t, json.Unmarshal(f.bodies["vm.create"], &gotCfg))
	assert.Equal(t, cfg.Pmem, gotCfg.Pmem)
	assert.Equal(t, 1, gotCfg.Cpus.BootVcpus)

	var snap struct {
		DestinationURL string `json:"destination_url"`
	}
	require.NoError(t, json.Unmarshal(f.bodies["vm.snapshot"], &snap))
	assert.Equal(t, "file:///snap/dir", snap.DestinationURL)
}

func TestClientErrorStatus(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ch.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no vm booted", http.StatusInternalServerError)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	c := NewClient(sock)
	err = c.Boot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "no vm booted")
}
