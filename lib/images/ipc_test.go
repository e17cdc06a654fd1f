package images

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/oci"
)

func startIPC(t *testing.T, m Manager) *Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "images.sock")
	srv, err := NewServer(m, sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	client, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIPCMaterializeAndLookup(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(0, &builds))
	client := startIPC(t, m)

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	out, err := client.Materialize(ref, linuxAmd64)
	require.NoError(t, err)
	assert.Equal(t, "deadbeefcafef00d", out.Prefix)
	assert.NotEmpty(t, out.Path)

	peek, err := client.Lookup(ref, linuxAmd64)
	require.NoError(t, err)
	assert.Equal(t, out.Path, peek.Path)
	assert.Equal(t, int64(1), builds.Load())
}

func TestIPCLookupMiss(t *testing.T) {
	m := testManager(t, nil)
	client := startIPC(t, m)

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	_, err = client.Lookup(ref, linuxAmd64)
	require.ErrorIs(t, err, oci.ErrNotFound)
}

func TestIPCRejectsLatest(t *testing.T) {
	m := testManager(t, nil)
	client := startIPC(t, m)

	resp, err := client.roundTrip(&ipcRequest{Op: "lookup", Ref: "busybox:latest", Arch: "amd64", OS: "linux"})
	require.Error(t, err)
	require.Nil(t, resp)
	assert.ErrorIs(t, err, oci.ErrInvalidReference)
}

func TestIPCEvict(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(0, &builds))
	client := startIPC(t, m)

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	out, err := client.Materialize(ref, linuxAmd64)
	require.NoError(t, err)

	m.Acquire(out.Fingerprint)
	require.ErrorIs(t, client.Evict(out.Fingerprint), ErrLeased)
	m.Release(out.Fingerprint)
	require.NoError(t, client.Evict(out.Fingerprint))
}
