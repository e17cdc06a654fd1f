package snapshot

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAllowlist(t *testing.T) {
	c, err := NewCache(t.TempDir(), []string{"aaaa"}, 0)
	require.NoError(t, err)

	assert.True(t, c.Allowed("aaaa"))
	assert.False(t, c.Allowed("bbbb"))

	assert.True(t, c.Add(&Entry{Fingerprint: "aaaa", SlotID: 0, Dir: "/snap/a/0"}))
	assert.False(t, c.Add(&Entry{Fingerprint: "bbbb", SlotID: 0, Dir: "/snap/b/0"}),
		"entries outside the allowlist are refused")

	got := c.Acquire("aaaa", 0)
	require.NotNil(t, got)
	assert.Equal(t, "/snap/a/0", got.Dir)

	assert.Nil(t, c.Acquire("aaaa", 1), "no snapshot for that slot")
	assert.Nil(t, c.Acquire("bbbb", 0))
}

func TestCacheMaxPerKey(t *testing.T) {
	c, err := NewCache(t.TempDir(), []string{"aaaa"}, 1)
	require.NoError(t, err)

	assert.True(t, c.Add(&Entry{Fingerprint: "aaaa", SlotID: 0}))
	assert.False(t, c.Add(&Entry{Fingerprint: "aaaa", SlotID: 1}), "per-key cap reached")
	assert.True(t, c.Add(&Entry{Fingerprint: "aaaa", SlotID: 0}), "replacing an existing slot is allowed")
}

func TestCacheDir(t *testing.T) {
	root := t.TempDir()
	c, err := NewCache(root, nil, 0)
	require.NoError(t, err)

	dir, err := c.Dir("cafe", 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cafe", "slot-3"), dir)
	assert.DirExists(t, dir)
}

func TestReadyListenerAwait(t *testing.T) {
	vsockSocket := filepath.Join(t.TempDir(), "vsock.sock")
	ready, err := ListenReady(vsockSocket)
	require.NoError(t, err)
	defer ready.Close()

	// emulate the guest's outbound ready connection
	go func() {
		conn, err := net.Dial("unix", vsockSocket+"_1")
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{1})
	}()

	require.NoError(t, ready.Await(context.Background(), time.Second))
}

func TestReadyListenerTimeout(t *testing.T) {
	ready, err := ListenReady(filepath.Join(t.TempDir(), "vsock.sock"))
	require.NoError(t, err)
	defer ready.Close()

	err = ready.Await(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrNotReady)
}

// TestSignalResume drives the host side of the CONNECT handshake against a
// stub that answers the way cloud-hypervisor does.
func TestSignalResume(t *testing.T) {
	vsockSocket := filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := net.Listen("unix", vsockSocket)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil || !strings.HasPrefix(line, "CONNECT 1") {
			return
		}
		conn.Write([]byte("OK 1073741824\n"))
		buf := make([]byte, 1)
		if _, err := r.Read(buf); err == nil {
			got <- buf[0]
		}
	}()

	require.NoError(t, SignalResume(context.Background(), vsockSocket))
	select {
	case b := <-got:
		assert.EqualValues(t, 1, b)
	case <-time.After(time.Second):
		t.Fatal("resume byte never arrived")
	}
}
