package images

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pexec/pexec/lib/oci"
)

var linuxAmd64 = oci.Platform{OS: "linux", Architecture: "amd64"}

func testManager(t *testing.T, build buildFunc) *manager {
	t.Helper()
	mgr, err := NewManager(Options{
		CacheDir: t.TempDir(),
		Puller:   oci.NewPuller(oci.PullerOptions{}),
	})
	require.NoError(t, err)
	m := mgr.(*manager)
	if build != nil {
		m.build = build
	}
	return m
}

func fakeBuild(delay time.Duration, builds *atomic.Int64) buildFunc {
	return func(ctx context.Context, ref *oci.Reference, platform oci.Platform, dest string) (string, error) {
		builds.Add(1)
		time.Sleep(delay)
		if err := os.WriteFile(dest, []byte("erofs bytes"), 0o644); err != nil {
			return "", err
		}
		return "deadbeefcafef00d", nil
	}
}

func TestMaterializeCoalescesConcurrentBuilds(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(50*time.Millisecond, &builds))

	ref, err := oci.ParseReference("docker.io/library/busybox:1.36", false)
	require.NoError(t, err)

	const n = 8
	paths := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.Materialize(context.Background(), ref, linuxAmd64)
			require.NoError(t, err)
			paths[i] = out.Path
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load(), "exactly one build must run")
	for _, p := range paths {
		assert.Equal(t, paths[0], p, "all callers observe the same artifact")
	}
}

func TestMaterializeSecondCallHitsCache(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(0, &builds))

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	first, err := m.Materialize(context.Background(), ref, linuxAmd64)
	require.NoError(t, err)
	second, err := m.Materialize(context.Background(), ref, linuxAmd64)
	require.NoError(t, err)

	assert.Equal(t, int64(1), builds.Load())
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, "deadbeefcafef00d", second.Prefix)
}

func TestFailedBuildIsNotCached(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, func(ctx context.Context, ref *oci.Reference, platform oci.Platform, dest string) (string, error) {
		if builds.Add(1) == 1 {
			return "", oci.ErrNotFound
		}
		if err := os.WriteFile(dest, []byte("erofs bytes"), 0o644); err != nil {
			return "", err
		}
		return "deadbeefcafef00d", nil
	})

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	_, err = m.Materialize(context.Background(), ref, linuxAmd64)
	require.ErrorIs(t, err, oci.ErrNotFound)

	out, err := m.Materialize(context.Background(), ref, linuxAmd64)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Path)
	assert.Equal(t, int64(2), builds.Load(), "failure must not be cached")
}

func TestLookupMissesWithoutBuild(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(0, &builds))

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	_, err = m.Lookup(context.Background(), ref, linuxAmd64)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, builds.Load())
}

func TestEvictRespectsLeases(t *testing.T) {
	var builds atomic.Int64
	m := testManager(t, fakeBuild(0, &builds))

	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	out, err := m.Materialize(context.Background(), ref, linuxAmd64)
	require.NoError(t, err)

	m.Acquire(out.Fingerprint)
	require.ErrorIs(t, m.Evict(context.Background(), out.Fingerprint), ErrLeased)

	m.Release(out.Fingerprint)
	require.NoError(t, m.Evict(context.Background(), out.Fingerprint))

	_, err = m.Lookup(context.Background(), ref, linuxAmd64)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvictUnknownFingerprint(t *testing.T) {
	m := testManager(t, nil)
	require.ErrorIs(t, m.Evict(context.Background(), "0000"), ErrNotFound)
}

func TestFingerprintDistinguishesPlatform(t *testing.T) {
	ref, err := oci.ParseReference("busybox:1.36", false)
	require.NoError(t, err)

	amd := Fingerprint(ref, oci.Platform{OS: "linux", Architecture: "amd64"})
	arm := Fingerprint(ref, oci.Platform{OS: "linux", Architecture: "arm64"})
	assert.NotEqual(t, amd, arm)
	assert.Len(t, amd, 64)
}
