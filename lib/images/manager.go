// Package images is the process-local artifact cache: it maps a
// (reference, platform) fingerprint to a sealed EROFS image on disk,
// building at most one artifact per key at a time.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pexec/pexec/lib/erofs"
	"github.com/pexec/pexec/lib/oci"
	pexecotel "github.com/pexec/pexec/lib/otel"
)

const (
	buildAttempts    = 3
	buildBackoffBase = 500 * time.Millisecond
)

// ImageRef points a caller at a sealed artifact.
type ImageRef struct {
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	Prefix      string `json:"prefix"`
}

// Manager handles artifact lifecycle operations.
type Manager interface {
	// Lookup peeks the cache without building.
	Lookup(ctx context.Context, ref *oci.Reference, platform oci.Platform) (*ImageRef, error)
	// Materialize returns the cached artifact or builds it. Concurrent
	// calls for the same fingerprint share a single build.
	Materialize(ctx context.Context, ref *oci.Reference, platform oci.Platform) (*ImageRef, error)
	// Evict removes an artifact. It fails with ErrLeased while any run
	// still pins the file.
	Evict(ctx context.Context, fingerprint string) error
	// Acquire pins an artifact against eviction for the duration of a run.
	Acquire(fingerprint string)
	// Release drops a pin taken with Acquire.
	Release(fingerprint string)
	// List returns metadata for every cached artifact.
	List(ctx context.Context) ([]ArtifactInfo, error)
}

// buildFunc produces an artifact at dest and returns its rootfs prefix.
// Swapped out by tests.
type buildFunc func(ctx context.Context, ref *oci.Reference, platform oci.Platform, dest string) (string, error)

type manager struct {
	cacheDir    string
	quotaBytes  int64
	puller      *oci.Puller
	compression Compression
	uidOffset   uint32
	metrics     *pexecotel.ImageMetrics

	sf     singleflight.Group
	leases *leaseTable

	build buildFunc
}

// Options configure a Manager.
type Options struct {
	// CacheDir is the artifact directory. Required.
	CacheDir string
	// QuotaBytes bounds the artifact bytes on disk; 0 means unlimited.
	QuotaBytes int64
	// Puller fetches and verifies image content. Required.
	Puller *oci.Puller
	// Compression selects the EROFS data-block encoding.
	Compression Compression
	// UIDOffset shifts all artifact uids/gids so the guest contents are
	// owned by an unprivileged outer user.
	UIDOffset uint32
	// Metrics is optional.
	Metrics *pexecotel.ImageMetrics
}

// Compression mirrors the EROFS writer's choice.
type Compression = erofs.Compression

// NewManager creates an artifact cache rooted at opts.CacheDir.
func NewManager(opts Options) (Manager, error) {
	for _, sub := range []string{"imgs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(opts.CacheDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	m := &manager{
		cacheDir:    opts.CacheDir,
		quotaBytes:  opts.QuotaBytes,
		puller:      opts.Puller,
		compression: opts.Compression,
		uidOffset:   opts.UIDOffset,
		metrics:     opts.Metrics,
		leases:      newLeaseTable(),
	}
	m.build = m.buildArtifact
	return m, nil
}

func (m *manager) Lookup(ctx context.Context, ref *oci.Reference, platform oci.Platform) (*ImageRef, error) {
	fp := Fingerprint(ref, platform)
	meta, err := readMetadata(m.cacheDir, fp)
	if err != nil {
		return nil, err
	}
	m.touch(fp)
	if m.metrics != nil {
		m.metrics.CacheHits.Add(ctx, 1)
	}
	return &ImageRef{Fingerprint: fp, Path: artifactPath(m.cacheDir, fp), Prefix: meta.Prefix}, nil
}

func (m *manager) Materialize(ctx context.Context, ref *oci.Reference, platform oci.Platform) (*ImageRef, error) {
	if out, err := m.Lookup(ctx, ref, platform); err == nil {
		return out, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fp := Fingerprint(ref, platform)
	ch := m.sf.DoChan(fp, func() (any, error) {
		// the build that lost the race may have finished while we queued
		if meta, err := readMetadata(m.cacheDir, fp); err == nil {
			return &ImageRef{Fingerprint: fp, Path: artifactPath(m.cacheDir, fp), Prefix: meta.Prefix}, nil
		}
		return m.buildWithRetry(ref, platform, fp)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ImageRef), nil
	case <-ctx.Done():
		// the build keeps running for the other waiters
		return nil, ctx.Err()
	}
}

// buildWithRetry runs the artifact build with bounded exponential backoff
// for transient registry and network failures. Permanent failures and a
// failed final attempt are returned uncached; the next request retries.
func (m *manager) buildWithRetry(ref *oci.Reference, platform oci.Platform, fp string) (*ImageRef, error) {
	ctx := context.Background()
	start := time.Now()
	var err error
	for attempt := 0; attempt < buildAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(buildBackoffBase << (attempt - 1))
		}
		var out *ImageRef
		out, err = m.buildOnce(ctx, ref, platform, fp)
		if err == nil {
			if m.metrics != nil {
				m.metrics.BuildsTotal.Add(ctx, 1)
				m.metrics.BuildDuration.Record(ctx, time.Since(start).Seconds())
			}
			return out, nil
		}
		if !transientBuildError(err) {
			break
		}
		slog.Warn("image build failed, retrying", "ref", ref.String(), "attempt", attempt+1, "error", err)
	}
	return nil, err
}

func (m *manager) buildOnce(ctx context.Context, ref *oci.Reference, platform oci.Platform, fp string) (*ImageRef, error) {
	partial := filepath.Join(m.cacheDir, "tmp", fp+".partial")
	defer os.Remove(partial)

	prefix, err := m.build(ctx, ref, platform, partial)
	if err != nil {
		return nil, err
	}

	final := artifactPath(m.cacheDir, fp)
	if err := os.Rename(partial, final); err != nil {
		return nil, fmt.Errorf("seal artifact: %w", err)
	}

	st, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	meta := &artifactMetadata{
		Reference: ref.String(),
		Platform:  platform.String(),
		Prefix:    prefix,
		SizeBytes: st.Size(),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeMetadata(m.cacheDir, fp, meta); err != nil {
		os.Remove(final)
		return nil, err
	}

	m.enforceQuota()
	return &ImageRef{Fingerprint: fp, Path: final, Prefix: prefix}, nil
}

// transientBuildError reports whether a retry can help.
func transientBuildError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, oci.ErrNotFound),
		errors.Is(err, oci.ErrUnauthorized),
		errors.Is(err, oci.ErrNoPlatform),
		errors.Is(err, oci.ErrInvalidReference),
		errors.Is(err, oci.ErrLatestForbidden),
		errors.Is(err, oci.ErrTooLarge),
		errors.Is(err, oci.ErrCorrupt),
		errors.Is(err, ErrBuildFailed):
		return false
	}
	return true
}

func (m *manager) Evict(ctx context.Context, fingerprint string) error {
	if m.leases.count(fingerprint) > 0 {
		return ErrLeased
	}
	if _, err := readMetadata(m.cacheDir, fingerprint); err != nil {
		return err
	}
	return removeArtifact(m.cacheDir, fingerprint)
}

func (m *manager) Acquire(fingerprint string) {
	m.leases.acquire(fingerprint)
}

func (m *manager) Release(fingerprint string) {
	m.leases.release(fingerprint)
}

func (m *manager) List(ctx context.Context) ([]ArtifactInfo, error) {
	return listArtifacts(m.cacheDir)
}

// touch bumps the artifact's eviction clock.
func (m *manager) touch(fp string) {
	now := time.Now()
	_ = os.Chtimes(metadataPath(m.cacheDir, fp), now, now)
}

// enforceQuota drops least-recently-used unleased artifacts until the cache
// fits the configured byte quota.
func (m *manager) enforceQuota() {
	if m.quotaBytes <= 0 {
		return
	}
	infos, err := listArtifacts(m.cacheDir)
	if err != nil {
		return
	}
	var total int64
	for _, info := range infos {
		total += info.SizeBytes
	}
	// infos are sorted oldest-first
	for _, info := range infos {
		if total <= m.quotaBytes {
			return
		}
		if m.leases.count(info.Fingerprint) > 0 {
			continue
		}
		if err := removeArtifact(m.cacheDir, info.Fingerprint); err != nil {
			slog.Warn("evict artifact", "fingerprint", info.Fingerprint, "error", err)
			continue
		}
		slog.Info("evicted artifact for quota", "fingerprint", info.Fingerprint, "size", info.SizeBytes)
		total -= info.SizeBytes
	}
}
