package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pexec/pexec/lib/erofs"
	"github.com/pexec/pexec/lib/oci"
	"github.com/pexec/pexec/lib/wire"
)

// buildArtifact pulls the image and squashes it into a sealed EROFS file at
// dest: filesystem first, then zero padding, then the index blob and its
// trailer, ending on a 2-MiB boundary.
func (m *manager) buildArtifact(ctx context.Context, ref *oci.Reference, platform oci.Platform, dest string) (string, error) {
	spool, err := os.MkdirTemp(filepath.Join(m.cacheDir, "tmp"), "spool-*")
	if err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	defer os.RemoveAll(spool)

	if m.metrics != nil {
		m.metrics.PullsTotal.Add(ctx, 1)
	}
	pulled, err := m.puller.Pull(ctx, ref, platform, spool)
	if err != nil {
		return "", err
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()

	b, err := erofs.NewBuilder(f, erofs.Options{
		PathPrefix:  pulled.Prefix(),
		UIDOffset:   m.uidOffset,
		GIDOffset:   m.uidOffset,
		Compression: m.compression,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBuildFailed, err)
	}
	if err := oci.Squash(pulled, b); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBuildFailed, err)
	}
	fsSize, err := b.Finalize()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBuildFailed, err)
	}

	ix := &erofs.Index{Entries: []erofs.IndexEntry{pulled.IndexEntry()}}
	if _, err := erofs.WriteIndex(f, fsSize, ix, wire.PmemAlign); err != nil {
		return "", fmt.Errorf("%w: index: %s", ErrBuildFailed, err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	return pulled.Prefix(), nil
}
