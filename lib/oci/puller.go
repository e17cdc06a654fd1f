// Package oci resolves image references against the OCI distribution API,
// fetches and verifies blobs, and squashes layer stacks into the EROFS
// writer.
package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/pexec/pexec/lib/erofs"
)

const (
	// DefaultMaxCompressedBytes bounds the sum of compressed layer sizes.
	DefaultMaxCompressedBytes = 2 << 30
	// DefaultMaxUncompressedBytes bounds the flattened tree.
	DefaultMaxUncompressedBytes = 3 << 30

	// PrefixLen is the length of the short manifest-digest hex used as the
	// rootfs directory name inside an artifact.
	PrefixLen = 16
)

// Platform selects a manifest out of an image index.
type Platform struct {
	OS           string
	Architecture string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Architecture
}

// Puller fetches manifests, configs and layer blobs. Blobs are spooled to a
// local directory so the squasher can scan them twice without refetching.
type Puller struct {
	keychain             authn.Keychain
	maxCompressedBytes   int64
	maxUncompressedBytes int64
	fetches              atomic.Int64
}

// PullerOptions tune a Puller. Zero values mean the defaults.
type PullerOptions struct {
	Keychain             authn.Keychain
	MaxCompressedBytes   int64
	MaxUncompressedBytes int64
}

// NewPuller builds a Puller.
func NewPuller(opts PullerOptions) *Puller {
	p := &Puller{
		keychain:             opts.Keychain,
		maxCompressedBytes:   opts.MaxCompressedBytes,
		maxUncompressedBytes: opts.MaxUncompressedBytes,
	}
	if p.keychain == nil {
		p.keychain = AnonymousKeychain()
	}
	if p.maxCompressedBytes == 0 {
		p.maxCompressedBytes = DefaultMaxCompressedBytes
	}
	if p.maxUncompressedBytes == 0 {
		p.maxUncompressedBytes = DefaultMaxUncompressedBytes
	}
	return p
}

// Fetches returns the number of Pull calls that have gone to the registry so
// far; it counts one per Pull, not one per HTTP round trip.
func (p *Puller) Fetches() int64 {
	return p.fetches.Load()
}

// LayerBlob is one compressed layer spooled to disk, digest-verified.
type LayerBlob struct {
	Path      string
	MediaType string
	Size      int64
}

// Pulled is a resolved single-platform image with its layers on local disk.
type Pulled struct {
	Reference  *Reference
	Descriptor ocispec.Descriptor
	Manifest   ocispec.Manifest
	Config     ocispec.Image
	RawConfig  []byte
	Layers     []LayerBlob

	maxUncompressedBytes int64
}

// Prefix returns the short manifest-digest directory name the rootfs lives
// under inside a multi-image artifact.
func (p *Pulled) Prefix() string {
	return p.Descriptor.Digest.Encoded()[:PrefixLen]
}

// IndexEntry summarizes the pulled image for the artifact's trailing index
// blob.
func (p *Pulled) IndexEntry() erofs.IndexEntry {
	return erofs.IndexEntry{
		Prefix:     p.Prefix(),
		Descriptor: p.Descriptor,
		Manifest:   p.Manifest,
		Config:     p.Config,
	}
}

// Pull performs content negotiation for ref, narrows an index by platform,
// and spools all layer blobs under spoolDir. Every blob is verified against
// its declared digest as it is read; a mismatch fails the pull.
func (p *Puller) Pull(ctx context.Context, ref *Reference, platform Platform, spoolDir string) (*Pulled, error) {
	nameRef, err := name.ParseReference(ref.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(p.keychain),
		remote.WithPlatform(ggcrv1.Platform{OS: platform.OS, Architecture: platform.Architecture}),
	}

	p.fetches.Add(1)
	desc, err := remote.Get(nameRef, opts...)
	if err != nil {
		return nil, mapRegistryError(err)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, mapRegistryError(err)
	}

	rawManifest, err := img.RawManifest()
	if err != nil {
		return nil, mapRegistryError(err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %s", ErrCorrupt, err)
	}

	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return nil, mapRegistryError(err)
	}
	var config ocispec.Image
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("%w: config: %s", ErrCorrupt, err)
	}

	sum := sha256.Sum256(rawManifest)
	manifestDigest := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))

	pulled := &Pulled{
		Reference: ref,
		Descriptor: ocispec.Descriptor{
			MediaType: string(desc.MediaType),
			Digest:    manifestDigest,
			Size:      int64(len(rawManifest)),
			Platform:  &ocispec.Platform{OS: platform.OS, Architecture: platform.Architecture},
		},
		Manifest:             manifest,
		Config:               config,
		RawConfig:            rawConfig,
		maxUncompressedBytes: p.maxUncompressedBytes,
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, mapRegistryError(err)
	}
	var compressedTotal int64
	for i, layer := range layers {
		blob, err := p.spoolLayer(layer, spoolDir, i)
		if err != nil {
			return nil, err
		}
		compressedTotal += blob.Size
		if compressedTotal > p.maxCompressedBytes {
			return nil, fmt.Errorf("%w: %d compressed bytes", ErrTooLarge, compressedTotal)
		}
		pulled.Layers = append(pulled.Layers, blob)
	}
	return pulled, nil
}

// spoolLayer copies one compressed layer blob to disk. go-containerregistry
// wraps remote blob readers in digest verification, so a short or corrupted
// body surfaces as a read error here.
func (p *Puller) spoolLayer(layer ggcrv1.Layer, spoolDir string, i int) (LayerBlob, error) {
	mt, err := layer.MediaType()
	if err != nil {
		return LayerBlob{}, mapRegistryError(err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return LayerBlob{}, mapRegistryError(err)
	}
	defer rc.Close()

	path := filepath.Join(spoolDir, fmt.Sprintf("layer-%d", i))
	f, err := os.Create(path)
	if err != nil {
		return LayerBlob{}, fmt.Errorf("spool layer: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(rc, p.maxCompressedBytes+1))
	if err != nil {
		os.Remove(path)
		return LayerBlob{}, fmt.Errorf("%w: layer %d: %s", ErrCorrupt, i, err)
	}
	if n > p.maxCompressedBytes {
		os.Remove(path)
		return LayerBlob{}, fmt.Errorf("%w: layer %d", ErrTooLarge, i)
	}
	return LayerBlob{Path: path, MediaType: string(mt), Size: n}, nil
}

// mapRegistryError folds go-containerregistry transport errors onto the
// package sentinels so callers can map them to API status codes.
func mapRegistryError(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, terr)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, terr)
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	return err
}
