package oci

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Reference is a validated and normalized OCI image reference. It is either
// a tagged reference (e.g. "docker.io/library/busybox:1.36") or a digest
// reference (e.g. "docker.io/library/busybox@sha256:abc...").
type Reference struct {
	raw        string
	repository string
	tag        string // empty if digest ref
	digest     string // empty if tag ref
}

// ParseReference validates and normalizes a user-provided image reference.
// Bare names are normalized the docker way ("busybox" becomes
// "docker.io/library/busybox"). References that resolve to the "latest" tag,
// including references with no tag at all, are rejected unless allowLatest
// is set: a mutable default tag defeats the content-addressed image cache.
func ParseReference(s string, allowLatest bool) (*Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReference, err)
	}

	ref := &Reference{
		repository: reference.Domain(named) + "/" + reference.Path(named),
	}

	if canonical, ok := named.(reference.Canonical); ok {
		ref.digest = canonical.Digest().String()
		ref.raw = canonical.String()
		return ref, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		ref.tag = t.Tag()
	}
	if ref.tag == "latest" && !allowLatest {
		return nil, ErrLatestForbidden
	}
	ref.raw = tagged.String()
	return ref, nil
}

// String returns the full normalized reference.
func (r *Reference) String() string {
	return r.raw
}

// Repository returns the repository path without tag or digest, e.g.
// "docker.io/library/busybox".
func (r *Reference) Repository() string {
	return r.repository
}

// Registry returns the registry host part of the reference.
func (r *Reference) Registry() string {
	host, _, _ := strings.Cut(r.repository, "/")
	return host
}

// Tag returns the tag, or "" for a digest reference.
func (r *Reference) Tag() string {
	return r.tag
}

// IsDigest reports whether the reference pins a digest.
func (r *Reference) IsDigest() bool {
	return r.digest != ""
}

// Digest returns the digest ("sha256:..."), or "" for a tagged reference.
func (r *Reference) Digest() string {
	return r.digest
}
