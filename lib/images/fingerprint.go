package images

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pexec/pexec/lib/oci"
)

// Fingerprint is the content-addressed cache key for an artifact:
// sha256 over the normalized reference and the target platform.
func Fingerprint(ref *oci.Reference, platform oci.Platform) string {
	h := sha256.New()
	h.Write([]byte(ref.String()))
	h.Write([]byte{0})
	h.Write([]byte(platform.Architecture))
	h.Write([]byte{0})
	h.Write([]byte(platform.OS))
	return hex.EncodeToString(h.Sum(nil))
}
