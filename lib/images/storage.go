package images

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// artifactMetadata is the sidecar stored next to each artifact. Its file
// mtime doubles as the eviction clock.
type artifactMetadata struct {
	Reference string    `json:"reference"`
	Platform  string    `json:"platform"`
	Prefix    string    `json:"prefix"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactInfo is one cached artifact as reported by List, least recently
// used first.
type ArtifactInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Reference   string    `json:"reference"`
	Platform    string    `json:"platform"`
	Prefix      string    `json:"prefix"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`

	lastUsed time.Time
}

func artifactPath(cacheDir, fingerprint string) string {
	return filepath.Join(cacheDir, "imgs", fingerprint+".erofs")
}

func metadataPath(cacheDir, fingerprint string) string {
	return filepath.Join(cacheDir, "imgs", fingerprint+".json")
}

// writeMetadata writes the sidecar atomically using temp file + rename.
func writeMetadata(cacheDir, fingerprint string, meta *artifactMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tempPath := metadataPath(cacheDir, fingerprint) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := os.Rename(tempPath, metadataPath(cacheDir, fingerprint)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads the sidecar and validates the artifact file exists.
func readMetadata(cacheDir, fingerprint string) (*artifactMetadata, error) {
	data, err := os.ReadFile(metadataPath(cacheDir, fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta artifactMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	if _, err := os.Stat(artifactPath(cacheDir, fingerprint)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &meta, nil
}

// listArtifacts scans the cache, returning entries sorted least recently
// used first.
func listArtifacts(cacheDir string) ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(filepath.Join(cacheDir, "imgs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact directory: %w", err)
	}

	var infos []ArtifactInfo
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		fp := name[:len(name)-len(".json")]
		meta, err := readMetadata(cacheDir, fp)
		if err != nil {
			// half-written entry, skip
			continue
		}
		info := ArtifactInfo{
			Fingerprint: fp,
			Reference:   meta.Reference,
			Platform:    meta.Platform,
			Prefix:      meta.Prefix,
			SizeBytes:   meta.SizeBytes,
			CreatedAt:   meta.CreatedAt,
		}
		if fi, err := entry.Info(); err == nil {
			info.lastUsed = fi.ModTime()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].lastUsed.Before(infos[j].lastUsed)
	})
	return infos, nil
}

func removeArtifact(cacheDir, fingerprint string) error {
	if err := os.Remove(artifactPath(cacheDir, fingerprint)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	if err := os.Remove(metadataPath(cacheDir, fingerprint)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}
