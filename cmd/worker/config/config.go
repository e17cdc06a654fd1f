package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	RuntimeDir     string
	MaxInputBytes  int64
	MaxOutputBytes uint32
	WallClockMax   time.Duration
	QueueTimeout   time.Duration
	MemoryBytes    int64
	SnapshotKeys   []string
	SnapshotDir    string
	AllowLatest    bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		RuntimeDir:     getEnv("RUNTIME_DIRECTORY", "/run/pexec"),
		MaxInputBytes:  int64(getEnvSize("PEXEC_MAX_INPUT_BYTES", 1*datasize.MB)),
		MaxOutputBytes: uint32(getEnvSize("PEXEC_MAX_OUTPUT_BYTES", 512*datasize.KB)),
		WallClockMax:   getEnvDurationMS("PEXEC_WALL_CLOCK_MS", 10_000),
		QueueTimeout:   getEnvDurationMS("PEXEC_QUEUE_TIMEOUT_MS", 5_000),
		MemoryBytes:    int64(getEnvSize("PEXEC_GUEST_MEMORY", 1*datasize.GB)),
		SnapshotKeys:   splitList(getEnv("PEXEC_SNAPSHOT_KEYS", "")),
		SnapshotDir:    getEnv("PEXEC_SNAPSHOT_DIR", "/var/lib/pexec/snapshots"),
		AllowLatest:    getEnv("PEXEC_ALLOW_LATEST", "") == "1",
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(raw)); err != nil {
		return defaultValue
	}
	return v
}

func getEnvDurationMS(key string, defaultMS int64) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defaultMS) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Duration(defaultMS) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
