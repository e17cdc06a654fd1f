package system

import "errors"

var (
	// ErrUnsupportedVersion is returned when a version is not supported
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrDownloadFailed is returned when downloading system files fails
	ErrDownloadFailed = errors.New("download failed")
)
