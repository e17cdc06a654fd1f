package oci

import "errors"

var (
	ErrInvalidReference = errors.New("invalid image reference")
	ErrLatestForbidden  = errors.New("latest tag is not allowed")
	ErrNotFound         = errors.New("manifest not found")
	ErrUnauthorized     = errors.New("registry refused authorization")
	ErrNoPlatform       = errors.New("index has no manifest for platform")
	ErrCorrupt          = errors.New("corrupt image blob")
	ErrTooLarge         = errors.New("image exceeds size budget")
)
