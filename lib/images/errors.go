package images

import "errors"

var (
	ErrNotFound    = errors.New("image artifact not found")
	ErrBuildFailed = errors.New("image build failed")
	ErrLeased      = errors.New("image artifact has outstanding leases")
)
