package vmm

import "errors"

var (
	ErrAPINotReady = errors.New("vmm api socket never came up")
	ErrExited      = errors.New("vmm process exited")
	ErrOvertime    = errors.New("vmm exceeded its outer deadline")
)
