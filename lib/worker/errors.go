package worker

import "errors"

var (
	ErrTooBusy      = errors.New("no slot freed up within the queue timeout")
	ErrInputTooBig  = errors.New("input does not fit the slot I/O file")
	ErrBadCPUSet    = errors.New("invalid worker cpuset")
	ErrCPUNotOnline = errors.New("cpu not in the process affinity mask")
)
