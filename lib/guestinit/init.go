package guestinit

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pexec/pexec/lib/wire"
)

const pmemWaitBudget = 10 * time.Second

// Main is the whole PID 1. It never returns: every path, including a Go
// panic, ends in PowerOff, because an exiting PID 1 panics the kernel.
func Main() {
	log.SetFlags(0)
	log.SetPrefix("[init] ")

	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic: %v", r)
			resp := wire.GuestPanic(fmt.Sprintf("init panicked: %v", r))
			_ = WriteResponse(&resp)
		}
		PowerOff()
	}()

	if err := run(); err != nil {
		log.Printf("run failed: %v", err)
		resp := wire.GuestPanic(err.Error())
		if werr := WriteResponse(&resp); werr != nil {
			log.Printf("write panic response: %v", werr)
		}
	}
}

func run() error {
	if err := SetupMounts(); err != nil {
		return err
	}
	if err := WaitForPmem([]string{ImageDevice, IODevice}, pmemWaitBudget); err != nil {
		return err
	}

	cmdline, _ := os.ReadFile("/proc/cmdline")
	if SnapshotRequested(string(cmdline)) {
		if err := Park(); err != nil {
			return err
		}
	}

	header, archive, iofile, err := ReadRequest()
	if err != nil {
		return err
	}
	defer iofile.Close()

	if err := MountOutputTmpfs(header.MaxOutputBytes); err != nil {
		return err
	}
	if err := MountRootfs(header.RootfsPrefix); err != nil {
		return err
	}
	if err := UnpackInput(archive); err != nil {
		return err
	}

	spec, err := BuildSpec(header)
	if err != nil {
		return err
	}
	if err := WriteBundle(spec); err != nil {
		return err
	}

	result, err := RunContainer(header)
	if err != nil {
		return err
	}

	resp := wire.Response{
		Kind:    wire.ResponseOk,
		Siginfo: &result.Siginfo,
		Rusage:  &result.Rusage,
	}
	if result.Overtime {
		resp.Kind = wire.ResponseOvertime
	}
	return WriteResponse(&resp)
}
