package guestinit

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	"golang.org/x/sys/unix"

	"github.com/pexec/pexec/lib/wire"
)

// RunResult is what the runtime child came back with.
type RunResult struct {
	Overtime bool
	Siginfo  wire.Siginfo
	Rusage   wire.Rusage
}

// runtimeTailSize bounds how much runtime stderr is retained for error
// reports.
const runtimeTailSize = 64 << 10

// RunContainer spawns the OCI runtime on the bundle and enforces the
// wall-clock budget. On deadline expiry the whole process group is
// SIGKILLed and the result is marked overtime.
func RunContainer(header *wire.RunHeader) (*RunResult, error) {
	stdout, err := os.OpenFile(filepath.Join(OutputDir, "stdout"), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(OutputDir, "stderr"), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create stderr: %w", err)
	}
	defer stderr.Close()

	stdin, err := openStdin(header)
	if err != nil {
		return nil, err
	}
	defer stdin.Close()

	// the runtime's own diagnostics land in the stderr file with the
	// workload's; the tail is kept separately for error reports
	tail, _ := circbuf.NewBuffer(runtimeTailSize)

	cmd := exec.Command(RuntimeBin, "run", "--bundle", BundleDir, ContainerID)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(stderr, tail)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn runtime: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	result := &RunResult{}
	timer := time.NewTimer(header.WallClock())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		result.Overtime = true
		log.Printf("wall clock exceeded, killing process group %d", cmd.Process.Pid)
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-done
	}

	state := cmd.ProcessState
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return nil, fmt.Errorf("unexpected wait status type %T: %s", state.Sys(), tail.String())
	}
	switch {
	case ws.Exited():
		result.Siginfo = wire.Siginfo{Code: wire.CldExited, Status: int32(ws.ExitStatus())}
	case ws.Signaled():
		code := int32(wire.CldKilled)
		if ws.CoreDump() {
			code = wire.CldDumped
		}
		result.Siginfo = wire.Siginfo{Code: code, Status: int32(ws.Signal())}
	}

	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		result.Rusage = wire.Rusage{
			UtimeUS: ru.Utime.Sec*1_000_000 + int64(ru.Utime.Usec),
			StimeUS: ru.Stime.Sec*1_000_000 + int64(ru.Stime.Usec),
			MaxRSS:  ru.Maxrss,
			Minflt:  ru.Minflt,
			Majflt:  ru.Majflt,
			Inblock: ru.Inblock,
			Oublock: ru.Oublock,
			Nvcsw:   ru.Nvcsw,
			Nivcsw:  ru.Nivcsw,
		}
	}
	return result, nil
}

// openStdin wires the selected input file, or /dev/null.
func openStdin(header *wire.RunHeader) (*os.File, error) {
	if header.Stdin == "" {
		return os.Open(os.DevNull)
	}
	path := filepath.Join(BundleRootfs, ContainerInputDir, header.Stdin)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stdin %s: %w", header.Stdin, err)
	}
	return f, nil
}
