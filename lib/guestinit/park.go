package guestinit

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// resumePort matches the host's snapshot handshake port.
const resumePort = 1

// SnapshotRequested reports whether the kernel command line asks this boot
// to park for a snapshot.
func SnapshotRequested(cmdline string) bool {
	for _, f := range strings.Fields(cmdline) {
		if f == "pexec.snapshot=1" {
			return true
		}
	}
	return false
}

// Park marks the snapshot resume point. The sequence with the host:
//
//  1. listen on the resume vsock port
//  2. dial out to the host to say the park point is reached
//  3. block in accept — the host pauses and snapshots us here
//  4. (much later, after a restore) the host connects and sends one byte;
//     we proceed to read the freshly staged request
//
// Nothing request-specific may be observed before step 4.
func Park() error {
	ln, err := listenWithRetry()
	if err != nil {
		return err
	}
	defer ln.Close()

	conn, err := vsock.Dial(vsock.Host, resumePort, nil)
	if err != nil {
		return fmt.Errorf("dial host ready port: %w", err)
	}
	if _, err := conn.Write([]byte{1}); err != nil {
		conn.Close()
		return fmt.Errorf("send ready byte: %w", err)
	}
	conn.Close()

	log.Printf("parked for snapshot")
	resume, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept resume: %w", err)
	}
	defer resume.Close()
	buf := make([]byte, 1)
	if _, err := resume.Read(buf); err != nil {
		return fmt.Errorf("read resume byte: %w", err)
	}
	log.Printf("resumed from snapshot")
	return nil
}

// listenWithRetry tolerates the vsock driver registering slightly after
// boot.
func listenWithRetry() (*vsock.Listener, error) {
	var (
		ln  *vsock.Listener
		err error
	)
	for i := 0; i < 10; i++ {
		ln, err = vsock.Listen(resumePort, nil)
		if err == nil {
			return ln, nil
		}
		log.Printf("vsock listen attempt %d/10 failed: %v (retrying in 1s)", i+1, err)
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("listen on vsock port %d: %w", resumePort, err)
}
