// Command mkinitramfs builds the guest initramfs from the guest init
// binary, the OCI runtime and optional busybox helpers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pexec/pexec/lib/system"
)

func main() {
	var (
		initBin = flag.String("init", "", "guest init binary (required)")
		runtime = flag.String("runtime", "", "OCI runtime binary (required)")
		busybox = flag.String("busybox", "", "busybox binary (optional)")
		extra   = flag.String("extra", "", "directory of extra files (optional)")
		out     = flag.String("out", "initramfs.cpio.gz", "output path")
	)
	flag.Parse()

	if *initBin == "" || *runtime == "" {
		fmt.Fprintln(os.Stderr, "--init and --runtime are required")
		os.Exit(2)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
		os.Exit(1)
	}

	spec := system.InitramfsSpec{
		InitBin:    *initBin,
		RuntimeBin: *runtime,
		BusyboxBin: *busybox,
		ExtraDir:   *extra,
	}
	if err := system.BuildInitramfs(f, spec); err != nil {
		f.Close()
		os.Remove(*out)
		fmt.Fprintf(os.Stderr, "build initramfs: %v\n", err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}
