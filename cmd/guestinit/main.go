// Command guestinit is PID 1 inside the microVM.
package main

import "github.com/pexec/pexec/lib/guestinit"

func main() {
	guestinit.Main()
}
