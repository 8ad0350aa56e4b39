//go:build unix

package main

import (
	"os"
	"syscall"
)

// toggleSignals start or stop a recording.
var toggleSignals = []os.Signal{syscall.SIGUSR1}
