//go:build !windows

package pty

import (
	"os"
	"syscall"
)

// terminateSignal is the graceful-shutdown signal sent before the forceful
// kill in Session.Kill (spec §4.4).
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
