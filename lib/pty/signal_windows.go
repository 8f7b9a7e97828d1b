//go:build windows

package pty

import "os"

// terminateSignal on Windows: os.Process.Signal only supports os.Kill.
func terminateSignal() os.Signal {
	return os.Kill
}
