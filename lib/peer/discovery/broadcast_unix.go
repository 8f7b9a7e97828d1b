//go:build !windows

package discovery

import (
	"net"
	"syscall"
)

// enableBroadcast sets SO_BROADCAST on the beacon socket so sends to a
// directed or limited broadcast address are permitted.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
