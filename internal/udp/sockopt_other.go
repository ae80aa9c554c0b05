//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package udp

import "syscall"

// msgTrunc is zero where truncated reads are not reported.
const msgTrunc = 0

// setSocketOptions is a no-op where SO_REUSEPORT is unavailable.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	return nil
}
