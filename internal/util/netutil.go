package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrAddrInUse is wrapped by Listen when the address is already bound.
var ErrAddrInUse = errors.New("address already in use")

// Listen opens a TCP listener on address. Only tcp, tcp4 and tcp6 are
// accepted. A bind conflict is reported as ErrAddrInUse so callers can print
// a useful hint instead of the raw syscall error.
func Listen(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("%s: %w", address, ErrAddrInUse)
		}
		return nil, err
	}
	return ln, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAddrInUse) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	// Some platforms only surface the condition in the message.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
