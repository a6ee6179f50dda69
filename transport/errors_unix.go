//go:build unix

package transport

import "golang.org/x/sys/unix"

// errNotConnected is returned when shutting down half of a socket the peer
// has already reset.
var errNotConnected error = unix.ENOTCONN
