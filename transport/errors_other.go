//go:build !unix

package transport

import "errors"

var errNotConnected = errors.New("socket is not connected")
