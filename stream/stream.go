// Package stream abstracts the byte streams a session runs over: a plain
// TCP connection or a TLS-wrapped one chosen by sniffing the first bytes
// of a freshly accepted socket.
package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Error kinds for the stream layer.
var (
	// ErrTimeout marks a read or write that failed because the stream
	// deadline elapsed. Treated as a transport failure.
	ErrTimeout = errors.New("stream: deadline elapsed")

	// ErrTLSHandshake marks a failed server-side TLS handshake.
	ErrTLSHandshake = errors.New("stream: tls handshake failed")
)

// Stream is a bidirectional byte stream with replaceable deadlines and
// half-close. Deadlines are idempotent: ExpiresAfter replaces any prior
// deadline and ExpiresNever clears it. A deadline firing while an
// operation is pending completes that operation with an error for which
// IsTimeout reports true.
type Stream interface {
	io.Reader
	io.Writer

	ExpiresAfter(d time.Duration)
	ExpiresNever()

	// CloseWrite shuts down the send direction, signaling EOF to the
	// peer while reads continue to drain.
	CloseWrite() error
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// IsTimeout classifies an error as a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
