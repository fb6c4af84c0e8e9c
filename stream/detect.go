package stream

import (
	"fmt"
	"io"
	"net"
	"time"
)

// tlsRecordHandshake is the TLS record-layer content type of a handshake
// record; the first byte of every ClientHello.
const tlsRecordHandshake = 0x16

// detectPrefixLen is how many bytes the detector consumes before
// classifying the stream. Three bytes cover the TLS record type plus the
// protocol-version major/minor of a ClientHello, and every HTTP request
// line is longer.
const detectPrefixLen = 3

// Detect classifies a freshly accepted socket as TLS or plain by peeking
// its first bytes. The consumed prefix is returned so it can be replayed
// into the TLS engine or the HTTP parser; nothing is lost to the sniff.
func Detect(conn net.Conn, timeout time.Duration) (isTLS bool, prefix []byte, err error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	prefix = make([]byte, detectPrefixLen)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return false, nil, fmt.Errorf("reading detection prefix: %w", err)
	}
	return looksLikeClientHello(prefix), prefix, nil
}

// looksLikeClientHello applies the ClientHello heuristic: a handshake
// record whose protocol-version major byte is 3 (SSL 3.0 through TLS 1.3
// all use 0x03 on the record layer).
func looksLikeClientHello(prefix []byte) bool {
	return len(prefix) >= 2 && prefix[0] == tlsRecordHandshake && prefix[1] == 0x03
}
