// Package websocket implements the server side of RFC 6455: the upgrade
// handshake, frame codec, and a connection whose sends are serialized
// through a single-writer queue.
package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/portico-web/portico/httpmsg"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// IsUpgrade reports whether the request headers ask for a WebSocket
// upgrade: a Connection header carrying the "upgrade" token and an
// Upgrade header naming "websocket", both case-insensitive.
func IsUpgrade(req *httpmsg.Request) bool {
	return req.Header.HasToken("Connection", "upgrade") &&
		req.Header.HasToken("Upgrade", "websocket")
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Handshake validates the upgrade request and writes the 101 response
// over w. The HTTP session ends here; the stream switches to frame mode.
func Handshake(w io.Writer, req *httpmsg.Request) error {
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return fmt.Errorf("%w: missing Sec-WebSocket-Key", httpmsg.ErrBadRequest)
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return fmt.Errorf("%w: unsupported websocket version %q", httpmsg.ErrBadRequest, v)
	}

	resp := &httpmsg.Response{
		Status:  httpmsg.StatusSwitchingProtocols,
		Version: httpmsg.Version{Major: 1, Minor: 1},
		Header:  make(httpmsg.Header),
	}
	resp.Header.Set("Upgrade", "websocket")
	resp.Header.Set("Connection", "Upgrade")
	// Assigned directly so the name keeps its RFC 6455 spelling on the
	// wire; Set would canonicalize it to "Sec-Websocket-Accept".
	resp.Header["Sec-WebSocket-Accept"] = []string{AcceptKey(key)}

	bw := bufio.NewWriter(w)
	if err := httpmsg.WriteResponse(bw, resp, false, nil); err != nil {
		return err
	}
	return bw.Flush()
}
