package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/stream"
)

// tunnelBufferSize bounds each pump's read so neither direction can
// monopolize a worker.
const tunnelBufferSize = 32 * 1024

// handleConnect serves a CONNECT request: dial the target named by the
// request-target, confirm with 200 Connection Established, then relay
// raw bytes in both directions until both pumps drain. The HTTP session
// ends here.
func (s *Server) handleConnect(ctx context.Context, st stream.Stream, br *bufio.Reader, req *httpmsg.Request) {
	target := req.Target
	if _, _, err := net.SplitHostPort(target); err != nil {
		s.logger.Debug("connect target malformed", "target", target, "error", err)
		s.writeBareError(st, httpmsg.StatusBadRequest)
		return
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.logger.Debug("connect dial failed", "target", target, "error", err)
		s.writeBareError(st, httpmsg.StatusBadGateway)
		return
	}

	resp := &httpmsg.Response{
		Status:    httpmsg.StatusOK,
		Reason:    "Connection Established",
		Version:   req.Version,
		Header:    make(httpmsg.Header),
		KeepAlive: true,
	}
	resp.Header.Set("Server", s.serverName)
	resp.Header.Set("Date", httpmsg.FormatHTTPDate(time.Now()))

	bw := bufio.NewWriter(st)
	if err := httpmsg.WriteResponse(bw, resp, false, nil); err != nil || bw.Flush() != nil {
		upstream.Close()
		return
	}

	s.metrics.TunnelsTotal.Inc()
	s.logger.Debug("tunnel established", "target", target, "remote", st.RemoteAddr())

	up := stream.NewTCPStream(upstream, nil)
	s.relay(st, br, up)
	s.logger.Debug("tunnel closed", "target", target)
}

// relay runs the two byte pumps. Client reads come through br so bytes
// the header parser buffered past the CONNECT request are not lost. When
// either pump exits, the peer direction is half-closed so the other pump
// drains, then both streams close.
func (s *Server) relay(client stream.Stream, clientReader io.Reader, upstream stream.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pump(upstream, clientReader)
		_ = upstream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		pump(client, upstream)
		_ = client.CloseWrite()
	}()

	wg.Wait()
	upstream.Close()
	client.Close()
}

// pump copies src to dst until EOF or error.
func pump(dst io.Writer, src io.Reader) {
	_, _ = io.CopyBuffer(dst, src, make([]byte, tunnelBufferSize))
}
