package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/stream"
	"github.com/portico-web/portico/websocket"
)

// timedReader refreshes the stream deadline around every read. The
// session zeroes the timeout before handing the stream to a WebSocket
// connection or tunnel, whose reads block indefinitely.
type timedReader struct {
	st      stream.Stream
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	if t.timeout > 0 {
		t.st.ExpiresAfter(t.timeout)
		defer t.st.ExpiresNever()
	}
	return t.st.Read(p)
}

// handleConn runs one connection to completion: protocol detection, then
// the keep-alive request loop, handing off to the WebSocket or tunnel
// paths when the first request asks for them. Every error is contained
// here; nothing propagates to the accept loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	s.logger.Debug("connection accepted", "remote", remote)
	defer s.logger.Debug("connection closed", "remote", remote)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panicked", "remote", remote, "panic", r)
			conn.Close()
		}
	}()

	st, err := s.detectStream(conn)
	if err != nil {
		conn.Close()
		return
	}
	defer st.Close()

	tr := &timedReader{st: st, timeout: s.timeout}
	br := bufio.NewReader(tr)
	parser := httpmsg.NewRequestParser(br, s.maxHeaderBytes, s.maxBodyBytes)

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := parser.ReadHeader()
		if err != nil {
			s.respondParseError(st, err, remote)
			return
		}

		if websocket.IsUpgrade(req) {
			s.handleWebSocket(ctx, st, tr, br, req)
			return
		}
		if req.Method == httpmsg.MethodConnect {
			// Tunnel reads block until either side sends; no idle
			// deadline applies.
			tr.timeout = 0
			s.handleConnect(ctx, st, br, req)
			return
		}

		if !s.serveRequest(ctx, st, parser, req) {
			return
		}
	}
}

// detectStream classifies the fresh socket. Without TLS materials the
// plain stream is used as-is; otherwise the first bytes decide, and the
// sniffed prefix is replayed into whichever side wins.
func (s *Server) detectStream(conn net.Conn) (stream.Stream, error) {
	if s.tlsConfig == nil {
		return stream.NewTCPStream(conn, nil), nil
	}

	isTLS, prefix, err := stream.Detect(conn, s.timeout)
	if err != nil {
		s.logger.Debug("protocol detection failed", "remote", conn.RemoteAddr(), "error", err)
		return nil, err
	}
	if !isTLS {
		return stream.NewTCPStream(conn, prefix), nil
	}

	tlsStream := stream.NewTLSStream(conn, prefix, s.tlsConfig)
	tlsStream.ExpiresAfter(s.timeout)
	err = tlsStream.Handshake()
	tlsStream.ExpiresNever()
	if err != nil {
		s.metrics.TLSHandshakeFails.Inc()
		s.logger.Error("tls handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return nil, err
	}
	return tlsStream, nil
}

// serveRequest handles one routed HTTP exchange. Returns false when the
// session must end.
func (s *Server) serveRequest(ctx context.Context, st stream.Stream, parser *httpmsg.RequestParser, req *httpmsg.Request) bool {
	resp := httpmsg.NewResponse(req, s.serverName)

	if err := req.ParseTarget(); err != nil {
		s.router.RespondError(resp, httpmsg.StatusBadRequest)
		resp.KeepAlive = false
		s.writeResponse(st, req, resp)
		return false
	}

	req.LocalEndpoint = st.LocalAddr()
	req.RemoteEndpoint = st.RemoteAddr()

	if s.router.HasHandler(req.Method, req.Path) {
		if req.Method.HasBody() {
			if !s.readBody(st, parser, req, resp) {
				return false
			}
		}

		start := time.Now()
		_ = s.router.Dispatch(ctx, req, resp)
		elapsed := time.Since(start)

		s.logger.Info("request",
			"method", req.Method.String(),
			"target", req.Target,
			"remote", req.RemoteEndpoint.String(),
			"local", req.LocalEndpoint.String(),
			"status", resp.Status,
			"duration_ms", elapsed.Milliseconds(),
		)
		s.metrics.RequestDuration.WithLabelValues(req.Method.String()).Observe(elapsed.Seconds())
	} else {
		// Nothing will claim this request; the body is never read. If
		// the client sent one, the unread bytes would corrupt the next
		// request's framing, so the connection cannot be kept alive.
		s.router.RespondError(resp, httpmsg.StatusNotFound)
		if length, ok := req.ContentLength(); (ok && length > 0) || req.IsChunked() {
			resp.KeepAlive = false
		}
	}

	s.negotiateCompression(req, resp)

	if !s.writeResponse(st, req, resp) {
		return false
	}

	if !resp.KeepAlive || !req.KeepAlive {
		_ = st.CloseWrite()
		return false
	}
	return true
}

// readBody consumes the request body, emitting 100 Continue first when
// the client asked for it. Returns false when the session must end.
func (s *Server) readBody(st stream.Stream, parser *httpmsg.RequestParser, req *httpmsg.Request, resp *httpmsg.Response) bool {
	if req.WantsContinue() {
		if err := httpmsg.WriteInterim(st, httpmsg.StatusContinue); err != nil {
			return false
		}
	}
	if err := parser.ReadBody(req); err != nil {
		if errors.Is(err, httpmsg.ErrBadRequest) {
			s.router.RespondError(resp, httpmsg.StatusBadRequest)
			resp.KeepAlive = false
			s.writeResponse(st, req, resp)
		} else {
			s.logger.Debug("reading request body failed", "remote", req.RemoteEndpoint, "error", err)
		}
		return false
	}
	return true
}

// negotiateCompression picks the first client-accepted encoding the
// server supports and marks the response for chunked compressed output.
// Range responses keep their exact framing and are never compressed.
func (s *Server) negotiateCompression(req *httpmsg.Request, resp *httpmsg.Response) {
	if s.compressors == nil || resp.Body.IsEmpty() || resp.Header.Has("Content-Encoding") {
		return
	}
	// Range responses keep exact framing; HEAD responses carry no body
	// to compress.
	if resp.Status == httpmsg.StatusPartialContent || req.Method == httpmsg.MethodHead {
		return
	}
	if enc := s.compressors.Negotiate(req.Header.Get("Accept-Encoding")); enc != "" {
		resp.Header.Set("Content-Encoding", enc)
	}
}

// writeResponse serializes resp. Returns false on a transport failure.
func (s *Server) writeResponse(st stream.Stream, req *httpmsg.Request, resp *httpmsg.Response) bool {
	bw := bufio.NewWriter(st)
	err := httpmsg.WriteResponse(bw, resp, req.Method == httpmsg.MethodHead, s.compressors)
	if err == nil {
		err = bw.Flush()
	}
	s.metrics.RequestsTotal.WithLabelValues(req.Method.String(), strconv.Itoa(resp.Status)).Inc()
	if err != nil {
		s.logger.Debug("writing response failed", "remote", req.RemoteEndpoint, "error", err)
		return false
	}
	return true
}

// respondParseError maps a header-phase failure to its wire response.
// Clean EOF between keep-alive requests is silent.
func (s *Server) respondParseError(st stream.Stream, err error, remote net.Addr) {
	switch {
	case errors.Is(err, io.EOF):
		return
	case errors.Is(err, httpmsg.ErrHeaderTooLarge):
		s.writeBareError(st, httpmsg.StatusHeaderFieldsTooBig)
	case errors.Is(err, httpmsg.ErrBadRequest):
		s.writeBareError(st, httpmsg.StatusBadRequest)
	default:
		// Timeout or transport failure mid-header.
		s.logger.Debug("reading request header failed", "remote", remote, "error", err)
	}
}

// writeBareError emits a standalone error response outside any request
// context, always closing the connection.
func (s *Server) writeBareError(st stream.Stream, status int) {
	resp := &httpmsg.Response{
		Status:  status,
		Version: httpmsg.Version{Major: 1, Minor: 1},
		Header:  make(httpmsg.Header),
	}
	resp.Header.Set("Server", s.serverName)
	resp.Header.Set("Date", httpmsg.FormatHTTPDate(time.Now()))
	s.router.RespondError(resp, status)
	resp.KeepAlive = false

	bw := bufio.NewWriter(st)
	if err := httpmsg.WriteResponse(bw, resp, false, nil); err == nil {
		_ = bw.Flush()
	}
}

// handleWebSocket completes the upgrade and hands the stream to the
// WebSocket run loop. The HTTP session ends here.
func (s *Server) handleWebSocket(ctx context.Context, st stream.Stream, tr *timedReader, br *bufio.Reader, req *httpmsg.Request) {
	if err := websocket.Handshake(st, req); err != nil {
		s.logger.Error("websocket handshake failed", "remote", st.RemoteAddr(), "error", err)
		s.writeBareError(st, httpmsg.StatusBadRequest)
		return
	}
	s.metrics.WebSocketUpgrades.Inc()

	// Frame reads block until the peer sends; no idle deadline applies.
	tr.timeout = 0

	conn := websocket.NewConn(st, br, s.wsHandlers, s.logger)
	conn.SetMessageCounter(s.metrics.WebSocketMessages)
	conn.Run(ctx)
}
