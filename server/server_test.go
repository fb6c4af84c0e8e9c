package server

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/router"
	"github.com/portico-web/portico/websocket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startServer binds 127.0.0.1:0, runs setup (route and mount
// registration) before the router freezes, serves in the background, and
// tears everything down at test cleanup.
func startServer(t *testing.T, setup func(*Server), opts ...Option) (*Server, string) {
	t.Helper()
	opts = append(opts,
		WithRegistry(prometheus.NewRegistry()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	srv := New(opts...)
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-done; err != ErrServerClosed {
			t.Errorf("Serve returned %v", err)
		}
	})

	return srv, ln.Addr().String()
}

// exchange sends one raw request and reads the whole response until EOF.
func exchange(t *testing.T, addr, raw string) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

// parseResponse splits status line, headers, and body.
func parseResponse(t *testing.T, raw []byte) (string, httpmsg.Header, []byte) {
	t.Helper()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		t.Fatalf("no header terminator in %q", raw)
	}
	lines := strings.Split(string(raw[:idx]), "\r\n")
	headers := make(httpmsg.Header)
	for _, line := range lines[1:] {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			t.Fatalf("bad header line %q", line)
		}
		headers.Add(line[:colon], strings.TrimSpace(line[colon+1:]))
	}
	return lines[0], headers, raw[idx+4:]
}

func TestServer_NotFoundDefaultBody(t *testing.T) {
	_, addr := startServer(t, nil)

	raw := exchange(t, addr, "GET /nope HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, _, body := parseResponse(t, raw)

	if status != "HTTP/1.1 404 Not Found" {
		t.Errorf("status = %q", status)
	}
	if !strings.Contains(string(body), "404 Not Found") {
		t.Errorf("body = %q", body)
	}
}

func TestServer_JSONEcho(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) {
		err := srv.Router().Route(httpmsg.Methods(httpmsg.MethodPost), "/json",
			func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
				doc, err := req.Body.AsJSON()
				if err != nil {
					return err
				}
				resp.SetJSONContent(doc)
				return nil
			})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
	})

	payload := `{"a":[1,2,3]}`
	raw := exchange(t, addr, fmt.Sprintf(
		"POST /json HTTP/1.1\r\nHost: x\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(payload), payload))
	status, headers, body := parseResponse(t, raw)

	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", headers.Get("Content-Type"))
	}
	if string(body) != payload {
		t.Errorf("body = %q, want %q", body, payload)
	}
}

// mountTempDir creates <tmp>/hello.txt = "hi" and mounts / there.
func mountTempDir(t *testing.T, srv *Server) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("writing hello.txt: %v", err)
	}
	if err := srv.Router().Mount("/", root); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return root
}

func TestServer_StaticFile(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) { mountTempDir(t, srv) })

	raw := exchange(t, addr, "GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, headers, body := parseResponse(t, raw)

	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if !strings.HasPrefix(headers.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", headers.Get("Content-Type"))
	}
	if headers.Get("Content-Length") != "2" {
		t.Errorf("Content-Length = %q", headers.Get("Content-Length"))
	}
	if string(body) != "hi" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_RangeRequest(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) { mountTempDir(t, srv) })

	raw := exchange(t, addr, "GET /hello.txt HTTP/1.1\r\nHost: x\r\nRange: bytes=0-0\r\nConnection: close\r\n\r\n")
	status, headers, body := parseResponse(t, raw)

	if status != "HTTP/1.1 206 Partial Content" {
		t.Errorf("status = %q", status)
	}
	if headers.Get("Content-Range") != "bytes 0-0/2" {
		t.Errorf("Content-Range = %q", headers.Get("Content-Range"))
	}
	if string(body) != "h" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_DirectoryIndex(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) { mountTempDir(t, srv) })

	raw := exchange(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, _, body := parseResponse(t, raw)

	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if !strings.HasPrefix(string(body), `<html><head><meta charset="UTF-8"><title>Index of /</title>`) {
		t.Errorf("index prefix = %q", body[:minInt(len(body), 80)])
	}
	if !strings.Contains(string(body), `<a href="hello.txt">hello.txt</a>`) {
		t.Errorf("missing hello.txt anchor")
	}
}

func TestServer_KeepAlive(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) { mountTempDir(t, srv) })

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		if _, err := conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatalf("request %d write: %v", i, err)
		}
		status, headers, body := readOneResponse(t, br)
		if status != "HTTP/1.1 200 OK" {
			t.Fatalf("request %d status = %q", i, status)
		}
		if headers.Get("Connection") != "keep-alive" {
			t.Errorf("request %d Connection = %q", i, headers.Get("Connection"))
		}
		if string(body) != "hi" {
			t.Errorf("request %d body = %q", i, body)
		}
	}
}

// readOneResponse reads exactly one Content-Length framed response.
func readOneResponse(t *testing.T, br *bufio.Reader) (string, httpmsg.Header, []byte) {
	t.Helper()
	var head bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading head: %v", err)
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	status, headers, _ := parseResponse(t, head.Bytes())
	length, err := strconv.Atoi(headers.Get("Content-Length"))
	if err != nil {
		t.Fatalf("Content-Length: %v", err)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return status, headers, body
}

func TestServer_HeaderTooLarge(t *testing.T) {
	_, addr := startServer(t, nil, WithMaxHeaderBytes(512))

	raw := exchange(t, addr, "GET / HTTP/1.1\r\nX-Big: "+strings.Repeat("a", 2048)+"\r\n\r\n")
	status, _, _ := parseResponse(t, raw)
	if status != "HTTP/1.1 431 Request Header Fields Too Large" {
		t.Errorf("status = %q", status)
	}
}

func TestServer_Expect100Continue(t *testing.T) {
	_, addr := startServer(t, func(srv *Server) {
		err := srv.Router().Route(httpmsg.Methods(httpmsg.MethodPost), "/echo",
			func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
				s, err := req.Body.AsString()
				if err != nil {
					return err
				}
				resp.SetStringContent(s, "text/plain")
				return nil
			})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\nExpect: 100-continue\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write head: %v", err)
	}

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading interim: %v", err)
	}
	if strings.TrimSpace(line) != "HTTP/1.1 100 Continue" {
		t.Fatalf("interim = %q", line)
	}
	if blank, err := br.ReadString('\n'); err != nil || blank != "\r\n" {
		t.Fatalf("interim terminator = %q, %v", blank, err)
	}

	if _, err := conn.Write([]byte("body")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	status, _, body := parseResponse(t, rest)
	if status != "HTTP/1.1 200 OK" || string(body) != "body" {
		t.Errorf("final = %q / %q", status, body)
	}
}

func TestServer_GzipNegotiation(t *testing.T) {
	payload := strings.Repeat("compress me ", 100)
	_, addr := startServer(t, func(srv *Server) {
		err := srv.Router().Route(httpmsg.Methods(httpmsg.MethodGet), "/big",
			func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
				resp.SetStringContent(payload, "text/plain")
				return nil
			})
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
	}, WithCompression("gzip", "deflate"))

	raw := exchange(t, addr, "GET /big HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip\r\nConnection: close\r\n\r\n")
	_, headers, body := parseResponse(t, raw)

	if headers.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", headers.Get("Content-Encoding"))
	}
	if headers.Has("Content-Length") {
		t.Error("Content-Length present on compressed response")
	}
	if headers.Get("Transfer-Encoding") != "chunked" {
		t.Errorf("Transfer-Encoding = %q", headers.Get("Transfer-Encoding"))
	}

	gz, err := gzip.NewReader(bytes.NewReader(decodeChunkedBody(t, body)))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(plain) != payload {
		t.Error("decompressed payload mismatch")
	}
}

func decodeChunkedBody(t *testing.T, body []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	br := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("chunk size line: %v", err)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			t.Fatalf("chunk size %q: %v", line, err)
		}
		if size == 0 {
			return out.Bytes()
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			t.Fatalf("chunk data: %v", err)
		}
		if _, err := br.Discard(2); err != nil {
			t.Fatalf("chunk CRLF: %v", err)
		}
	}
}

func TestServer_WebSocketEcho(t *testing.T) {
	echo := websocket.Handlers{
		Message: func(ctx context.Context, h *websocket.Handle, msg websocket.Message) {
			if conn := h.Upgrade(); conn != nil {
				conn.Send(msg)
			}
		},
	}
	_, addr := startServer(t, nil, WithWebSocketHandlers(echo))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Upgrade handshake.
	if _, err := conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")); err != nil {
		t.Fatalf("write upgrade: %v", err)
	}
	br := bufio.NewReader(conn)
	var head bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading upgrade response: %v", err)
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	if !strings.HasPrefix(head.String(), "HTTP/1.1 101 Switching Protocols") {
		t.Fatalf("upgrade response = %q", head.String())
	}
	if !strings.Contains(head.String(), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("missing accept key in %q", head.String())
	}

	// Text then binary; each echo must come back with kind and payload
	// intact. Message handlers run concurrently, so the client sequences
	// its sends to observe a deterministic order.
	writeMaskedFrame(t, conn, 0x1, []byte("ping"))
	opcode, payload := readUnmaskedFrame(t, br)
	if opcode != 0x1 || string(payload) != "ping" {
		t.Fatalf("frame 1 = %#x %q", opcode, payload)
	}

	writeMaskedFrame(t, conn, 0x2, []byte{0x01, 0x02})
	opcode, payload = readUnmaskedFrame(t, br)
	if opcode != 0x2 || !bytes.Equal(payload, []byte{0x01, 0x02}) {
		t.Fatalf("frame 2 = %#x %v", opcode, payload)
	}

	// Graceful close.
	closeBody := make([]byte, 2)
	binary.BigEndian.PutUint16(closeBody, 1000)
	writeMaskedFrame(t, conn, 0x8, closeBody)
	opcode, _ = readUnmaskedFrame(t, br)
	if opcode != 0x8 {
		t.Fatalf("close echo = %#x", opcode)
	}
}

func writeMaskedFrame(t *testing.T, w io.Writer, opcode byte, payload []byte) {
	t.Helper()
	if len(payload) > 125 {
		t.Fatalf("test frame too large")
	}
	mask := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	frame := []byte{0x80 | opcode, 0x80 | byte(len(payload))}
	frame = append(frame, mask...)
	for i, b := range payload {
		frame = append(frame, b^mask[i%4])
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func readUnmaskedFrame(t *testing.T, r io.Reader) (byte, []byte) {
	t.Helper()
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("frame header: %v", err)
	}
	length := int(header[1] & 0x7F)
	if length >= 126 {
		t.Fatalf("unexpected extended frame in test")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("frame payload: %v", err)
	}
	return header[0] & 0x0F, payload
}

func TestServer_ConnectTunnel(t *testing.T) {
	// Upstream echo service.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	_, addr := startServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.Addr(), upstream.Addr()); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	br := bufio.NewReader(conn)
	var head bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading connect response: %v", err)
		}
		head.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	if !strings.HasPrefix(head.String(), "HTTP/1.1 200 Connection Established") {
		t.Fatalf("connect response = %q", head.String())
	}

	if _, err := conn.Write([]byte("through the tunnel")); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	buf := make([]byte, len("through the tunnel"))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if string(buf) != "through the tunnel" {
		t.Errorf("tunnel echo = %q", buf)
	}
}

// selfSignedCert writes a throwaway certificate pair for TLS tests.
func selfSignedCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("writing cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return certFile, keyFile
}

func TestServer_TLSAutoDetection(t *testing.T) {
	certFile, keyFile := selfSignedCert(t)
	_, addr := startServer(t, func(srv *Server) { mountTempDir(t, srv) },
		WithTLS(certFile, keyFile, ""))

	t.Run("tls client", func(t *testing.T) {
		conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			t.Fatalf("tls dial: %v", err)
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		raw, err := io.ReadAll(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		status, _, body := parseResponse(t, raw)
		if status != "HTTP/1.1 200 OK" || string(body) != "hi" {
			t.Errorf("tls exchange = %q / %q", status, body)
		}
	})

	t.Run("plaintext client on same listener", func(t *testing.T) {
		raw := exchange(t, addr, "GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
		status, _, body := parseResponse(t, raw)
		if status != "HTTP/1.1 200 OK" || string(body) != "hi" {
			t.Errorf("plain exchange = %q / %q", status, body)
		}
	})
}

func TestServer_RegistrationAfterStart(t *testing.T) {
	srv, addr := startServer(t, nil)
	// A completed exchange guarantees Serve has frozen the tables.
	_ = exchange(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	err := srv.Router().Route(httpmsg.Methods(httpmsg.MethodGet), "/late",
		func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error { return nil })
	if err != router.ErrFrozen {
		t.Errorf("err = %v, want ErrFrozen", err)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
