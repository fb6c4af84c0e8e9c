package stream

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"time"
)

// TLSConfig names the server's TLS materials. Password decrypts a
// legacy-encrypted PEM private key when non-empty.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	Password string
}

// Load parses the certificate chain and private key into a *tls.Config
// ready for server-side handshakes.
func (c TLSConfig) Load() (*tls.Config, error) {
	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if c.Password != "" {
		keyPEM, err = decryptPEMKey(keyPEM, c.Password)
		if err != nil {
			return nil, err
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// decryptPEMKey handles PEM blocks carrying legacy RFC 1423 encryption
// headers, the format OpenSSL produces for password-protected keys.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// TLSStream wraps a detected TLS connection. The detection prefix is
// replayed into the TLS engine so the handshake sees the bytes already
// consumed from the socket.
type TLSStream struct {
	tlsConn *tls.Conn
	raw     net.Conn
}

// NewTLSStream builds the server-side TLS stream over conn, feeding the
// sniffed prefix back in first.
func NewTLSStream(conn net.Conn, prefix []byte, cfg *tls.Config) *TLSStream {
	pc := &prefixConn{Conn: conn, prefix: prefix}
	return &TLSStream{tlsConn: tls.Server(pc, cfg), raw: conn}
}

// Handshake runs the server handshake. Failures are classified as
// ErrTLSHandshake.
func (s *TLSStream) Handshake() error {
	if err := s.tlsConn.Handshake(); err != nil {
		return fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	return nil
}

func (s *TLSStream) Read(p []byte) (int, error)  { return s.tlsConn.Read(p) }
func (s *TLSStream) Write(p []byte) (int, error) { return s.tlsConn.Write(p) }

func (s *TLSStream) ExpiresAfter(d time.Duration) {
	_ = s.tlsConn.SetDeadline(time.Now().Add(d))
}

func (s *TLSStream) ExpiresNever() {
	_ = s.tlsConn.SetDeadline(time.Time{})
}

// CloseWrite sends the TLS close_notify alert and half-closes the send
// direction.
func (s *TLSStream) CloseWrite() error { return s.tlsConn.CloseWrite() }

func (s *TLSStream) Close() error { return s.tlsConn.Close() }

func (s *TLSStream) LocalAddr() net.Addr  { return s.tlsConn.LocalAddr() }
func (s *TLSStream) RemoteAddr() net.Addr { return s.tlsConn.RemoteAddr() }

// prefixConn replays sniffed bytes ahead of the socket.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
