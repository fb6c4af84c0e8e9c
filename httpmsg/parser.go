package httpmsg

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxHeaderBytes caps the request line plus all header lines.
const DefaultMaxHeaderBytes = 8 * 1024

// RequestParser decodes requests incrementally from a buffered stream in
// two phases: ReadHeader consumes the request line and headers so the
// caller can inspect them, then ReadBody consumes the body in the
// variant implied by the Content-Type. Reads block on the underlying
// stream, so the caller controls deadlines between phases.
type RequestParser struct {
	br             *bufio.Reader
	maxHeaderBytes int
	// maxBodyBytes bounds decoded bodies when positive. The default is
	// unbounded; handlers elect stricter limits through server options.
	maxBodyBytes int64
}

// NewRequestParser wraps br. maxHeaderBytes falls back to
// DefaultMaxHeaderBytes when zero; maxBodyBytes zero means unbounded.
func NewRequestParser(br *bufio.Reader, maxHeaderBytes int, maxBodyBytes int64) *RequestParser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &RequestParser{br: br, maxHeaderBytes: maxHeaderBytes, maxBodyBytes: maxBodyBytes}
}

// ReadHeader parses the request line and header block and derives the
// keep-alive flag. It returns io.EOF unchanged when the connection is
// closed cleanly before any byte of a new request.
func (p *RequestParser) ReadHeader() (*Request, error) {
	budget := p.maxHeaderBytes

	line, err := p.readLine(&budget)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrBadRequest, line)
	}
	method, ok := ParseMethod(parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", ErrBadRequest, parts[0])
	}
	version, err := parseVersion(parts[2])
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:  method,
		Version: version,
		Target:  parts[1],
		Header:  make(Header),
	}

	for {
		line, err := p.readLine(&budget)
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrBadRequest, line)
		}
		name := strings.TrimSpace(line[:colon])
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("%w: malformed header name %q", ErrBadRequest, line[:colon])
		}
		req.Header.Add(name, strings.TrimSpace(line[colon+1:]))
	}

	req.deriveKeepAlive()
	return req, nil
}

// ReadBody consumes the request body and decodes it into the variant the
// Content-Type implies: multipart/form-data, application/json, or a
// string. Verbs without a body by contract leave the body empty.
func (p *RequestParser) ReadBody(req *Request) error {
	raw, err := p.ReadRawBody(req)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	contentType := req.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data"):
		boundary, err := BoundaryFromContentType(contentType)
		if err != nil {
			return err
		}
		form, err := ParseFormData(raw, boundary)
		if err != nil {
			return err
		}
		req.Body.SetForm(form)
	case strings.HasPrefix(strings.ToLower(contentType), "application/json"):
		if err := req.Body.DecodeJSON(raw); err != nil {
			return err
		}
	default:
		req.Body.SetString(string(raw), contentType)
	}
	return nil
}

// ReadRawBody consumes the body bytes without interpreting them. Returns
// nil for verbs without a body and for requests that declare none. A
// declared size of zero yields an empty, non-nil slice so the handler
// sees an empty body.
func (p *RequestParser) ReadRawBody(req *Request) ([]byte, error) {
	if !req.Method.HasBody() {
		return nil, nil
	}
	if req.IsChunked() {
		return readChunkedBody(p.br, p.maxHeaderBytes, p.maxBodyBytes)
	}
	length, ok := req.ContentLength()
	if !ok {
		return nil, nil
	}
	if p.maxBodyBytes > 0 && length > p.maxBodyBytes {
		return nil, fmt.Errorf("%w: declared body of %d bytes exceeds limit", ErrBadRequest, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readLine consumes one CRLF- (or bare LF-) terminated line, charging
// the shared header budget.
func (p *RequestParser) readLine(budget *int) (string, error) {
	var sb strings.Builder
	for {
		b, err := p.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				// A clean close between requests is io.EOF; a peer
				// vanishing mid-line is a transport failure.
				if sb.Len() == 0 {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		*budget--
		if *budget < 0 {
			return "", ErrHeaderTooLarge
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
	}
	return sb.String(), nil
}

func parseVersion(proto string) (Version, error) {
	switch proto {
	case "HTTP/1.1":
		return Version{1, 1}, nil
	case "HTTP/1.0":
		return Version{1, 0}, nil
	}
	return Version{}, fmt.Errorf("%w: unsupported protocol %q", ErrBadRequest, proto)
}
