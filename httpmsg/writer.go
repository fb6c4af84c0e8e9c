package httpmsg

import (
	"fmt"
	"io"
	"os"
)

// fileChunkSize bounds how much of a file body is read per write so a
// large file cannot monopolize a worker.
const fileChunkSize = 64 * 1024

// byteRangesPlan is the precomputed multipart/byteranges framing for a
// file body with several ranges. Part headers are rendered up front so
// the exact Content-Length is known before serialization.
type byteRangesPlan struct {
	boundary string
	parts    []byteRangesPart
	closing  string
	total    int64
}

type byteRangesPart struct {
	header string
	rg     ByteRange
}

func buildByteRangesPlan(ranges []ByteRange, contentType string, fileSize int64) *byteRangesPlan {
	plan := &byteRangesPlan{boundary: GenerateBoundary()}
	for _, rg := range ranges {
		header := fmt.Sprintf("--%s\r\nContent-Type: %s\r\nContent-Range: bytes %d-%d/%d\r\n\r\n",
			plan.boundary, contentType, rg.Start, rg.End, fileSize)
		plan.parts = append(plan.parts, byteRangesPart{header: header, rg: rg})
		plan.total += int64(len(header)) + rg.Len() + 2
	}
	plan.closing = fmt.Sprintf("--%s--\r\n", plan.boundary)
	plan.total += int64(len(plan.closing))
	return plan
}

// bodilessStatus reports whether a status code forbids a message body.
func bodilessStatus(status int) bool {
	return status < 200 || status == StatusNoContent || status == StatusNotModified
}

// WriteResponse serializes resp to w. When a Content-Encoding selected by
// negotiation is present, the body streams through the matching
// compressor under chunked transfer coding; otherwise the body is written
// verbatim with its computed Content-Length. HEAD responses emit headers
// only.
func WriteResponse(w io.Writer, resp *Response, isHead bool, compressors *CompressorRegistry) error {
	encoding := resp.Header.Get("Content-Encoding")
	if encoding != "" && compressors.Supported(encoding) {
		resp.SetChunked()
	} else {
		encoding = ""
	}

	if !bodilessStatus(resp.Status) {
		if err := resp.PreparePayload(); err != nil {
			return err
		}
	}

	if err := writeHead(w, resp); err != nil {
		return err
	}
	if isHead || bodilessStatus(resp.Status) {
		return nil
	}

	switch {
	case encoding != "":
		cw := &chunkedWriter{w: w}
		comp, err := compressors.NewWriter(encoding, cw)
		if err != nil {
			return err
		}
		if err := resp.writeBodyTo(comp); err != nil {
			return err
		}
		if err := comp.Close(); err != nil {
			return err
		}
		return cw.End()
	case resp.Chunked():
		cw := &chunkedWriter{w: w}
		if err := resp.writeBodyTo(cw); err != nil {
			return err
		}
		return cw.End()
	default:
		return resp.writeBodyTo(w)
	}
}

// writeHead emits the status line and headers. The Connection header is
// derived from the keep-alive flag rather than trusted from the map.
func writeHead(w io.Writer, resp *Response) error {
	version := resp.Version
	if version.Major == 0 {
		version = Version{1, 1}
	}
	if _, err := fmt.Fprintf(w, "%s %d %s\r\n", version, resp.Status, resp.ReasonText()); err != nil {
		return err
	}
	if resp.Status >= 200 {
		resp.Header.Del("Connection")
	}
	for name, values := range resp.Header {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, sanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	if resp.Status >= 200 {
		connection := "close"
		if resp.KeepAlive {
			connection = "keep-alive"
		}
		if _, err := fmt.Fprintf(w, "Connection: %s\r\n", connection); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteInterim emits a bare interim response such as 100 Continue.
func WriteInterim(w io.Writer, status int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", status, ReasonPhrase(status))
	return err
}

// writeBodyTo streams the raw (uncompressed, unchunked) body bytes.
func (r *Response) writeBodyTo(w io.Writer) error {
	if r.Body.Kind() != BodyFile {
		if len(r.payload) > 0 {
			_, err := w.Write(r.payload)
			return err
		}
		return nil
	}

	path, ranges, err := r.Body.AsFile()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch {
	case len(ranges) == 0:
		_, err := io.CopyBuffer(w, f, make([]byte, fileChunkSize))
		return err
	case len(ranges) == 1:
		return copyFileRange(w, f, ranges[0])
	default:
		for _, part := range r.rangesPlan.parts {
			if _, err := io.WriteString(w, part.header); err != nil {
				return err
			}
			if err := copyFileRange(w, f, part.rg); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, r.rangesPlan.closing)
		return err
	}
}

func copyFileRange(w io.Writer, f *os.File, rg ByteRange) error {
	if _, err := f.Seek(rg.Start, io.SeekStart); err != nil {
		return err
	}
	_, err := io.CopyBuffer(w, io.LimitReader(f, rg.Len()), make([]byte, fileChunkSize))
	return err
}

// chunkedWriter frames writes as HTTP/1.1 chunks.
type chunkedWriter struct {
	w io.Writer
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End writes the terminating zero-length chunk.
func (c *chunkedWriter) End() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// sanitizeHeaderValue strips CR, LF and control bytes so header values
// cannot split the response.
func sanitizeHeaderValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		if c := v[i]; c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
