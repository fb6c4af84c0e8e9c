package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readChunkedBody de-chunks a Transfer-Encoding: chunked request body.
// Trailing headers after the zero-length chunk are read and discarded;
// surfacing them is unsupported. limit caps the accumulated body when
// positive.
func readChunkedBody(br *bufio.Reader, maxLine int, limit int64) ([]byte, error) {
	var body bytes.Buffer
	for {
		size, err := readChunkSize(br, maxLine)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			if err := discardTrailers(br, maxLine); err != nil {
				return nil, err
			}
			return body.Bytes(), nil
		}
		if limit > 0 && int64(body.Len())+size > limit {
			return nil, fmt.Errorf("%w: chunked body exceeds limit", ErrBadRequest)
		}
		if _, err := io.CopyN(&body, br, size); err != nil {
			return nil, err
		}
		if err := expectCRLF(br); err != nil {
			return nil, err
		}
	}
}

// readChunkSize parses one hex chunk-size line, ignoring extensions.
func readChunkSize(br *bufio.Reader, maxLine int) (int64, error) {
	line, err := readChunkLine(br, maxLine)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, fmt.Errorf("%w: empty chunk size", ErrBadRequest)
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid chunk size %q", ErrBadRequest, line)
	}
	return n, nil
}

func expectCRLF(br *bufio.Reader) error {
	b1, err := br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("%w: missing CRLF after chunk", ErrBadRequest)
	}
	return nil
}

func discardTrailers(br *bufio.Reader, maxLine int) error {
	for {
		line, err := readChunkLine(br, maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func readChunkLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", fmt.Errorf("%w: chunk line too long", ErrBadRequest)
		}
	}
}
