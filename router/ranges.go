package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/portico-web/portico/httpmsg"
)

// Range parsing errors. A syntactically malformed header is a client
// error (400); a well-formed header naming positions outside the file is
// 416 Range Not Satisfiable.
var (
	ErrMalformedRange       = errors.New("router: malformed range header")
	ErrRangeNotSatisfiable  = errors.New("router: range not satisfiable")
)

// ParseRanges decodes a Range header value against a file of fileSize
// bytes. An empty header means the full file (nil ranges, no error).
// Accepted forms per range: "start-end", "start-", "-suffix". An end at
// or past the file size clamps to the last byte. Total over its inputs:
// every value yields either a range list or an explicit error.
func ParseRanges(rangeHeader string, fileSize int64) ([]httpmsg.ByteRange, error) {
	rangeHeader = strings.TrimSpace(rangeHeader)
	if rangeHeader == "" {
		return nil, nil
	}
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return nil, fmt.Errorf("%w: missing bytes= prefix", ErrMalformedRange)
	}
	spec := rangeHeader[len("bytes="):]
	if strings.Contains(spec, "--") {
		return nil, fmt.Errorf("%w: double dash", ErrMalformedRange)
	}
	if spec == "-" {
		return []httpmsg.ByteRange{{Start: 0, End: fileSize - 1}}, nil
	}

	var ranges []httpmsg.ByteRange
	for _, part := range strings.Split(spec, ",") {
		rg, err := parseOneRange(part, fileSize)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, rg)
	}
	return ranges, nil
}

func parseOneRange(part string, fileSize int64) (httpmsg.ByteRange, error) {
	var zero httpmsg.ByteRange
	dash := strings.IndexByte(part, '-')
	if dash < 0 {
		return zero, fmt.Errorf("%w: range %q has no dash", ErrMalformedRange, part)
	}
	firstStr := strings.TrimSpace(part[:dash])
	secondStr := strings.TrimSpace(part[dash+1:])

	// "-suffix" selects the final suffix bytes.
	if firstStr == "" {
		suffix, err := strconv.ParseInt(secondStr, 10, 64)
		if err != nil || suffix < 0 {
			return zero, fmt.Errorf("%w: bad suffix length %q", ErrMalformedRange, secondStr)
		}
		if suffix > fileSize {
			suffix = fileSize
		}
		return httpmsg.ByteRange{Start: fileSize - suffix, End: fileSize - 1}, nil
	}

	start, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil || start < 0 {
		return zero, fmt.Errorf("%w: bad range start %q", ErrMalformedRange, firstStr)
	}

	end := fileSize - 1
	if secondStr != "" {
		end, err = strconv.ParseInt(secondStr, 10, 64)
		if err != nil || end < 0 {
			return zero, fmt.Errorf("%w: bad range end %q", ErrMalformedRange, secondStr)
		}
	}

	if start >= fileSize {
		return zero, fmt.Errorf("%w: start %d beyond file of %d bytes", ErrRangeNotSatisfiable, start, fileSize)
	}
	if start > 0 && start == end {
		// The validating parser rejects a degenerate non-zero range
		// spelled start==end.
		return zero, fmt.Errorf("%w: degenerate range %d-%d", ErrRangeNotSatisfiable, start, end)
	}
	if end >= fileSize {
		end = fileSize - 1
	}
	if end < start {
		return zero, fmt.Errorf("%w: inverted range %d-%d", ErrRangeNotSatisfiable, start, end)
	}
	return httpmsg.ByteRange{Start: start, End: end}, nil
}
