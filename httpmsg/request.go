package httpmsg

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Version is an HTTP protocol version, typically {1, 1}.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

// Request is one decoded HTTP request. It lives for the duration of a
// single handler invocation.
type Request struct {
	Method  Method
	Version Version

	// Target is the raw request-target as received; Path is its
	// percent-decoded path component, populated by ParseTarget.
	Target      string
	Path        string
	QueryParams url.Values
	RouteParams map[string]string

	Header Header
	Body   Body

	LocalEndpoint  net.Addr
	RemoteEndpoint net.Addr

	// KeepAlive is derived from the protocol version and the Connection
	// header during header parsing.
	KeepAlive bool
}

// ParseTarget splits the request-target into the decoded path and query
// parameters. Invalid percent encoding or a target with more than one
// "?" fails with ErrBadRequest.
func (r *Request) ParseTarget() error {
	tokens := strings.Split(r.Target, "?")
	if len(tokens) == 0 || len(tokens) > 2 {
		return fmt.Errorf("%w: malformed request target %q", ErrBadRequest, r.Target)
	}
	path, err := url.PathUnescape(tokens[0])
	if err != nil {
		return fmt.Errorf("%w: invalid path encoding: %v", ErrBadRequest, err)
	}
	r.Path = path
	if len(tokens) == 2 {
		params, err := url.ParseQuery(tokens[1])
		if err != nil {
			return fmt.Errorf("%w: invalid query encoding: %v", ErrBadRequest, err)
		}
		r.QueryParams = params
	}
	return nil
}

// deriveKeepAlive applies the HTTP/1.x connection-reuse rules: 1.1
// defaults to keep-alive unless "Connection: close"; 1.0 requires an
// explicit "Connection: keep-alive".
func (r *Request) deriveKeepAlive() {
	if r.Header.HasToken("Connection", "close") {
		r.KeepAlive = false
		return
	}
	if r.Version.Major == 1 && r.Version.Minor == 0 {
		r.KeepAlive = r.Header.HasToken("Connection", "keep-alive")
		return
	}
	r.KeepAlive = true
}

// ContentLength returns the declared Content-Length, if present and valid.
func (r *Request) ContentLength() (int64, bool) {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// IsChunked reports whether the request body uses chunked transfer coding.
func (r *Request) IsChunked() bool {
	for _, v := range r.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// WantsContinue reports whether the client asked for a 100 Continue
// interim response before sending the body.
func (r *Request) WantsContinue() bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Expect")), "100-continue")
}
