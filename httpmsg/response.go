package httpmsg

import (
	"fmt"
	"os"
	"time"
)

// httpDateLayout is the IMF-fixdate format required by RFC 7231.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatHTTPDate renders t for a Date header.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(httpDateLayout)
}

// Response is one outgoing HTTP response. It lives until serialization.
type Response struct {
	Status int
	// Reason overrides the standard phrase for Status when non-empty.
	Reason  string
	Version Version
	Header  Header
	Body    Body

	KeepAlive bool

	// payload caches the serialized body between PreparePayload and the
	// writer so JSON and form bodies encode once.
	payload []byte
	// rangesPlan carries the multipart/byteranges framing computed by
	// PreparePayload for a file body with more than one range.
	rangesPlan *byteRangesPlan
}

// NewResponse builds the stock response for a request: 404 until a route
// claims it, protocol version and keep-alive mirrored from the request,
// Server and Date headers set.
func NewResponse(req *Request, serverName string) *Response {
	resp := &Response{
		Status:    StatusNotFound,
		Version:   req.Version,
		Header:    make(Header),
		KeepAlive: req.KeepAlive,
	}
	resp.Header.Set("Server", serverName)
	resp.Header.Set("Date", FormatHTTPDate(time.Now()))
	return resp
}

// ReasonText returns the phrase that will appear on the status line.
func (r *Response) ReasonText() string {
	if r.Reason != "" {
		return r.Reason
	}
	return ReasonPhrase(r.Status)
}

// SetStringContent replaces the body with a string payload. The
// Content-Type header is updated only when the caller has not set one.
func (r *Response) SetStringContent(data, contentType string, status ...int) {
	r.Body.SetString(data, contentType)
	r.applyContent(status...)
}

// SetJSONContent replaces the body with a JSON document.
func (r *Response) SetJSONContent(v any, status ...int) {
	r.Body.SetJSON(v)
	r.applyContent(status...)
}

// SetFileContent replaces the body with an on-disk file.
func (r *Response) SetFileContent(path string) {
	r.Body.SetFile(path)
	r.applyContent()
}

// SetFileRangesContent replaces the body with byte ranges of a file,
// producing a 206 Partial Content response.
func (r *Response) SetFileRangesContent(path string, ranges []ByteRange) {
	r.Body.SetFileRanges(path, ranges)
	r.applyContent(StatusPartialContent)
}

// SetFormContent replaces the body with a multipart/form-data field set.
func (r *Response) SetFormContent(form *FormData, status ...int) {
	r.Body.SetForm(form)
	r.applyContent(status...)
}

// SetEmptyContent clears the body and sets the status.
func (r *Response) SetEmptyContent(status int) {
	r.Body.SetEmpty()
	r.Header.Del("Content-Type")
	r.Status = status
	r.payload = nil
}

func (r *Response) applyContent(status ...int) {
	if len(status) > 0 {
		r.Status = status[0]
	} else if r.Status == StatusNotFound {
		// A handler that sets content without a status means 200.
		r.Status = StatusOK
	}
	if !r.Header.Has("Content-Type") && r.Body.ContentType() != "" {
		r.Header.Set("Content-Type", r.Body.ContentType())
	}
	r.payload = nil
}

// Chunked reports whether the response will use chunked transfer coding.
func (r *Response) Chunked() bool {
	for _, v := range r.Header.Values("Transfer-Encoding") {
		if v == "chunked" {
			return true
		}
	}
	return false
}

// SetChunked switches the response to chunked transfer coding. A declared
// Content-Length must be absent under chunked coding, so it is dropped.
func (r *Response) SetChunked() {
	if !r.Chunked() {
		r.Header.Add("Transfer-Encoding", "chunked")
	}
	r.Header.Del("Content-Length")
}

// PreparePayload serializes non-file bodies once, finalizes range framing
// for file bodies, and sets Content-Length unless chunked coding is in
// effect or the caller already declared one.
func (r *Response) PreparePayload() error {
	var err error
	r.payload, err = r.encodeBody()
	if err != nil {
		return err
	}
	if r.Body.Kind() == BodyFile {
		return r.prepareFileBody()
	}
	if r.Chunked() || r.Header.Has("Content-Length") {
		return nil
	}
	r.Header.Set("Content-Length", fmt.Sprintf("%d", len(r.payload)))
	return nil
}

// prepareFileBody stats the file and finalizes the response framing:
// the whole file, a single range with a Content-Range header, or a
// multipart/byteranges plan for several ranges.
func (r *Response) prepareFileBody() error {
	path, ranges, err := r.Body.AsFile()
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()
	declared := r.Chunked() || r.Header.Has("Content-Length")
	switch len(ranges) {
	case 0:
		if !declared {
			r.Header.Set("Content-Length", fmt.Sprintf("%d", size))
		}
	case 1:
		rg := ranges[0]
		r.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rg.Start, rg.End, size))
		if !declared {
			r.Header.Set("Content-Length", fmt.Sprintf("%d", rg.Len()))
		}
	default:
		plan := buildByteRangesPlan(ranges, r.Body.ContentType(), size)
		r.rangesPlan = plan
		r.Header.Set("Content-Type", "multipart/byteranges; boundary="+plan.boundary)
		if !declared {
			r.Header.Set("Content-Length", fmt.Sprintf("%d", plan.total))
		}
	}
	return nil
}

// encodeBody renders string, JSON and form bodies to bytes. File bodies
// stream from disk and empty bodies have no payload.
func (r *Response) encodeBody() ([]byte, error) {
	switch r.Body.Kind() {
	case BodyString:
		s, _ := r.Body.AsString()
		return []byte(s), nil
	case BodyJSON:
		return r.Body.EncodeJSON()
	case BodyForm:
		form, _ := r.Body.AsForm()
		return form.Encode(), nil
	}
	return nil, nil
}

