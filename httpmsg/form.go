package httpmsg

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
)

// FormField is one part of a multipart/form-data payload. A field with a
// non-empty Filename is a file upload; otherwise it is a text part.
type FormField struct {
	Name        string
	Filename    string
	ContentType string
	Content     []byte
}

// IsFile reports whether the field is a file upload.
func (f *FormField) IsFile() bool { return f.Filename != "" }

// FormData is the parsed field set of a multipart/form-data body.
type FormData struct {
	Boundary string
	Fields   []FormField
}

// Field returns the first field with the given name.
func (fd *FormData) Field(name string) (*FormField, bool) {
	for i := range fd.Fields {
		if fd.Fields[i].Name == name {
			return &fd.Fields[i], true
		}
	}
	return nil, false
}

// GenerateBoundary produces a boundary unlikely to occur in part content.
func GenerateBoundary() string {
	return "----------------" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BoundaryFromContentType extracts the boundary parameter from a
// multipart/form-data Content-Type header value.
func BoundaryFromContentType(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: malformed content type: %v", ErrBadRequest, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: not a multipart content type", ErrBadRequest)
	}
	boundary, ok := params["boundary"]
	if !ok || boundary == "" {
		return "", fmt.Errorf("%w: multipart content type without boundary", ErrBadRequest)
	}
	return boundary, nil
}

// ParseFormData scans data for --boundary delimiters and decodes each
// part's headers and content. The trailing --boundary-- delimiter
// terminates the stream; anything malformed fails with ErrBadRequest.
func ParseFormData(data []byte, boundary string) (*FormData, error) {
	delim := []byte("--" + boundary)
	fd := &FormData{Boundary: boundary}

	// Skip the preamble up to the first delimiter.
	idx := bytes.Index(data, delim)
	if idx < 0 {
		return nil, fmt.Errorf("%w: multipart boundary not found", ErrBadRequest)
	}
	rest := data[idx+len(delim):]

	for {
		if bytes.HasPrefix(rest, []byte("--")) {
			// Closing delimiter.
			return fd, nil
		}
		// A CRLF follows every non-closing delimiter.
		if !bytes.HasPrefix(rest, []byte("\r\n")) {
			return nil, fmt.Errorf("%w: malformed multipart delimiter", ErrBadRequest)
		}
		rest = rest[2:]

		field, remaining, err := parseFormPart(rest, delim)
		if err != nil {
			return nil, err
		}
		fd.Fields = append(fd.Fields, field)
		rest = remaining
	}
}

// parseFormPart decodes one part: headers, a blank line, then content up
// to the next CRLF--boundary. Returns the bytes following that delimiter.
func parseFormPart(data, delim []byte) (FormField, []byte, error) {
	var field FormField

	// Part headers terminate at the first empty line.
	for {
		nl := bytes.Index(data, []byte("\r\n"))
		if nl < 0 {
			return field, nil, fmt.Errorf("%w: unterminated multipart part header", ErrBadRequest)
		}
		line := string(data[:nl])
		data = data[nl+2:]
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return field, nil, fmt.Errorf("%w: malformed multipart part header", ErrBadRequest)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		switch {
		case strings.EqualFold(name, "Content-Disposition"):
			if err := parseContentDisposition(value, &field); err != nil {
				return field, nil, err
			}
		case strings.EqualFold(name, "Content-Type"):
			field.ContentType = value
		}
	}

	if field.Name == "" {
		return field, nil, fmt.Errorf("%w: multipart part without a field name", ErrBadRequest)
	}

	// Content runs until the CRLF that precedes the next delimiter.
	end := bytes.Index(data, append([]byte("\r\n"), delim...))
	if end < 0 {
		return field, nil, fmt.Errorf("%w: unterminated multipart part", ErrBadRequest)
	}
	field.Content = append([]byte(nil), data[:end]...)
	return field, data[end+2+len(delim):], nil
}

// parseContentDisposition extracts name and filename from a
// Content-Disposition: form-data header.
func parseContentDisposition(value string, field *FormField) error {
	disposition, params, err := mime.ParseMediaType(value)
	if err != nil {
		return fmt.Errorf("%w: malformed content disposition: %v", ErrBadRequest, err)
	}
	if !strings.EqualFold(disposition, "form-data") {
		return fmt.Errorf("%w: unexpected disposition %q", ErrBadRequest, disposition)
	}
	field.Name = params["name"]
	field.Filename = params["filename"]
	return nil
}

// Encode serializes the field set back to wire form. Parsing the output
// with ParseFormData reproduces the original fields.
func (fd *FormData) Encode() []byte {
	var buf bytes.Buffer
	for _, f := range fd.Fields {
		buf.WriteString("--")
		buf.WriteString(fd.Boundary)
		buf.WriteString("\r\n")
		buf.WriteString(`Content-Disposition: form-data; name="` + f.Name + `"`)
		if f.Filename != "" {
			buf.WriteString(`; filename="` + f.Filename + `"`)
		}
		buf.WriteString("\r\n")
		if f.ContentType != "" {
			buf.WriteString("Content-Type: " + f.ContentType + "\r\n")
		}
		buf.WriteString("\r\n")
		buf.Write(f.Content)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--")
	buf.WriteString(fd.Boundary)
	buf.WriteString("--\r\n")
	return buf.Bytes()
}
