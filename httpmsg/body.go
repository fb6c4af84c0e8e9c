package httpmsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
)

// BodyKind identifies the active variant of a Body.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyString
	BodyJSON
	BodyFile
	BodyForm
)

func (k BodyKind) String() string {
	switch k {
	case BodyEmpty:
		return "empty"
	case BodyString:
		return "string"
	case BodyJSON:
		return "json"
	case BodyFile:
		return "file"
	case BodyForm:
		return "form-data"
	}
	return "unknown"
}

// ByteRange is an inclusive byte interval of a file body.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// Body is a tagged union over the representations a request or response
// body can take. Exactly one variant is active; accessing another variant
// returns ErrWrongBodyKind.
type Body struct {
	kind        BodyKind
	contentType string

	str        string
	jsonValue  any
	filePath   string
	fileRanges []ByteRange
	form       *FormData
}

// Kind returns the active variant.
func (b *Body) Kind() BodyKind { return b.kind }

// ContentType returns the default Content-Type for the active variant,
// or "" for an empty body.
func (b *Body) ContentType() string { return b.contentType }

// IsEmpty reports whether no variant carries data.
func (b *Body) IsEmpty() bool { return b.kind == BodyEmpty }

// IsString reports whether the string variant is active.
func (b *Body) IsString() bool { return b.kind == BodyString }

// IsJSON reports whether the JSON variant is active.
func (b *Body) IsJSON() bool { return b.kind == BodyJSON }

// IsFile reports whether the file variant is active.
func (b *Body) IsFile() bool { return b.kind == BodyFile }

// IsForm reports whether the multipart/form-data variant is active.
func (b *Body) IsForm() bool { return b.kind == BodyForm }

// AsString returns the string payload.
func (b *Body) AsString() (string, error) {
	if b.kind != BodyString {
		return "", fmt.Errorf("%w: have %s, want string", ErrWrongBodyKind, b.kind)
	}
	return b.str, nil
}

// AsJSON returns the decoded JSON document. Objects decode to
// map[string]any, arrays to []any, numbers to json.Number so full
// precision is preserved.
func (b *Body) AsJSON() (any, error) {
	if b.kind != BodyJSON {
		return nil, fmt.Errorf("%w: have %s, want json", ErrWrongBodyKind, b.kind)
	}
	return b.jsonValue, nil
}

// AsFile returns the file path and the byte ranges it is restricted to.
// A nil range slice means the whole file.
func (b *Body) AsFile() (string, []ByteRange, error) {
	if b.kind != BodyFile {
		return "", nil, fmt.Errorf("%w: have %s, want file", ErrWrongBodyKind, b.kind)
	}
	return b.filePath, b.fileRanges, nil
}

// AsForm returns the parsed multipart field set.
func (b *Body) AsForm() (*FormData, error) {
	if b.kind != BodyForm {
		return nil, fmt.Errorf("%w: have %s, want form-data", ErrWrongBodyKind, b.kind)
	}
	return b.form, nil
}

// SetEmpty clears the body.
func (b *Body) SetEmpty() {
	*b = Body{}
}

// SetString replaces the body with a string payload and its content type.
func (b *Body) SetString(data, contentType string) {
	*b = Body{kind: BodyString, str: data, contentType: contentType}
}

// SetJSON replaces the body with a JSON document.
func (b *Body) SetJSON(v any) {
	*b = Body{kind: BodyJSON, jsonValue: v, contentType: "application/json"}
}

// SetFile replaces the body with an on-disk file served in full.
func (b *Body) SetFile(path string) {
	*b = Body{kind: BodyFile, filePath: path, contentType: contentTypeForFile(path)}
}

// SetFileRanges replaces the body with a set of byte ranges of a file.
func (b *Body) SetFileRanges(path string, ranges []ByteRange) {
	*b = Body{kind: BodyFile, filePath: path, fileRanges: ranges, contentType: contentTypeForFile(path)}
}

// SetForm replaces the body with a multipart/form-data field set. A
// boundary is generated when the form does not carry one.
func (b *Body) SetForm(form *FormData) {
	if form.Boundary == "" {
		form.Boundary = GenerateBoundary()
	}
	*b = Body{
		kind:        BodyForm,
		form:        form,
		contentType: "multipart/form-data; boundary=" + form.Boundary,
	}
}

// DecodeJSON parses raw as a strict JSON document with numbers kept as
// json.Number, and stores it as the active variant.
func (b *Body) DecodeJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
	}
	// Anything after the first document is garbage.
	if dec.More() {
		return fmt.Errorf("%w: trailing data after json document", ErrBadRequest)
	}
	b.SetJSON(v)
	return nil
}

// EncodeJSON serializes the active JSON variant.
func (b *Body) EncodeJSON() ([]byte, error) {
	v, err := b.AsJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// contentTypeForFile maps a file extension to a Content-Type, falling
// back to application/octet-stream.
func contentTypeForFile(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
