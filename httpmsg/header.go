package httpmsg

import (
	"net/textproto"
	"strings"
)

// Header is a case-insensitive multimap of header name to values.
// Keys are stored in canonical MIME form; values keep insertion order.
type Header map[string][]string

// Get returns the first value for the named header, or "".
func (h Header) Get(key string) string {
	if vv := h[textproto.CanonicalMIMEHeaderKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values for the named header in insertion order.
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Set replaces any existing values for the named header.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends a value to the named header.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Del removes the named header.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Has reports whether the named header is present.
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Clone returns a deep copy of the header map.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// HasToken reports whether the named header contains the given token in
// its comma-separated value list, compared case-insensitively. Used for
// Connection and Upgrade header inspection where clients send lists like
// "keep-alive, Upgrade".
func (h Header) HasToken(key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
