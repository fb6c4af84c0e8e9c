package httpmsg

import "errors"

// Error kinds for the message layer. Connection-level failures are wrapped
// with %w so callers can classify them with errors.Is.
var (
	// ErrBadRequest marks malformed HTTP: a bad request line, header,
	// query encoding, multipart payload or chunk framing. The session
	// responds 400 and closes when keep-alive cannot continue.
	ErrBadRequest = errors.New("httpmsg: bad request")

	// ErrHeaderTooLarge is returned when the accumulated header bytes
	// exceed the configured limit. Mapped to 431.
	ErrHeaderTooLarge = errors.New("httpmsg: request header too large")

	// ErrWrongBodyKind signals that a handler asked for a body variant
	// other than the one decoded. A programming error; mapped to 500.
	ErrWrongBodyKind = errors.New("httpmsg: wrong body kind")

	// ErrUnsupportedEncoding is returned by the compressor registry for
	// an encoding it does not implement.
	ErrUnsupportedEncoding = errors.New("httpmsg: unsupported content encoding")
)
