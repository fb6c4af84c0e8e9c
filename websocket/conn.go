package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portico-web/portico/stream"
)

// MessageKind distinguishes text from binary payloads.
type MessageKind int

const (
	TextMessage MessageKind = iota
	BinaryMessage
)

// Message is one complete WebSocket message.
type Message struct {
	Payload []byte
	Kind    MessageKind
}

// Connection states.
const (
	StateHandshaking int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

// Handle is a weak reference to a connection handed to handlers.
// Upgrade returns nil once the connection has been destroyed, so a
// handler that outlives the connection observes a failed upgrade rather
// than touching freed state.
type Handle struct {
	conn *Conn
}

// Upgrade promotes the weak handle, or returns nil when the connection
// is closed.
func (h *Handle) Upgrade() *Conn {
	if h == nil || h.conn == nil || h.conn.state.Load() == StateClosed {
		return nil
	}
	return h.conn
}

// Handlers are the callbacks a connection invokes. Message handlers run
// concurrently with each other and with the reader; they must not assume
// serialization.
type Handlers struct {
	Open    func(ctx context.Context, h *Handle)
	Close   func(ctx context.Context, h *Handle)
	Message func(ctx context.Context, h *Handle, msg Message)
}

// sendItem is one queued write: a message, a pong, or a close intent.
type sendItem struct {
	opcode  byte
	payload []byte
}

// MessageCounter observes complete data messages crossing the
// connection in either direction. prometheus.Counter satisfies it.
type MessageCounter interface {
	Inc()
}

// Conn is a server-side WebSocket connection. Outbound frames are
// serialized through a FIFO queue drained by at most one writer
// goroutine, so there is never more than one in-flight socket write.
type Conn struct {
	st stream.Stream
	// r is the read side: the session's buffered reader, so bytes the
	// HTTP parser buffered past the upgrade request are not lost.
	r        io.Reader
	logger   *slog.Logger
	handlers Handlers
	messages MessageCounter // nil means uncounted

	state atomic.Int32

	mu         sync.Mutex // guards queue, writing, sendClosed
	sendIdle   *sync.Cond // signaled when the drain goroutine stops
	queue      []sendItem
	writing    bool
	sendClosed bool

	closeOnce sync.Once
}

// NewConn wraps an upgraded stream. r carries buffered bytes already
// read from the socket; nil means read the stream directly. Run drives
// the connection.
func NewConn(st stream.Stream, r io.Reader, handlers Handlers, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = st
	}
	c := &Conn{st: st, r: r, logger: logger, handlers: handlers}
	c.sendIdle = sync.NewCond(&c.mu)
	c.state.Store(StateHandshaking)
	return c
}

// State returns the connection state.
func (c *Conn) State() int32 { return c.state.Load() }

// SetMessageCounter attaches a counter incremented for every complete
// data message received or sent. Must be set before Run.
func (c *Conn) SetMessageCounter(counter MessageCounter) {
	c.messages = counter
}

// Send queues a message for delivery. Messages are written in the order
// Send was called. If no writer is draining the queue a new drain
// goroutine is spawned; otherwise the enqueue alone suffices.
func (c *Conn) Send(msg Message) {
	opcode := opText
	if msg.Kind == BinaryMessage {
		opcode = opBinary
	}
	if c.messages != nil {
		c.messages.Inc()
	}
	c.enqueue(sendItem{opcode: opcode, payload: msg.Payload})
}

// Close queues a graceful close. The drain task emits a close frame with
// reason "normal" after all previously queued messages are written.
func (c *Conn) Close() {
	c.enqueue(sendItem{opcode: opClose, payload: closePayload(1000, "normal")})
}

func (c *Conn) enqueue(item sendItem) {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return
	}
	if item.opcode == opClose {
		// Nothing may follow a close intent.
		c.sendClosed = true
	}
	c.queue = append(c.queue, item)
	spawn := !c.writing
	if spawn {
		c.writing = true
	}
	c.mu.Unlock()

	if spawn {
		go c.drain()
	}
}

// drain pops queued items in FIFO order and writes them, exiting when
// the queue is empty. Only one drain goroutine exists at a time.
func (c *Conn) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.writing = false
			c.sendIdle.Broadcast()
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := writeFrame(c.st, item.opcode, item.payload); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			c.abortSends()
			return
		}
		if item.opcode == opClose {
			c.state.CompareAndSwap(StateOpen, StateClosing)
			_ = c.st.CloseWrite()
			c.abortSends()
			return
		}
	}
}

// abortSends empties the queue and stops accepting further sends.
func (c *Conn) abortSends() {
	c.mu.Lock()
	c.sendClosed = true
	c.queue = nil
	c.writing = false
	c.sendIdle.Broadcast()
	c.mu.Unlock()
}

// waitSendsIdle blocks until no drain goroutine is active and the queue
// is empty. The caller bounds the wait by arming a stream deadline so a
// stuck write cannot park shutdown forever.
func (c *Conn) waitSendsIdle() {
	c.mu.Lock()
	for c.writing || len(c.queue) > 0 {
		c.sendIdle.Wait()
	}
	c.mu.Unlock()
}

// Run drives the connection after a successful handshake: it fires the
// open handler, then reads frames until error or peer close, spawning
// the message handler for each complete message. The close handler runs
// exactly once on the way out.
func (c *Conn) Run(ctx context.Context) {
	c.state.Store(StateOpen)
	handle := &Handle{conn: c}

	remote := c.st.RemoteAddr()
	c.logger.Debug("websocket connection open", "remote", remote)

	if c.handlers.Open != nil {
		c.handlers.Open(ctx, handle)
	}

	br := bufio.NewReader(c.r)

	// A fragmented message accumulates here until its FIN frame.
	var assembled []byte
	var assembledOp byte

	for {
		f, err := readFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("websocket read failed", "remote", remote, "error", err)
			}
			c.shutdown(ctx, handle)
			return
		}

		switch f.opcode {
		case opPing:
			c.enqueue(sendItem{opcode: opPong, payload: f.payload})
		case opPong:
			// Unsolicited pongs are ignored.
		case opClose:
			c.state.CompareAndSwap(StateOpen, StateClosing)
			c.enqueue(sendItem{opcode: opClose, payload: f.payload})
			c.shutdown(ctx, handle)
			return
		case opText, opBinary:
			if !f.fin {
				assembledOp = f.opcode
				assembled = append(assembled[:0], f.payload...)
				continue
			}
			c.dispatch(ctx, handle, f.opcode, f.payload)
		case opContinuation:
			assembled = append(assembled, f.payload...)
			if !f.fin {
				continue
			}
			payload := make([]byte, len(assembled))
			copy(payload, assembled)
			assembled = assembled[:0]
			c.dispatch(ctx, handle, assembledOp, payload)
		default:
			c.logger.Debug("websocket unknown opcode", "opcode", f.opcode)
			c.shutdown(ctx, handle)
			return
		}
	}
}

// dispatch runs the message handler concurrently with the reader.
func (c *Conn) dispatch(ctx context.Context, handle *Handle, opcode byte, payload []byte) {
	if c.messages != nil {
		c.messages.Inc()
	}
	if c.handlers.Message == nil {
		return
	}
	kind := TextMessage
	if opcode == opBinary {
		kind = BinaryMessage
	}
	go c.handlers.Message(ctx, handle, Message{Payload: payload, Kind: kind})
}

// shutdown fires the close handler once, lets queued frames (including
// a pending close echo) flush, and tears the connection down.
func (c *Conn) shutdown(ctx context.Context, handle *Handle) {
	c.closeOnce.Do(func() {
		if c.handlers.Close != nil {
			c.handlers.Close(ctx, handle)
		}
		c.st.ExpiresAfter(5 * time.Second)
		c.waitSendsIdle()
		c.state.Store(StateClosed)
		c.abortSends()
		_ = c.st.Close()
	})
}
