package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

const (
	// writeWait bounds how long a single frame write may take before the
	// connection is considered dead.
	writeWait = 10 * time.Second

	// maxMessageSize is generous since frames carry streamed subprocess
	// output (stream_chunk text), unlike control-only sockets.
	maxMessageSize = 1 << 20

	// sendBufferSize is the outbound channel depth; a peer slower than
	// this is disconnected rather than allowed to backpressure the rest
	// of the registry (spec §9: backpressure is ignored by design).
	sendBufferSize = 64
)

// Conn wraps one upgraded WebSocket connection. Once Serve has started,
// only writePump writes data frames to the underlying conn, matching
// gorilla/websocket's single-writer requirement; close frames go through
// WriteControl (see closeWith), which that library allows concurrently.
// Before Serve starts, the rejection paths in server.go write directly.
type Conn struct {
	ws     *websocket.Conn
	send   chan protocol.Envelope
	logger *zap.Logger

	// idleTimeout is the read-deadline duration reapplied after every
	// frame. It defaults to silenceTimeout but is tightened to
	// pairingIdleTimeout for a mobile socket still in PAIR_WAIT and
	// widened back once pairing succeeds. Only ever touched from
	// readPump's own goroutine (directly, or via SetIdleTimeout called
	// from within onFrame), so it needs no lock.
	idleTimeout time.Duration

	// onFrame is invoked from readPump for every frame successfully
	// decoded off the wire. Malformed JSON is dropped before reaching it.
	onFrame func(protocol.Envelope)

	// onClose is invoked once readPump exits, regardless of cause.
	onClose func()
}

// NewConn wraps an already-upgraded *websocket.Conn.
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ws:          ws,
		send:        make(chan protocol.Envelope, sendBufferSize),
		logger:      logger,
		idleTimeout: silenceTimeout,
	}
}

// SetIdleTimeout overrides the read-deadline duration applied after every
// subsequent frame and immediately re-arms the deadline with it. Callers
// must only invoke this from within the onFrame callback (or before Serve
// starts), since it touches the same state readPump's own goroutine owns.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
}

// Serve installs the frame and close callbacks and blocks running the
// read and write pumps until the connection closes. ping/pong in this
// protocol are application-level JSON frames (see protocol.TypePing),
// not WebSocket control frames, since the relay must be able to forward
// a heartbeat to the counterparty rather than answer it itself — the
// relay still applies the connection-dead timer below independently of
// any application heartbeat.
func (c *Conn) Serve(onFrame func(protocol.Envelope), onClose func()) {
	c.onFrame = onFrame
	c.onClose = onClose
	go c.writePump()
	c.readPump()
}

// Send enqueues e for delivery. It never blocks the caller beyond the
// channel send; a full buffer closes the connection (slow-consumer
// disconnect) instead of applying backpressure to the sender.
func (c *Conn) Send(e protocol.Envelope) {
	select {
	case c.send <- e:
	default:
		c.logger.Warn("relay: send buffer full, dropping connection")
		c.Close()
	}
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() {
	_ = c.ws.Close()
}

func (c *Conn) readPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose()
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Any successfully read frame resets the connection-dead timer —
		// the relay's own liveness signal is any traffic at all, not just
		// application pings.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

		e, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			// Malformed JSON is silently dropped per §4.1.
			continue
		}
		if c.onFrame != nil {
			c.onFrame(e)
		}
	}
}

func (c *Conn) writePump() {
	defer c.ws.Close()

	for e := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.ws.WriteJSON(e); err != nil {
			c.logger.Warn("relay: write error", zap.Error(err))
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}
