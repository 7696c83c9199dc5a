package agent

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// reconnectDelay is the fixed delay the relay client waits before
// retrying a lost connection. Spec §4.2 mandates a fixed delay here,
// not the exponential backoff this domain uses for other reconnecting
// clients — see DESIGN.md's Open Question notes.
const reconnectDelay = 5 * time.Second

// heartbeatInterval is how often the relay client emits an
// application-level ping while the socket is open.
const heartbeatInterval = 30 * time.Second

// Handler is invoked for every frame the relay client receives, in
// registration order. A handler that panics or returns is isolated from
// the others by RelayClient's dispatch loop.
type Handler func(protocol.Envelope)

// RelayClient maintains exactly one live connection to one relay URL
// identified by one AgentIdentity (spec §4.2). Send returns false when
// the socket is not currently open; nothing is ever queued across a
// disconnect.
type RelayClient struct {
	relayURL string
	identity string
	version  string
	logger   *zap.Logger

	mu      sync.RWMutex
	ws      *websocket.Conn
	open    bool
	writeMu sync.Mutex

	handlers   []Handler
	handlersMu sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRelayClient constructs a client for one AgentIdentity against one
// relay URL. Call Run to start connecting.
func NewRelayClient(relayURL, identity, version string, logger *zap.Logger) *RelayClient {
	return &RelayClient{
		relayURL: relayURL,
		identity: identity,
		version:  version,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnFrame registers a handler invoked for every inbound frame.
func (c *RelayClient) OnFrame(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Run connects and reconnects indefinitely until ctx is cancelled or
// Stop is called. It blocks the calling goroutine.
func (c *RelayClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("agent: relay connect failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop cancels any pending reconnect and closes the current socket with
// a normal closure code, clearing state.
func (c *RelayClient) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
	}
	c.open = false
}

// Send writes frame e to the socket, blocking until the write completes.
// Returns false without writing when the socket is not currently OPEN,
// and false when the write fails.
func (c *RelayClient) Send(e protocol.Envelope) bool {
	c.mu.RLock()
	ws, open := c.ws, c.open
	c.mu.RUnlock()
	if !open || ws == nil {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(e); err != nil {
		return false
	}
	return true
}

// connectOnce dials the relay, registers, runs the heartbeat, and reads
// frames until the connection drops. It returns when the socket closes.
func (c *RelayClient) connectOnce(ctx context.Context) error {
	dialURL := fmt.Sprintf("%s?type=agent&agentToken=%s", c.relayURL, url.QueryEscape(c.identity))
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.open = false
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	if !c.Send(protocol.AgentRegister(c.identity, c.version)) {
		return fmt.Errorf("failed to send agent_register")
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.runHeartbeat(heartbeatCtx)

	// The read loop below only returns once the socket fails, so
	// cancelling ctx closes the socket to end it.
	go func() {
		<-heartbeatCtx.Done()
		_ = ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		e, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			// Unparsable frames are dropped, not treated as a disconnect.
			continue
		}
		c.dispatch(e)
	}
}

// runHeartbeat emits ping{__heartbeat__} every heartbeatInterval while
// ctx is live. Active iff the socket is OPEN: Send itself no-ops once
// the socket drops, so this goroutine need not check state beyond ctx.
func (c *RelayClient) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(protocol.Heartbeat())
		}
	}
}

// dispatch invokes every registered handler, in registration order, for
// one inbound frame. A handler is expected not to panic; Go's runtime
// recover boundary here keeps one bad handler from aborting the rest.
func (c *RelayClient) dispatch(e protocol.Envelope) {
	c.handlersMu.RLock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invokeSafely(h, e)
	}
}

func (c *RelayClient) invokeSafely(h Handler, e protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("agent: frame handler panicked", zap.Any("recover", r))
		}
	}()
	h(e)
}
