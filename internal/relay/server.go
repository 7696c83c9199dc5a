package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// closeUnknownClassification and closeSessionExpired are the two fatal
// WebSocket close codes the control plane defines beyond the standard
// range (§4.1).
const (
	closeUnknownClassification = 4000
	closeSessionExpired        = 4001
)

// upgrader performs the HTTP -> WebSocket handshake. Origin checking is
// left to a fronting reverse proxy, matching this domain's own
// convention for edge-terminated WebSocket services.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerConfig configures NewRouter.
type ServerConfig struct {
	Registry *Registry
	Logger   *zap.Logger
}

// NewRouter builds the relay's HTTP surface: the single /ws upgrade
// endpoint and a liveness probe for process supervisors.
func NewRouter(cfg ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleUpgrade(cfg, w, r)
	})

	return r
}

func handleUpgrade(cfg ServerConfig, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("type")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cfg.Logger.Warn("relay: upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws, cfg.Logger)

	switch kind {
	case "agent":
		identity := q.Get("agentToken")
		if identity == "" {
			closeWith(conn, closeUnknownClassification, "missing agentToken")
			return
		}
		serveAgent(cfg, conn, identity)

	case "mobile":
		if token := q.Get("sessionToken"); token != "" {
			serveMobileResume(cfg, conn, token)
			return
		}
		serveMobilePairing(cfg, conn)

	default:
		closeWith(conn, closeUnknownClassification, "unknown connection type")
	}
}

// closeWith sends a close frame through WriteControl, which
// gorilla/websocket allows concurrently with writePump, then closes.
func closeWith(conn *Conn, code int, reason string) {
	_ = conn.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}

// serveAgent implements the AGENT_CONNECTED -> AGENT_REGISTERED agent
// state machine of §4.1. The frame dispatch loop below plays the role of
// AGENT_REGISTERED for the remainder of the connection's life.
func serveAgent(cfg ServerConfig, conn *Conn, identity string) {
	logger := cfg.Logger.With(zap.String("agent_identity", identity))

	onFrame := func(e protocol.Envelope) {
		switch e.Type {
		case protocol.TypeAgentRegister:
			code, err := cfg.Registry.RegisterAgent(identity, conn)
			if err != nil {
				conn.Send(protocol.ErrorFrame("", err.Error()))
				return
			}
			conn.Send(protocol.RegisterOK(code))

		default:
			// Every other inbound frame from an agent bears a sessionId
			// and is routed to that session's live mobile socket.
			cfg.Registry.routeAgentFrame(e)
		}
	}
	onClose := func() {
		cfg.Registry.DisconnectAgent(identity)
		logger.Info("relay: agent disconnected")
	}
	conn.Serve(onFrame, onClose)
}

// serveMobileResume handles a returning mobile presenting a previously
// issued SessionToken (the CLOSED -> PAIRED reopen path of §4.1).
func serveMobileResume(cfg ServerConfig, conn *Conn, token string) {
	if !cfg.Registry.SessionExists(token) {
		// Serve has not started, so no writePump would drain conn.Send;
		// the error frame is written directly ahead of the close frame.
		_ = conn.ws.WriteJSON(protocol.ErrorFrame(token, "Session expired — reconnect"))
		closeWith(conn, closeSessionExpired, "session expired")
		return
	}
	cfg.Registry.ResumeSession(token, conn)
	servePaired(cfg, conn, token)
}

// serveMobilePairing implements the mobile state machine of §4.1 for a
// fresh pairing candidate: PAIR_WAIT (awaiting mobile_connect) then
// PAIRED (frames validated, stamped, and forwarded). Both states are
// handled by one onFrame closure since readPump invokes it sequentially
// from a single goroutine — the sessionToken variable below needs no
// lock. PAIR_WAIT is bounded by the tighter pairingIdleTimeout rather
// than the blanket silenceTimeout, so a candidate socket that sends no
// frame for 60s is closed instead of after 90s; every frame it does send
// re-arms that deadline, and it widens back once pairing succeeds.
func serveMobilePairing(cfg ServerConfig, conn *Conn) {
	var sessionToken string
	conn.SetIdleTimeout(pairingIdleTimeout)

	onFrame := func(e protocol.Envelope) {
		if sessionToken == "" {
			if e.Type != protocol.TypeMobileConnect {
				return // PAIR_WAIT ignores anything but mobile_connect
			}
			token, ok := cfg.Registry.Pair(e.PairingCode, conn, func() string { return uuid.NewString() })
			if !ok {
				conn.Send(protocol.ErrorFrame("", "Invalid or expired pairing code"))
				return
			}
			conn.Send(protocol.SessionOK(token))
			sessionToken = token
			conn.SetIdleTimeout(silenceTimeout)
			return
		}
		dispatchPairedFrame(cfg, conn, sessionToken, e)
	}

	onClose := func() {
		if sessionToken != "" {
			cfg.Registry.DisconnectMobile(sessionToken)
		}
	}

	conn.Serve(onFrame, onClose)
}

// serveMobileResume's PAIRED loop: the session already exists, so every
// frame goes straight through dispatchPairedFrame.
func servePaired(cfg ServerConfig, conn *Conn, token string) {
	onClose := func() { cfg.Registry.DisconnectMobile(token) }
	conn.Serve(func(e protocol.Envelope) {
		dispatchPairedFrame(cfg, conn, token, e)
	}, onClose)
}

// dispatchPairedFrame implements the PAIRED state: invalidate_pairing is
// intercepted, everything else is stamped with token and forwarded to
// the bound agent.
func dispatchPairedFrame(cfg ServerConfig, conn *Conn, token string, e protocol.Envelope) {
	if e.Type == protocol.TypeInvalidatePairing {
		newCode, identity, agentConn, ok := cfg.Registry.Invalidate(token)
		if ok {
			if agentConn != nil {
				agentConn.Send(protocol.RegisterOK(newCode))
			}
			cfg.Logger.Info("relay: pairing invalidated",
				zap.String("agent_identity", identity),
				zap.String("new_pairing_code", newCode))
		}
		closeWith(conn, 1000, "invalidated")
		return
	}
	cfg.Registry.routeMobileFrame(token, e)
}
