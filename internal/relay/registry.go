// Package relay implements the Relay Registry: the single logical
// instance that terminates every WebSocket connection, runs the pairing
// state machine, and multiplexes frames between one agent and N mobile
// sessions bound to it.
package relay

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// pairingIdleTimeout bounds how long a pairing candidate mobile socket
// in PAIR_WAIT may go without sending any frame before the relay closes
// it (§4.1); each frame it sends re-arms the bound. The mobile separately imposes its own 15s
// wall-clock bound and closes on its own if it gives up first; this is
// the relay's own backstop, applied in place of the looser
// silenceTimeout below for as long as the socket has no bound session.
const pairingIdleTimeout = 60 * time.Second

// silenceTimeout closes any socket that produces no frames for this long.
const silenceTimeout = 90 * time.Second

// AgentEntry is the relay-side record of one registered agent. The Conn
// field is cleared on disconnect but the entry itself is retained so the
// pairing code survives brief agent outages.
type AgentEntry struct {
	Identity    string
	Conn        *Conn
	PairingCode string
	ConnectedAt time.Time
}

// Session is the relay-side record created on successful pairing. Conn
// is nil while the mobile is not actively connected.
type Session struct {
	Token       string
	Identity    string
	PairingCode string
	Conn        *Conn
}

// Registry owns every lookup table in §3 of the control-plane
// specification. All mutation is serialized onto a single goroutine
// (Run) reached through the do method, following the same single-writer
// discipline as this domain's own hub/event-loop pattern: no table is
// ever touched from more than one goroutine at a time.
type Registry struct {
	logger *zap.Logger

	agents            map[string]*AgentEntry // AgentIdentity -> entry
	pairingToIdentity map[string]string       // PairingCode -> AgentIdentity
	identityToPairing map[string]string       // AgentIdentity -> PairingCode
	sessions          map[string]*Session     // SessionToken -> session
	sessionToPairing  map[string]string       // SessionToken -> originating PairingCode

	cmds chan func()
}

// NewRegistry creates an idle Registry. Call Run in a goroutine before
// using it.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:            logger,
		agents:            make(map[string]*AgentEntry),
		pairingToIdentity: make(map[string]string),
		identityToPairing: make(map[string]string),
		sessions:          make(map[string]*Session),
		sessionToPairing:  make(map[string]string),
		cmds:              make(chan func(), 64),
	}
}

// Run is the registry's single-writer event loop. It must be called
// exactly once, in its own goroutine, and runs until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-ctx.Done():
			return
		}
	}
}

// do submits fn to the registry's event loop and blocks until it has
// run. Every table mutation goes through do so that register, pair, and
// invalidate are atomic with respect to each other, as required by §5.
func (r *Registry) do(fn func()) {
	done := make(chan struct{})
	r.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// RegisterAgent handles agent_register for AgentIdentity identity on
// conn. It returns the PairingCode to reply with — freshly minted on
// first registration, reused (never rotated) on every subsequent one.
func (r *Registry) RegisterAgent(identity string, conn *Conn) (pairingCode string, err error) {
	r.do(func() {
		entry, ok := r.agents[identity]
		if !ok {
			code, genErr := r.generateUniqueCode()
			if genErr != nil {
				err = genErr
				return
			}
			entry = &AgentEntry{Identity: identity, PairingCode: code}
			r.agents[identity] = entry
			r.pairingToIdentity[code] = identity
			r.identityToPairing[identity] = code
		}
		// New registration for the same identity displaces the old
		// socket association but preserves the pairing code.
		entry.Conn = conn
		entry.ConnectedAt = time.Now()
		pairingCode = entry.PairingCode
	})
	return pairingCode, err
}

// DisconnectAgent clears the live socket for identity without touching
// the pairing code or any bound sessions.
func (r *Registry) DisconnectAgent(identity string) {
	r.do(func() {
		if entry, ok := r.agents[identity]; ok {
			entry.Conn = nil
		}
	})
}

// pairResult is the outcome of a mobile_connect attempt.
type pairResult struct {
	token string
	ok    bool
}

// Pair handles mobile_connect{pairingCode}. On success it mints a fresh
// SessionToken, records every mapping, and binds conn as the session's
// live mobile socket.
func (r *Registry) Pair(pairingCode string, conn *Conn, newToken func() string) (token string, ok bool) {
	var res pairResult
	r.do(func() {
		identity, known := r.pairingToIdentity[pairingCode]
		if !known {
			res = pairResult{ok: false}
			return
		}
		tok := newToken()
		r.sessions[tok] = &Session{
			Token:       tok,
			Identity:    identity,
			PairingCode: pairingCode,
			Conn:        conn,
		}
		r.sessionToPairing[tok] = pairingCode
		res = pairResult{token: tok, ok: true}
	})
	return res.token, res.ok
}

// ResumeSession rebinds an already-paired SessionToken to a new mobile
// socket (reconnect). It does not touch the Session's identity/pairing
// binding, only the live-socket pointer.
func (r *Registry) ResumeSession(token string, conn *Conn) bool {
	found := false
	r.do(func() {
		if sess, ok := r.sessions[token]; ok {
			sess.Conn = conn
			found = true
		}
	})
	return found
}

// DisconnectMobile clears the live socket for a session token without
// destroying the session itself.
func (r *Registry) DisconnectMobile(token string) {
	r.do(func() {
		if sess, ok := r.sessions[token]; ok {
			sess.Conn = nil
		}
	})
}

// invalidateResult carries the rotated code and the agent connection (if
// live) that must be notified of it.
type invalidateResult struct {
	newCode  string
	identity string
	agent    *Conn
	ok       bool
}

// Invalidate handles invalidate_pairing{sessionId}. It tears down the
// session and its originating pairing code, mints a replacement code for
// the same agent identity, and reports whether the agent is currently
// live so the caller can push register_ok{C'} to it.
func (r *Registry) Invalidate(token string) (newCode, identity string, agentConn *Conn, ok bool) {
	var res invalidateResult
	var genErr error
	r.do(func() {
		sess, known := r.sessions[token]
		if !known {
			res = invalidateResult{}
			return
		}
		delete(r.sessions, token)
		delete(r.sessionToPairing, token)
		delete(r.pairingToIdentity, sess.PairingCode)

		code, err := r.generateUniqueCode()
		if err != nil {
			genErr = err
			return
		}
		r.pairingToIdentity[code] = sess.Identity
		r.identityToPairing[sess.Identity] = code
		if entry, ok := r.agents[sess.Identity]; ok {
			entry.PairingCode = code
			res = invalidateResult{newCode: code, identity: sess.Identity, agent: entry.Conn, ok: true}
		} else {
			res = invalidateResult{newCode: code, identity: sess.Identity, ok: true}
		}
	})
	if genErr != nil {
		return "", "", nil, false
	}
	return res.newCode, res.identity, res.agent, res.ok
}

// AgentConnFor returns the live socket for the given AgentIdentity, or
// nil if the agent is not currently connected.
func (r *Registry) AgentConnFor(identity string) *Conn {
	var conn *Conn
	r.do(func() {
		if entry, ok := r.agents[identity]; ok {
			conn = entry.Conn
		}
	})
	return conn
}

// MobileConnFor returns the live socket bound to a SessionToken, or nil.
func (r *Registry) MobileConnFor(token string) *Conn {
	var conn *Conn
	r.do(func() {
		if sess, ok := r.sessions[token]; ok {
			conn = sess.Conn
		}
	})
	return conn
}

// IdentityForSession returns the AgentIdentity bound to a SessionToken.
func (r *Registry) IdentityForSession(token string) (string, bool) {
	var identity string
	var ok bool
	r.do(func() {
		sess, found := r.sessions[token]
		if found {
			identity, ok = sess.Identity, true
		}
	})
	return identity, ok
}

// SessionExists reports whether token currently names a live session.
func (r *Registry) SessionExists(token string) bool {
	var ok bool
	r.do(func() { _, ok = r.sessions[token] })
	return ok
}

// generateUniqueCode draws a uniformly random six-digit code and retries
// on collision with an existing live code. Must only be called from
// within do (the event-loop goroutine) since it reads r.pairingToIdentity
// directly.
func (r *Registry) generateUniqueCode() (string, error) {
	for i := 0; i < 100; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		code := fmt.Sprintf("%06d", n.Int64())
		if _, taken := r.pairingToIdentity[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate pairing code: exhausted retries")
}

// routeAgentFrame forwards a frame from identity's agent to the mobile
// socket bound to the frame's SessionID, dropping it silently if no such
// socket is live (§3 invariant: forwarded agent->mobile frames must
// carry a sessionId equal to a currently-live SessionToken).
func (r *Registry) routeAgentFrame(e protocol.Envelope) {
	if e.SessionID == "" {
		return
	}
	conn := r.MobileConnFor(e.SessionID)
	if conn == nil {
		return
	}
	conn.Send(e)
}

// routeMobileFrame stamps e with the SessionToken bound to fromToken —
// overwriting whatever sessionId the mobile supplied — and forwards it
// to the agent live socket for that session, dropping it silently if the
// agent is not currently connected.
func (r *Registry) routeMobileFrame(fromToken string, e protocol.Envelope) {
	identity, ok := r.IdentityForSession(fromToken)
	if !ok {
		return
	}
	e.SessionID = fromToken
	conn := r.AgentConnFor(identity)
	if conn == nil {
		return
	}
	conn.Send(e)
}
