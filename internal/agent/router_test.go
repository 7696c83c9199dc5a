package agent

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// recordingSender is safe for concurrent Send calls: FrameRouter now runs
// pipeline invocations on their own goroutine, so tests observe emitted
// frames through a channel rather than a plain slice.
type recordingSender struct {
	sent chan protocol.Envelope
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan protocol.Envelope, 8)}
}

func (s *recordingSender) Send(e protocol.Envelope) bool {
	s.sent <- e
	return true
}

func (s *recordingSender) waitForFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case e := <-s.sent:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame from the router")
		return protocol.Envelope{}
	}
}

func TestFrameRouter_RegisterOKShowsPairingCodeOnce(t *testing.T) {
	sender := newRecordingSender()
	router := NewFrameRouter(sender, nil, NewPairingDisplay("wss://relay.example"), zap.NewNop())

	router.Handle(protocol.Envelope{Type: protocol.TypeRegisterOK, PairingCode: "123456"})
	router.Handle(protocol.Envelope{Type: protocol.TypeRegisterOK, PairingCode: "654321"})

	if !router.shown {
		t.Fatal("expected shown to be set after the first register_ok")
	}
}

func TestFrameRouter_UnknownTypeDoesNotPanic(t *testing.T) {
	sender := newRecordingSender()
	router := NewFrameRouter(sender, nil, NewPairingDisplay("wss://relay.example"), zap.NewNop())

	router.Handle(protocol.Envelope{Type: "something_unrecognized"})
}

func TestFrameRouter_RepoListDispatchesToPipeline(t *testing.T) {
	sender := newRecordingSender()
	forge := NewForgeClient("http://127.0.0.1:0", "tok")
	pipeline := NewPipeline("claude", nil, forge, zap.NewNop())
	router := NewFrameRouter(sender, pipeline, NewPairingDisplay("wss://relay.example"), zap.NewNop())

	router.Handle(protocol.Envelope{Type: protocol.TypeRepoList, SessionID: "sess-1"})

	got := sender.waitForFrame(t)
	if got.Type != protocol.TypeError {
		t.Fatalf("expected a single error frame from the unreachable forge, got %+v", got)
	}
}

func TestFrameRouter_RepoListRunsConcurrentlyAcrossSessions(t *testing.T) {
	sender := newRecordingSender()
	forge := NewForgeClient("http://127.0.0.1:0", "tok")
	pipeline := NewPipeline("claude", nil, forge, zap.NewNop())
	router := NewFrameRouter(sender, pipeline, NewPairingDisplay("wss://relay.example"), zap.NewNop())

	// Handle must return immediately for both sessions even though each
	// pipeline run blocks on a network call to an unreachable forge; if
	// dispatch were synchronous the second Handle call would not start
	// until the first pipeline run returned.
	done := make(chan struct{})
	go func() {
		router.Handle(protocol.Envelope{Type: protocol.TypeRepoList, SessionID: "sess-1"})
		close(done)
	}()
	router.Handle(protocol.Envelope{Type: protocol.TypeRepoList, SessionID: "sess-2"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked instead of dispatching asynchronously")
	}

	first := sender.waitForFrame(t)
	second := sender.waitForFrame(t)
	seen := map[string]bool{first.SessionID: true, second.SessionID: true}
	if !seen["sess-1"] || !seen["sess-2"] {
		t.Fatalf("expected frames for both sessions, got %+v and %+v", first, second)
	}
}
