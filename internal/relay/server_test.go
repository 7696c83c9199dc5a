package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)

	handler := NewRouter(ServerConfig{Registry: reg, Logger: zap.NewNop()})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, reg
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e protocol.Envelope
	if err := ws.ReadJSON(&e); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return e
}

func TestHappyPathPairing(t *testing.T) {
	server, _ := newTestServer(t)

	agentConn := dial(t, wsURL(server, "?type=agent&agentToken=A1"))
	if err := agentConn.WriteJSON(protocol.AgentRegister("A1", "0.1.0")); err != nil {
		t.Fatalf("write agent_register: %v", err)
	}
	reply := readFrame(t, agentConn)
	if reply.Type != protocol.TypeRegisterOK || len(reply.PairingCode) != 6 {
		t.Fatalf("expected register_ok with six-digit code, got %+v", reply)
	}
	code := reply.PairingCode

	mobileConn := dial(t, wsURL(server, "?type=mobile"))
	if err := mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeMobileConnect, PairingCode: code}); err != nil {
		t.Fatalf("write mobile_connect: %v", err)
	}
	sessionReply := readFrame(t, mobileConn)
	if sessionReply.Type != protocol.TypeSessionOK || sessionReply.SessionToken == "" {
		t.Fatalf("expected session_ok with a token, got %+v", sessionReply)
	}
}

func TestReconnectStability_SamePairingCode(t *testing.T) {
	server, _ := newTestServer(t)

	agentConn := dial(t, wsURL(server, "?type=agent&agentToken=A1"))
	agentConn.WriteJSON(protocol.AgentRegister("A1", "0.1.0"))
	first := readFrame(t, agentConn)
	agentConn.Close()

	agentConn2 := dial(t, wsURL(server, "?type=agent&agentToken=A1"))
	agentConn2.WriteJSON(protocol.AgentRegister("A1", "0.1.0"))
	second := readFrame(t, agentConn2)

	if second.PairingCode != first.PairingCode {
		t.Fatalf("expected stable pairing code across reconnects, got %q then %q", first.PairingCode, second.PairingCode)
	}
}

func TestMobileConnect_UnknownCode(t *testing.T) {
	server, _ := newTestServer(t)

	mobileConn := dial(t, wsURL(server, "?type=mobile"))
	mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeMobileConnect, PairingCode: "000000"})
	reply := readFrame(t, mobileConn)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected error frame for unknown pairing code, got %+v", reply)
	}
}

func TestMobileResume_UnknownToken_ClosesWithSessionExpired(t *testing.T) {
	server, _ := newTestServer(t)

	conn := dial(t, wsURL(server, "?type=mobile&sessionToken=does-not-exist"))
	reply := readFrame(t, conn)
	if reply.Type != protocol.TypeError || reply.Message != "Session expired — reconnect" {
		t.Fatalf("expected session-expired error, got %+v", reply)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeSessionExpired {
		t.Fatalf("expected close code %d, got %v", closeSessionExpired, err)
	}
}

func TestInvalidatePairing_RotatesAndNotifiesAgent(t *testing.T) {
	server, _ := newTestServer(t)

	agentConn := dial(t, wsURL(server, "?type=agent&agentToken=A1"))
	agentConn.WriteJSON(protocol.AgentRegister("A1", "0.1.0"))
	registerReply := readFrame(t, agentConn)
	oldCode := registerReply.PairingCode

	mobileConn := dial(t, wsURL(server, "?type=mobile"))
	mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeMobileConnect, PairingCode: oldCode})
	sessionReply := readFrame(t, mobileConn)
	token := sessionReply.SessionToken

	mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeInvalidatePairing, SessionID: token})

	rotated := readFrame(t, agentConn)
	if rotated.Type != protocol.TypeRegisterOK || rotated.PairingCode == oldCode {
		t.Fatalf("expected rotated register_ok on the agent socket, got %+v", rotated)
	}

	retryConn := dial(t, wsURL(server, "?type=mobile"))
	retryConn.WriteJSON(protocol.Envelope{Type: protocol.TypeMobileConnect, PairingCode: oldCode})
	retryReply := readFrame(t, retryConn)
	if retryReply.Type != protocol.TypeError {
		t.Fatalf("expected old pairing code to be rejected, got %+v", retryReply)
	}
}

func TestMobileToAgentFrame_SessionIDAlwaysStamped(t *testing.T) {
	server, _ := newTestServer(t)

	agentConn := dial(t, wsURL(server, "?type=agent&agentToken=A1"))
	agentConn.WriteJSON(protocol.AgentRegister("A1", "0.1.0"))
	registerReply := readFrame(t, agentConn)

	mobileConn := dial(t, wsURL(server, "?type=mobile"))
	mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeMobileConnect, PairingCode: registerReply.PairingCode})
	sessionReply := readFrame(t, mobileConn)
	token := sessionReply.SessionToken

	mobileConn.WriteJSON(protocol.Envelope{Type: protocol.TypeChatMessage, SessionID: "forged-value", Text: "hi"})

	delivered := readFrame(t, agentConn)
	if delivered.Type != protocol.TypeChatMessage || delivered.SessionID != token {
		t.Fatalf("expected sessionId stamped to %q regardless of mobile-supplied value, got %+v", token, delivered)
	}
}
