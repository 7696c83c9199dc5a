package relay

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	return reg
}

func TestRegisterAgent_CodeStableAcrossReconnects(t *testing.T) {
	reg := newTestRegistry(t)

	code1, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code1) != 6 {
		t.Fatalf("expected six-digit pairing code, got %q", code1)
	}

	reg.DisconnectAgent("A1")

	code2, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code2 != code1 {
		t.Fatalf("expected stable pairing code, got %q then %q", code1, code2)
	}
}

func TestPair_UnknownCodeFails(t *testing.T) {
	reg := newTestRegistry(t)

	_, ok := reg.Pair("000000", nil, func() string { return "tok" })
	if ok {
		t.Fatal("expected pairing with unknown code to fail")
	}
}

func TestPair_Success(t *testing.T) {
	reg := newTestRegistry(t)

	code, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, ok := reg.Pair(code, nil, func() string { return "session-token-1" })
	if !ok {
		t.Fatal("expected pairing to succeed")
	}
	if token != "session-token-1" {
		t.Fatalf("expected minted token to be returned, got %q", token)
	}

	identity, found := reg.IdentityForSession(token)
	if !found || identity != "A1" {
		t.Fatalf("expected session bound to A1, got %q (found=%v)", identity, found)
	}
}

func TestInvalidate_RotatesCodeAndRevokesOld(t *testing.T) {
	reg := newTestRegistry(t)

	oldCode, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, ok := reg.Pair(oldCode, nil, func() string { return "session-token-1" })
	if !ok {
		t.Fatal("expected pairing to succeed")
	}

	newCode, identity, _, ok := reg.Invalidate(token)
	if !ok {
		t.Fatal("expected invalidate to succeed")
	}
	if identity != "A1" {
		t.Fatalf("expected identity A1, got %q", identity)
	}
	if newCode == oldCode {
		t.Fatalf("expected rotated code to differ from %q", oldCode)
	}

	if reg.SessionExists(token) {
		t.Fatal("expected invalidated session to no longer exist")
	}

	if _, ok := reg.Pair(oldCode, nil, func() string { return "session-token-2" }); ok {
		t.Fatal("expected old pairing code to be rejected after invalidation")
	}

	if _, ok := reg.Pair(newCode, nil, func() string { return "session-token-3" }); !ok {
		t.Fatal("expected rotated pairing code to succeed")
	}
}

func TestRegisterAgent_DisplacesOldSocketButKeepsCode(t *testing.T) {
	reg := newTestRegistry(t)

	code, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	code2, err := reg.RegisterAgent("A1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code2 != code {
		t.Fatalf("re-registration must preserve the pairing code: %q != %q", code2, code)
	}
}
