package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(42, time.Hour)
	userID, err := a.Verify(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != 42 {
		t.Fatalf("userID = %d, want 42", userID)
	}
}

func TestVerifyExpired(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(42, -time.Minute)
	if _, err := a.Verify(tok); err != ErrExpired {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(42, time.Hour) + "x"
	if _, err := a.Verify(tok); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(42, time.Hour)
	other := NewTokenAuthenticator([]byte("different"))
	if _, err := other.Verify(tok); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestAuthenticateBearerHeader(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(7, time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	userID, ok := a.Authenticate(r)
	if !ok || userID != 7 {
		t.Fatalf("Authenticate = (%d, %v), want (7, true)", userID, ok)
	}
}

func TestAuthenticateWebSocketQueryParam(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(9, time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/ws/pages/abc/?authtoken="+tok, nil)
	r.Header.Set("Upgrade", "websocket")
	userID, ok := a.Authenticate(r)
	if !ok || userID != 9 {
		t.Fatalf("Authenticate = (%d, %v), want (9, true)", userID, ok)
	}
}

func TestAuthenticateQueryParamRejectedWithoutUpgrade(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	tok := a.Issue(9, time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/api/pages/?authtoken="+tok, nil)
	if _, ok := a.Authenticate(r); ok {
		t.Fatal("expected authtoken query param to be rejected on a non-upgrade request")
	}
}

func TestAuthenticateNoCredential(t *testing.T) {
	a := NewTokenAuthenticator([]byte("secret"))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := a.Authenticate(r); ok {
		t.Fatal("expected no credential to fail authentication")
	}
}

func TestRandTokenLength(t *testing.T) {
	tok := RandToken(16)
	if len(tok) != 32 {
		t.Fatalf("len(RandToken(16)) = %d, want 32", len(tok))
	}
}
