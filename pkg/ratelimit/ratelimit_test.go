package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestCheckAndIncrementAllowsUpToLimit exercises spec §8 scenario 2: with
// limit=5, the first 5 calls are allowed and the 6th is not.
func TestCheckAndIncrementAllowsUpToLimit(t *testing.T) {
	s := NewMemoryStore()
	key := WSUserKey(42)
	for i := 1; i <= 5; i++ {
		res, err := s.CheckAndIncrement(context.Background(), key, 5, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed, got count=%d limit=%d", i, res.Count, res.Limit)
		}
	}
	res, err := s.CheckAndIncrement(context.Background(), key, 5, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatalf("6th call should be denied, got count=%d", res.Count)
	}
	if res.Count != 6 {
		t.Fatalf("count should still increment past the limit, got %d", res.Count)
	}
}

func TestCheckAndIncrementResetsAfterWindow(t *testing.T) {
	s := NewMemoryStore()
	key := "ws_rate_user_1"
	res, err := s.CheckAndIncrement(context.Background(), key, 1, 10*time.Millisecond)
	if err != nil || !res.Allowed {
		t.Fatalf("first call should be allowed: %v %+v", err, res)
	}
	res, err = s.CheckAndIncrement(context.Background(), key, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("second call within window should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	res, err = s.CheckAndIncrement(context.Background(), key, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("call after the window rolls over should be allowed again")
	}
	if res.Count != 1 {
		t.Fatalf("counter should reset to 1 on a fresh window, got %d", res.Count)
	}
}

func TestCheckAndIncrementKeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	res, _ := s.CheckAndIncrement(context.Background(), WSUserKey(1), 1, time.Minute)
	if !res.Allowed {
		t.Fatal("first key's first call should be allowed")
	}
	res, _ = s.CheckAndIncrement(context.Background(), WSUserKey(2), 1, time.Minute)
	if !res.Allowed {
		t.Fatal("a distinct key must have its own independent counter")
	}
}

type alwaysErrStore struct{}

func (alwaysErrStore) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return Result{}, errors.New("backing store unavailable")
}

// TestFailOpenAllowsOnError is spec §4.C's documented fail-open policy: an
// unavailable backing store must not block admission.
func TestFailOpenAllowsOnError(t *testing.T) {
	f := FailOpen{Store: alwaysErrStore{}}
	res, err := f.CheckAndIncrement(context.Background(), "any", 1, time.Minute)
	if err != nil {
		t.Fatalf("FailOpen must swallow the backing error, got %v", err)
	}
	if !res.Allowed {
		t.Fatal("FailOpen must allow when the backing store errors")
	}
}

func TestKeyScoping(t *testing.T) {
	cases := map[string]string{
		WSUserKey(42):     "ws_rate_user_42",
		WSIPKey("1.2.3.4"): "ws_rate_ip_1.2.3.4",
		AskUserKey(7):      "ask_user_7",
		UploadUserKey(7):   "upload_user_7",
		InviteUserKey(7):   "ext_invite_user_7",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got key %q, want %q", got, want)
		}
	}
}

func TestTokenBucketAdmitterBurst(t *testing.T) {
	a := NewTokenBucketAdmitter(1, 2)
	if !a.Allow("k") {
		t.Fatal("first token in burst should be allowed")
	}
	if !a.Allow("k") {
		t.Fatal("second token in burst should be allowed")
	}
	if a.Allow("k") {
		t.Fatal("third immediate call should exhaust the burst")
	}
}
