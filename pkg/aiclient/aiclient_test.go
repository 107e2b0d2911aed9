package aiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, MaxElapsed: 2 * time.Second, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

// TestChatCompletionRetriesOnRateLimit exercises spec §5's retry-with-
// backoff contract for outbound chat-completion calls: a 429 response is
// retried rather than surfaced immediately.
func TestChatCompletionRetriesOnRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Retry: fastRetryPolicy()}
	cred := Credential{Provider: "openai", APIKey: "k", Model: "m", ChatURL: srv.URL}
	answer, err := c.ChatCompletion(context.Background(), cred, []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got error: %v", err)
	}
	if answer != "ok" {
		t.Fatalf("got answer %q, want %q", answer, "ok")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly 3 attempts (2 failures + 1 success), got %d", calls)
	}
}

// TestChatCompletionGivesUpAfterMaxAttempts verifies the attempt-count cap:
// a persistently rate-limited endpoint must not retry forever.
func TestChatCompletionGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := fastRetryPolicy()
	c := &Client{HTTPClient: srv.Client(), Retry: policy}
	cred := Credential{Provider: "openai", APIKey: "k", Model: "m", ChatURL: srv.URL}
	_, err := c.ChatCompletion(context.Background(), cred, []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if int(atomic.LoadInt32(&calls)) != policy.MaxAttempts {
		t.Fatalf("expected exactly MaxAttempts=%d calls, got %d", policy.MaxAttempts, calls)
	}
}

// TestEmbeddingDoesNotRetryOnClientError checks that a non-retryable 4xx
// (not 429) surfaces immediately without burning through the retry budget.
func TestEmbeddingDoesNotRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), Retry: fastRetryPolicy()}
	cred := Credential{Provider: "openai", APIKey: "k", Model: "m", EmbeddingURL: srv.URL}
	_, err := c.Embedding(context.Background(), cred, "text")
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if calls != 1 {
		t.Fatalf("a non-retryable 4xx must not be retried, got %d calls", calls)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if isRetryable(&retryableStatusError{status: http.StatusBadRequest}) {
		t.Fatal("400 must not be retryable")
	}
	if !isRetryable(&retryableStatusError{status: http.StatusTooManyRequests}) {
		t.Fatal("429 must be retryable")
	}
	if !isRetryable(&retryableStatusError{status: http.StatusServiceUnavailable}) {
		t.Fatal("503 must be retryable")
	}
	if !isRetryable(context.DeadlineExceeded) {
		t.Fatal("a context deadline exceeded error must be retryable")
	}
}
