// Package aiclient is the outbound HTTP client for the chat-completion
// and embedding APIs the ask pipeline and embedding worker call (spec
// §4.K). Credential handling is bearer-token-over-HTTP, built on
// golang.org/x/oauth2's static token source the way the teacher's
// pkg/importer/gphotos builds an authenticated *http.Client from a
// resolved token rather than hand-rolling header injection. Both outbound
// calls retry with exponential backoff on rate-limit and timeout errors,
// capped in total attempt count and total elapsed time (spec §5), the
// same jittered-backoff shape pkg/jobqueue uses for queued task retries.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// defaultEndpoints maps a credential's provider name to its chat and
// embedding endpoints when the credential row doesn't override one
// (providers are expected to be OpenAI-compatible chat/embeddings APIs).
var defaultEndpoints = map[string]struct{ Chat, Embedding string }{
	"openai":    {"https://api.openai.com/v1/chat/completions", "https://api.openai.com/v1/embeddings"},
	"anthropic": {"https://api.anthropic.com/v1/messages", ""},
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Credential is the minimal shape aiclient needs from model.AICredential.
type Credential struct {
	Provider string
	APIKey   string
	Model    string

	// ChatURL/EmbeddingURL override the provider default, for
	// self-hosted or proxy deployments.
	ChatURL      string
	EmbeddingURL string
}

// RetryPolicy bounds the retry-with-backoff wrapper around both outbound
// calls (spec §5: "capped in total attempt count and total elapsed time").
type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors pkg/jobqueue's backoff shape, scaled down
// for a synchronous request a user is waiting on: five attempts at most,
// bounded to 20 seconds of total elapsed wall time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MaxElapsed:  20 * time.Second,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    4 * time.Second,
	}
}

// Client talks to the configured provider's chat-completion and
// embedding endpoints.
type Client struct {
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// New returns a Client with a plain http.DefaultClient and the default
// retry policy; callers that need a custom transport (timeouts, proxies)
// set HTTPClient after construction.
func New() *Client {
	return &Client{HTTPClient: http.DefaultClient, Retry: DefaultRetryPolicy()}
}

// retryableStatusError is a chat/embedding HTTP response that the retry
// loop should treat as transient: 429 (rate limited) or any 5xx.
type retryableStatusError struct {
	status int
	body   []byte
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var statusErr *retryableStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// withRetry runs fn until it succeeds, returns a non-retryable error, or
// the policy's attempt/elapsed-time caps are exhausted — whichever comes
// first. A rate-limit or timeout error (spec §5), or any 5xx response,
// triggers another attempt; a malformed request or a 4xx other than 429
// surfaces immediately.
func (c *Client) withRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	policy := c.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	deadline := time.Now().Add(policy.MaxElapsed)
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		body, err := fn()
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts || time.Now().After(deadline) {
			break
		}
		d := policy.delay(attempt)
		if time.Now().Add(d).After(deadline) {
			d = time.Until(deadline)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("aiclient: exhausted retries: %w", lastErr)
}

func (c *Client) httpClient(ctx context.Context, apiKey string) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	base := c.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	return &http.Client{Transport: &oauth2.Transport{Source: ts, Base: base.Transport}}
}

// doPost performs a single JSON POST and returns the response body on a
// 2xx status. A non-2xx status comes back as *retryableStatusError so
// withRetry can decide whether it's worth another attempt.
func (c *Client) doPost(ctx context.Context, url, apiKey string, body []byte, maxBody int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient(ctx, apiKey).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retryableStatusError{status: resp.StatusCode, body: respBody}
	}
	return respBody, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// ChatCompletion sends messages to cred's chat endpoint and returns the
// first choice's content.
func (c *Client) ChatCompletion(ctx context.Context, cred Credential, messages []Message) (string, error) {
	url := cred.ChatURL
	if url == "" {
		url = defaultEndpoints[cred.Provider].Chat
	}
	if url == "" {
		return "", fmt.Errorf("aiclient: no chat endpoint for provider %q", cred.Provider)
	}
	reqBody, err := json.Marshal(chatRequest{Model: cred.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("aiclient: encoding chat request: %w", err)
	}
	respBody, err := c.withRetry(ctx, func() ([]byte, error) {
		return c.doPost(ctx, url, cred.APIKey, reqBody, 1<<20)
	})
	if err != nil {
		return "", fmt.Errorf("aiclient: chat request: %w", err)
	}
	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", fmt.Errorf("aiclient: decoding chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("aiclient: chat response had no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embedding computes a single vector for text against cred's embedding
// endpoint.
func (c *Client) Embedding(ctx context.Context, cred Credential, text string) ([]float32, error) {
	url := cred.EmbeddingURL
	if url == "" {
		url = defaultEndpoints[cred.Provider].Embedding
	}
	if url == "" {
		return nil, fmt.Errorf("aiclient: no embedding endpoint for provider %q", cred.Provider)
	}
	reqBody, err := json.Marshal(embeddingRequest{Model: cred.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("aiclient: encoding embedding request: %w", err)
	}
	respBody, err := c.withRetry(ctx, func() ([]byte, error) {
		return c.doPost(ctx, url, cred.APIKey, reqBody, 4<<20)
	})
	if err != nil {
		return nil, fmt.Errorf("aiclient: embedding request: %w", err)
	}
	var er embeddingResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("aiclient: decoding embedding response: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("aiclient: embedding response had no data")
	}
	return er.Data[0].Embedding, nil
}
