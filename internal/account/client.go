// Package account talks to the external account/usage service. The service
// may be slow or unavailable; callers are expected to wrap calls with their
// own deadlines (see internal/validate) and to treat write failures as
// best-effort (see internal/usage).
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Metered service types.
const (
	ServiceTranscription = "transcription"
	ServiceTranslation   = "translation"
	ServiceTTS           = "tts"
	ServiceAI            = "ai"
)

// CheckResult is the account service's answer to a usage-limit check.
type CheckResult struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	PlanType string `json:"plan_type,omitempty"`
}

// ModelGrant is the account service's answer to a model-access check.
type ModelGrant struct {
	Model string `json:"model"`
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("account request failed with status %d", e.StatusCode)
}

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) { c.observer = observer }
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	observer   ObserverFunc
}

func New(baseURL, apiKey string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CheckUsage asks whether user may consume amount units of service.
func (c *Client) CheckUsage(ctx context.Context, userID, service string, amount float64) (CheckResult, error) {
	var result CheckResult
	err := c.postJSON(ctx, "usage_check", "/v1/usage/check", map[string]any{
		"user_id":      userID,
		"service_type": service,
		"amount":       amount,
	}, &result)
	return result, err
}

// CheckModelAccess asks which model user is entitled to when requesting model.
func (c *Client) CheckModelAccess(ctx context.Context, userID, model string) (ModelGrant, error) {
	var grant ModelGrant
	err := c.postJSON(ctx, "model_access", "/v1/models/access", map[string]any{
		"user_id": userID,
		"model":   model,
	}, &grant)
	return grant, err
}

// RecordUsage persists one usage delta for user.
func (c *Client) RecordUsage(ctx context.Context, userID, service string, amount float64) error {
	return c.postJSON(ctx, "usage_record", "/v1/usage/record", map[string]any{
		"user_id":      userID,
		"service_type": service,
		"amount":       amount,
	}, nil)
}

func (c *Client) postJSON(ctx context.Context, endpoint, path string, payload any, out any) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe(endpoint, statusCode, time.Since(started)) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("invalid account response: %w", err)
	}
	return nil
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}

// Permissive is the stand-in used when no account service is configured:
// every check passes and writes go nowhere.
type Permissive struct{}

func (Permissive) CheckUsage(context.Context, string, string, float64) (CheckResult, error) {
	return CheckResult{Allowed: true, PlanType: "unmetered"}, nil
}

func (Permissive) CheckModelAccess(_ context.Context, _ string, model string) (ModelGrant, error) {
	return ModelGrant{Model: model}, nil
}

func (Permissive) RecordUsage(context.Context, string, string, float64) error {
	return nil
}
