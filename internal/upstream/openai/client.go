package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	observer   ObserverFunc
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
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

// Transcribe posts one audio file to /audio/transcriptions and returns the
// plain transcript text.
func (c *Client) Transcribe(ctx context.Context, file io.Reader, fileName, model, language string) (string, error) {
	return c.postAudio(ctx, "audio_transcriptions", "/audio/transcriptions", file, fileName, model, language)
}

// Translate posts one audio file to /audio/translations, which always
// produces English text regardless of the source language.
func (c *Client) Translate(ctx context.Context, file io.Reader, fileName, model string) (string, error) {
	return c.postAudio(ctx, "audio_translations", "/audio/translations", file, fileName, model, "")
}

func (c *Client) postAudio(ctx context.Context, endpoint, path string, file io.Reader, fileName, model, language string) (string, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe(endpoint, statusCode, time.Since(started)) }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("model", model); err != nil {
		return "", err
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}

	return parseTranscript(respBody)
}

func (c *Client) CheckModels(ctx context.Context) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("models", statusCode, time.Since(started)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return nil
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func parseTranscript(data []byte) (string, error) {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Text != "" {
		return parsed.Text, nil
	}

	plainText := strings.TrimSpace(joinLines(string(data)))
	if plainText == "" {
		return "", fmt.Errorf("invalid transcription response")
	}
	return plainText, nil
}

func joinLines(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	return strings.Join(parts, " ")
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}
