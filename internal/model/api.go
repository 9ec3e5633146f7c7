package model

import "time"

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type TranscriptionResponse struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	ModelSubstituted bool   `json:"model_substituted,omitempty"`
}

type TranslationResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type JobSubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobStatusResponse mirrors one job snapshot. Result is always a plain
// transcript string, never a nested object.
type JobStatusResponse struct {
	JobID            string    `json:"job_id"`
	Status           string    `json:"status"`
	Result           *string   `json:"result"`
	Error            *string   `json:"error"`
	Model            string    `json:"model,omitempty"`
	ModelSubstituted bool      `json:"model_substituted,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
