package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"audiorelay/internal/config"
	"audiorelay/internal/jobs"
	"audiorelay/internal/pipeline"
	"audiorelay/internal/provider"
	"audiorelay/internal/usage"
	"audiorelay/internal/validate"
)

type stubPipeline struct {
	result pipeline.Result
	err    error
	input  pipeline.Input
}

func (s *stubPipeline) Process(_ context.Context, in pipeline.Input) (pipeline.Result, error) {
	s.input = in
	return s.result, s.err
}

type stubJobs struct {
	submitted []jobs.Work
	submitID  string
	submitErr error
	job       jobs.Job
	found     bool
}

func (s *stubJobs) Submit(w jobs.Work) (string, error) {
	s.submitted = append(s.submitted, w)
	return s.submitID, s.submitErr
}

func (s *stubJobs) Poll(string) (jobs.Job, bool) { return s.job, s.found }

type stubTranslator struct {
	text string
	err  error
}

func (s *stubTranslator) Translate(_ context.Context, file io.Reader, _, _ string) (string, error) {
	_, _ = io.ReadAll(file)
	return s.text, s.err
}

type stubGuard struct {
	outcome validate.Outcome
	model   string
}

func (s *stubGuard) Authorize(context.Context, string, string, float64) validate.Outcome {
	return s.outcome
}

func (s *stubGuard) ResolveModel(_ context.Context, _ string, requested string) string {
	if s.model != "" {
		return s.model
	}
	return requested
}

type stubUsage struct{ deltas []usage.Delta }

func (s *stubUsage) Record(d usage.Delta) { s.deltas = append(s.deltas, d) }

type stubUpstream struct{ err error }

func (s stubUpstream) CheckModels(context.Context) error { return s.err }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MaxInputBytes:       1 << 20,
		AsyncThresholdBytes: 1024,
		TranscriptionModel:  "whisper-large-v3",
		WorkDir:             t.TempDir(),
	}
}

func defaultDeps() (Dependencies, *stubPipeline, *stubJobs) {
	pl := &stubPipeline{result: pipeline.Result{Text: "hello", Model: "whisper-large-v3"}}
	jb := &stubJobs{submitID: "job-123"}
	deps := Dependencies{
		Pipeline:   pl,
		Jobs:       jb,
		Translator: &stubTranslator{text: "translated"},
		Guard:      &stubGuard{outcome: validate.Outcome{Allowed: true}},
		Usage:      &stubUsage{},
		Upstream:   stubUpstream{},
	}
	return deps, pl, jb
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(testConfig(t), logger, deps)
}

func multipartBody(t *testing.T, fileName string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}
	_ = writer.Close()
	return &body, writer.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newTestHandler(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestReadyzReportsUpstreamFailure(t *testing.T) {
	deps, _, _ := defaultDeps()
	deps.Upstream = stubUpstream{err: errors.New("boom")}
	h := newTestHandler(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestSmallUploadIsTranscribedSynchronously(t *testing.T) {
	deps, pl, jb := defaultDeps()
	h := newTestHandler(t, deps)

	body, contentType := multipartBody(t, "memo.mp3", []byte("tiny audio"), map[string]string{"language": "en"})
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-Id", "u42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Text != "hello" || resp.Model != "whisper-large-v3" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(jb.submitted) != 0 {
		t.Fatalf("small upload must not create a job")
	}
	if pl.input.UserID != "u42" || pl.input.Language != "en" {
		t.Fatalf("pipeline input not wired: %+v", pl.input)
	}
	if pl.input.FileSize != int64(len("tiny audio")) {
		t.Fatalf("unexpected buffered size: %d", pl.input.FileSize)
	}
}

func TestLargeUploadBecomesBackgroundJob(t *testing.T) {
	deps, pl, jb := defaultDeps()
	h := newTestHandler(t, deps)

	payload := bytes.Repeat([]byte("a"), 2048) // over the async threshold
	body, contentType := multipartBody(t, "long.mp3", payload, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.JobID != "job-123" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(jb.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(jb.submitted))
	}
	if jb.submitted[0].FileSize != 2048 || jb.submitted[0].FileName != "long.mp3" {
		t.Fatalf("unexpected work: %+v", jb.submitted[0])
	}
	if pl.input.InputPath != "" {
		t.Fatalf("large upload must not hit the sync pipeline")
	}
}

func TestUsageDenialReturns403(t *testing.T) {
	deps, _, _ := defaultDeps()
	deps.Guard = &stubGuard{outcome: validate.Outcome{Allowed: false, Reason: "monthly quota exhausted", PlanType: "free"}}
	h := newTestHandler(t, deps)

	body, contentType := multipartBody(t, "memo.mp3", []byte("x"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "monthly quota exhausted") {
		t.Fatalf("denial reason missing: %s", w.Body.String())
	}
}

func TestMissingFileFieldIsBadRequest(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newTestHandler(t, deps)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("model", "whisper-large-v3")
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
}

func TestNoCapableProviderMapsTo413(t *testing.T) {
	deps, pl, _ := defaultDeps()
	pl.err = provider.ErrNoCapableProvider
	pl.result = pipeline.Result{}
	h := newTestHandler(t, deps)

	body, contentType := multipartBody(t, "memo.mp3", []byte("x"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no_capable_provider") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestQueueFullMapsTo503(t *testing.T) {
	deps, _, jb := defaultDeps()
	jb.submitErr = jobs.ErrQueueFull
	h := newTestHandler(t, deps)

	payload := bytes.Repeat([]byte("a"), 2048)
	body, contentType := multipartBody(t, "long.mp3", payload, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	deps, _, _ := defaultDeps()
	h := newTestHandler(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestJobStatusExposesResultOnlyWhenTerminal(t *testing.T) {
	deps, _, jb := defaultDeps()
	jb.found = true
	jb.job = jobs.Job{
		ID:        "job-123",
		Status:    jobs.StatusProcessing,
		Result:    "should stay hidden",
		CreatedAt: time.Now().UTC(),
	}
	h := newTestHandler(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-123", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var resp struct {
		Status string  `json:"status"`
		Result *string `json:"result"`
		Error  *string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "processing" || resp.Result != nil || resp.Error != nil {
		t.Fatalf("unexpected snapshot: %+v", resp)
	}
}

func TestJobStatusCompletedIncludesPlainStringResult(t *testing.T) {
	deps, _, jb := defaultDeps()
	jb.found = true
	jb.job = jobs.Job{
		ID:               "job-123",
		Status:           jobs.StatusCompleted,
		Result:           "full transcript",
		Model:            "gemini-2.5-flash",
		ModelSubstituted: true,
		CreatedAt:        time.Now().UTC(),
	}
	h := newTestHandler(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-123", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["result"] != "full transcript" {
		t.Fatalf("result must be a plain string: %v", resp["result"])
	}
	if resp["model_substituted"] != true || resp["model"] != "gemini-2.5-flash" {
		t.Fatalf("substitution metadata missing: %v", resp)
	}
}

func TestTranslationsEndpointRecordsUsage(t *testing.T) {
	deps, _, _ := defaultDeps()
	rec := &stubUsage{}
	deps.Usage = rec
	h := newTestHandler(t, deps)

	body, contentType := multipartBody(t, "speech.mp3", []byte("bonjour"), nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/translations", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-Id", "u7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "translated") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if len(rec.deltas) != 1 || rec.deltas[0].ServiceType != "translation" || rec.deltas[0].UserID != "u7" {
		t.Fatalf("unexpected usage deltas: %+v", rec.deltas)
	}
}
