package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audiorelay/internal/account"
	"audiorelay/internal/chunker"
	"audiorelay/internal/config"
	"audiorelay/internal/jobs"
	"audiorelay/internal/model"
	"audiorelay/internal/pipeline"
	"audiorelay/internal/provider"
	"audiorelay/internal/upstream/openai"
	"audiorelay/internal/usage"
	"audiorelay/internal/validate"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type PipelineService interface {
	Process(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

type JobService interface {
	Submit(w jobs.Work) (string, error)
	Poll(id string) (jobs.Job, bool)
}

type TranslationService interface {
	Translate(ctx context.Context, file io.Reader, fileName, model string) (string, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, service string, amount float64) validate.Outcome
	ResolveModel(ctx context.Context, userID, requested string) string
}

type UsageRecorder interface {
	Record(d usage.Delta)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
	IncModelSubstitution()
}

type Dependencies struct {
	Pipeline       PipelineService
	Jobs           JobService
	Translator     TranslationService
	Guard          Authorizer
	Usage          UsageRecorder
	Upstream       UpstreamChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     PipelineService
	jobs         JobService
	translator   TranslationService
	guard        Authorizer
	usage        UsageRecorder
	upstream     UpstreamChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	userIDHeader     = "X-User-Id"
	requestIDContext = ctxKey("request_id")
	anonymousUser    = "anonymous"
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.Jobs == nil || deps.Translator == nil || deps.Guard == nil || deps.Upstream == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		jobs:         deps.Jobs,
		translator:   deps.Translator,
		guard:        deps.Guard,
		usage:        deps.Usage,
		upstream:     deps.Upstream,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcriptions", s.handleTranscriptions)
		r.Post("/translations", s.handleTranslations)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "upstream check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: "AudioRelay"})
}

// handleTranscriptions runs the gated request path: bounded authorization,
// model resolution, then either a synchronous transcription for small files
// or a background job for large ones.
func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	userID := requestUser(r)

	inputPath, size, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to buffer upload", nil)
		return
	}

	outcome := s.guard.Authorize(r.Context(), userID, account.ServiceTranscription, float64(size)/float64(1<<20))
	if !outcome.Allowed {
		_ = os.Remove(inputPath)
		s.writeError(w, r, http.StatusForbidden, "usage_limit", outcome.Reason, map[string]any{"plan_type": outcome.PlanType})
		return
	}

	requested := strings.TrimSpace(r.FormValue("model"))
	if requested == "" {
		requested = s.cfg.TranscriptionModel
	}
	declaredModel := s.guard.ResolveModel(r.Context(), userID, requested)

	work := jobs.Work{
		InputPath:     inputPath,
		FileName:      header.Filename,
		FileSize:      size,
		UserID:        userID,
		DeclaredModel: declaredModel,
		Language:      strings.TrimSpace(r.FormValue("language")),
	}

	if size > s.cfg.AsyncThresholdBytes {
		jobID, err := s.jobs.Submit(work)
		if err != nil {
			_ = os.Remove(inputPath)
			s.writeMappedError(w, r, err)
			return
		}
		// The job owns the buffered upload from here.
		writeJSON(w, http.StatusAccepted, model.JobSubmitResponse{JobID: jobID, Status: string(jobs.StatusQueued)})
		return
	}

	defer func() { _ = os.Remove(inputPath) }()
	result, err := s.pipeline.Process(r.Context(), pipeline.Input{
		InputPath:     inputPath,
		FileSize:      size,
		FileName:      header.Filename,
		UserID:        userID,
		DeclaredModel: declaredModel,
		Language:      work.Language,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if result.ModelSubstituted && s.metrics != nil {
		s.metrics.IncModelSubstitution()
	}

	writeJSON(w, http.StatusOK, model.TranscriptionResponse{
		Text:             result.Text,
		Model:            result.Model,
		ModelSubstituted: result.ModelSubstituted,
	})
}

func (s *server) handleTranslations(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	userID := requestUser(r)
	sizeMB := float64(header.Size) / float64(1 << 20)

	outcome := s.guard.Authorize(r.Context(), userID, account.ServiceTranslation, sizeMB)
	if !outcome.Allowed {
		s.writeError(w, r, http.StatusForbidden, "usage_limit", outcome.Reason, map[string]any{"plan_type": outcome.PlanType})
		return
	}

	requested := strings.TrimSpace(r.FormValue("model"))
	chosen := s.guard.ResolveModel(r.Context(), userID, requested)

	text, err := s.translator.Translate(r.Context(), file, header.Filename, chosen)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if s.usage != nil {
		s.usage.Record(usage.Delta{UserID: userID, ServiceType: account.ServiceTranslation, Amount: sizeMB})
	}

	writeJSON(w, http.StatusOK, model.TranslationResponse{Text: text, Model: chosen})
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := s.jobs.Poll(jobID)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "job_not_found", "no such job", nil)
		return
	}

	resp := model.JobStatusResponse{
		JobID:            job.ID,
		Status:           string(job.Status),
		Model:            job.Model,
		ModelSubstituted: job.ModelSubstituted,
		CreatedAt:        job.CreatedAt,
	}
	if job.Status == jobs.StatusCompleted {
		resp.Result = &job.Result
	}
	if job.Status == jobs.StatusFailed {
		resp.Error = &job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) readMultipartAudio(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxInputBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxInputBytes, 8<<20)); err != nil {
		return nil, nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, r.MultipartForm, err
	}
	return file, header, r.MultipartForm, nil
}

// saveUpload buffers the upload to the work dir so the chunker and job
// worker can operate on a real file after the request body is gone.
func (s *server) saveUpload(file io.Reader, fileName string) (string, int64, error) {
	ext := filepath.Ext(fileName)
	tmp, err := os.CreateTemp(s.cfg.WorkDir, "upload-*"+ext)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(tmp, file)
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if err == nil {
			err = closeErr
		}
		return "", 0, err
	}
	return tmp.Name(), size, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxInputBytes), nil)
		return
	}
	if strings.Contains(strings.ToLower(err.Error()), "no such file") || strings.Contains(strings.ToLower(err.Error()), "missing") {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' is required", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var upstreamErr *openai.Error
	var sizeErr *chunker.SizeLimitError
	switch {
	case errors.Is(err, provider.ErrUnknownModel):
		status = http.StatusBadRequest
		code = "unknown_model"
		message = "requested model is not available"
	case errors.Is(err, provider.ErrNoCapableProvider):
		status = http.StatusRequestEntityTooLarge
		code = "no_capable_provider"
		message = "file too large for any backend"
	case errors.As(err, &sizeErr):
		status = http.StatusRequestEntityTooLarge
		code = "size_limit_exceeded"
		message = "input exceeds the size limit"
	case errors.Is(err, jobs.ErrQueueFull):
		status = http.StatusServiceUnavailable
		code = "queue_full"
		message = "transcription queue is full, retry later"
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		code = "upstream_request_failed"
		message = "upstream request failed"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	}

	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestUser(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(userIDHeader)); user != "" {
		return user
	}
	if user := strings.TrimSpace(r.FormValue("user")); user != "" {
		return user
	}
	return anonymousUser
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
