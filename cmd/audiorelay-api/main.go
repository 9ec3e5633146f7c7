package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiorelay/internal/account"
	"audiorelay/internal/chunker"
	"audiorelay/internal/config"
	"audiorelay/internal/httpapi"
	"audiorelay/internal/jobs"
	"audiorelay/internal/observability"
	"audiorelay/internal/pipeline"
	"audiorelay/internal/provider"
	"audiorelay/internal/transcription"
	"audiorelay/internal/upstream/openai"
	"audiorelay/internal/usage"
	"audiorelay/internal/validate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	upstreamHTTPClient := &http.Client{Timeout: cfg.TranscriptionTimeout, Transport: transport}
	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, upstreamHTTPClient, openai.WithObserver(metrics.ObserveUpstream))

	var accountService interface {
		validate.AccountService
		usage.Sink
	} = account.Permissive{}
	if cfg.AccountBaseURL != "" {
		accountHTTPClient := &http.Client{Transport: transport}
		accountService = account.New(cfg.AccountBaseURL, cfg.AccountAPIKey, accountHTTPClient, account.WithObserver(metrics.ObserveAccount))
	} else {
		logger.Warn("no account service configured, all requests allowed and usage unmetered")
	}

	guard := validate.NewGuard(accountService, cfg.ValidationTimeout, cfg.FreeTierModel, logger, validate.WithObserver(metrics.ObserveValidation))

	recorder := usage.NewRecorder(accountService, cfg.UsageQueueSize, logger, usage.WithObserver(metrics.ObserveUsageWrite))
	recorder.Start()
	defer recorder.Stop()

	splitter := chunker.New(logger,
		chunker.WithMaxInputBytes(cfg.MaxInputBytes),
		chunker.WithObserver(metrics.ObserveChunking),
	)
	selector := provider.NewSelector(provider.DefaultCapabilities())
	transcriptionService := transcription.New(upstreamClient, cfg.TranscriptionModel, cfg.TranscriptionTimeout)

	pipelineService := pipeline.New(transcriptionService, splitter, selector, recorder, pipeline.Options{
		ChunkSeconds:   cfg.ChunkSeconds,
		ChunkThreshold: cfg.AsyncThresholdBytes,
		Parallelism:    cfg.ChunkParallelism,
		WorkDir:        cfg.WorkDir,
	}, logger)

	process := func(ctx context.Context, w jobs.Work) (jobs.Outcome, error) {
		result, err := pipelineService.Process(ctx, pipeline.Input{
			InputPath:     w.InputPath,
			FileSize:      w.FileSize,
			FileName:      w.FileName,
			UserID:        w.UserID,
			DeclaredModel: w.DeclaredModel,
			Language:      w.Language,
		})
		if err != nil {
			return jobs.Outcome{}, err
		}
		if result.ModelSubstituted {
			metrics.IncModelSubstitution()
		}
		return jobs.Outcome{
			Text:             result.Text,
			Model:            result.Model,
			ModelSubstituted: result.ModelSubstituted,
		}, nil
	}

	jobManager := jobs.NewManager(process, cfg.JobWorkers, cfg.JobQueueSize, cfg.JobRetention, logger, jobs.WithObserver(metrics.ObserveJob))
	jobManager.Start()
	defer jobManager.Stop()

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Pipeline:       pipelineService,
		Jobs:           jobManager,
		Translator:     transcriptionService,
		Guard:          guard,
		Usage:          recorder,
		Upstream:       upstreamClient,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
