package config

import (
	"errors"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr           string
	UpstreamBaseURL      string
	UpstreamAPIKey       string
	AccountBaseURL       string
	AccountAPIKey        string
	TranscriptionModel   string
	FreeTierModel        string
	ChunkSeconds         int
	MaxInputBytes        int64
	AsyncThresholdBytes  int64
	ValidationTimeout    time.Duration
	TranscriptionTimeout time.Duration
	JobWorkers           int
	JobQueueSize         int
	JobRetention         time.Duration
	ChunkParallelism     int
	UsageQueueSize       int
	WorkDir              string
	LogLevel             string
}

type envConfig struct {
	ListenAddr                  string `env:"LISTEN_ADDR" envDefault:":8080"`
	UpstreamBaseURL             string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	UpstreamAPIKey              string `env:"UPSTREAM_API_KEY"`
	AccountBaseURL              string `env:"ACCOUNT_BASE_URL"`
	AccountAPIKey               string `env:"ACCOUNT_API_KEY"`
	TranscriptionModel          string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-large-v3"`
	FreeTierModel               string `env:"FREE_TIER_MODEL" envDefault:"whisper-large-v3-turbo"`
	ChunkSeconds                int    `env:"CHUNK_SECONDS" envDefault:"300"`
	MaxInputBytes               int64  `env:"MAX_INPUT_BYTES" envDefault:"157286400"`
	AsyncThresholdBytes         int64  `env:"ASYNC_THRESHOLD_BYTES" envDefault:"26214400"`
	ValidationTimeoutSeconds    int    `env:"VALIDATION_TIMEOUT_SECONDS" envDefault:"3"`
	TranscriptionTimeoutSeconds int    `env:"TRANSCRIPTION_TIMEOUT_SECONDS" envDefault:"120"`
	JobWorkers                  int    `env:"JOB_WORKERS" envDefault:"2"`
	JobQueueSize                int    `env:"JOB_QUEUE_SIZE" envDefault:"32"`
	JobRetentionSeconds         int    `env:"JOB_RETENTION_SECONDS" envDefault:"3600"`
	ChunkParallelism            int    `env:"CHUNK_PARALLELISM" envDefault:"2"`
	UsageQueueSize              int    `env:"USAGE_QUEUE_SIZE" envDefault:"64"`
	WorkDir                     string `env:"WORK_DIR"`
	LogLevel                    string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	workDir := strings.TrimSpace(raw.WorkDir)
	if workDir == "" {
		workDir = os.TempDir()
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(raw.ListenAddr),
		UpstreamBaseURL:      strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:       strings.TrimSpace(raw.UpstreamAPIKey),
		AccountBaseURL:       strings.TrimRight(strings.TrimSpace(raw.AccountBaseURL), "/"),
		AccountAPIKey:        strings.TrimSpace(raw.AccountAPIKey),
		TranscriptionModel:   strings.TrimSpace(raw.TranscriptionModel),
		FreeTierModel:        strings.TrimSpace(raw.FreeTierModel),
		ChunkSeconds:         raw.ChunkSeconds,
		MaxInputBytes:        raw.MaxInputBytes,
		AsyncThresholdBytes:  raw.AsyncThresholdBytes,
		ValidationTimeout:    time.Duration(raw.ValidationTimeoutSeconds) * time.Second,
		TranscriptionTimeout: time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		JobWorkers:           raw.JobWorkers,
		JobQueueSize:         raw.JobQueueSize,
		JobRetention:         time.Duration(raw.JobRetentionSeconds) * time.Second,
		ChunkParallelism:     raw.ChunkParallelism,
		UsageQueueSize:       raw.UsageQueueSize,
		WorkDir:              workDir,
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.FreeTierModel == "" {
		return errors.New("FREE_TIER_MODEL must not be empty")
	}
	if c.ChunkSeconds <= 0 {
		return errors.New("CHUNK_SECONDS must be > 0")
	}
	if c.MaxInputBytes <= 0 {
		return errors.New("MAX_INPUT_BYTES must be > 0")
	}
	if c.AsyncThresholdBytes <= 0 {
		return errors.New("ASYNC_THRESHOLD_BYTES must be > 0")
	}
	if c.AsyncThresholdBytes > c.MaxInputBytes {
		return errors.New("ASYNC_THRESHOLD_BYTES must not exceed MAX_INPUT_BYTES")
	}
	if c.ValidationTimeout <= 0 {
		return errors.New("VALIDATION_TIMEOUT_SECONDS must be > 0")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.JobWorkers <= 0 {
		return errors.New("JOB_WORKERS must be > 0")
	}
	if c.JobQueueSize <= 0 {
		return errors.New("JOB_QUEUE_SIZE must be > 0")
	}
	if c.JobRetention <= 0 {
		return errors.New("JOB_RETENTION_SECONDS must be > 0")
	}
	if c.ChunkParallelism <= 0 {
		return errors.New("CHUNK_PARALLELISM must be > 0")
	}
	if c.UsageQueueSize <= 0 {
		return errors.New("USAGE_QUEUE_SIZE must be > 0")
	}
	return nil
}
