// Package pipeline runs one transcription request end to end: pick a
// capable model, split the input into provider-safe segments when it is too
// large for a single request, transcribe each segment, and stitch the
// transcripts back together in segment order.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"audiorelay/internal/account"
	"audiorelay/internal/chunker"
	"audiorelay/internal/provider"
	"audiorelay/internal/usage"
)

type Transcriber interface {
	Transcribe(ctx context.Context, file io.Reader, fileName, model, language string) (string, error)
}

type Chunker interface {
	Split(ctx context.Context, inputPath, outputDir string, chunkSeconds int) (*chunker.Manifest, error)
}

type ModelSelector interface {
	Select(fileSize int64, declaredModel string) (provider.Selection, error)
}

type UsageRecorder interface {
	Record(d usage.Delta)
}

type Service struct {
	transcriber    Transcriber
	chunks         Chunker
	selector       ModelSelector
	recorder       UsageRecorder
	chunkSeconds   int
	chunkThreshold int64
	parallelism    int
	workDir        string
	log            *slog.Logger
}

type Options struct {
	ChunkSeconds   int
	ChunkThreshold int64
	Parallelism    int
	WorkDir        string
}

type Input struct {
	InputPath     string
	FileSize      int64
	FileName      string
	UserID        string
	DeclaredModel string
	Language      string
}

type Result struct {
	Text             string
	Model            string
	ModelSubstituted bool
	ChunkCount       int
}

func New(transcriber Transcriber, chunks Chunker, selector ModelSelector, recorder UsageRecorder, opts Options, logger *slog.Logger) *Service {
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = chunker.DefaultChunkSeconds
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = 25 << 20
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transcriber:    transcriber,
		chunks:         chunks,
		selector:       selector,
		recorder:       recorder,
		chunkSeconds:   opts.ChunkSeconds,
		chunkThreshold: opts.ChunkThreshold,
		parallelism:    opts.Parallelism,
		workDir:        opts.WorkDir,
		log:            logger,
	}
}

func (s *Service) Process(ctx context.Context, in Input) (Result, error) {
	sel, err := s.selector.Select(in.FileSize, in.DeclaredModel)
	if err != nil {
		return Result{}, err
	}
	if sel.Substituted {
		s.log.Info("model substituted for size",
			"declared", sel.DeclaredFor, "chosen", sel.Model, "bytes", in.FileSize)
	}

	started := time.Now()

	var result Result
	if in.FileSize > s.chunkThreshold {
		result, err = s.processChunked(ctx, in, sel)
	} else {
		result, err = s.processSingle(ctx, in, sel)
	}
	if err != nil {
		return Result{}, err
	}

	if s.recorder != nil {
		s.recorder.Record(usage.Delta{
			UserID:      in.UserID,
			ServiceType: account.ServiceTranscription,
			Amount:      float64(in.FileSize) / float64(1<<20),
		})
	}

	s.log.Info("transcription finished",
		"model", result.Model,
		"substituted", result.ModelSubstituted,
		"chunks", result.ChunkCount,
		"bytes", in.FileSize,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

func (s *Service) processSingle(ctx context.Context, in Input, sel provider.Selection) (Result, error) {
	f, err := os.Open(in.InputPath)
	if err != nil {
		return Result{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	text, err := s.transcriber.Transcribe(ctx, f, in.FileName, sel.Model, in.Language)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:             text,
		Model:            sel.Model,
		ModelSubstituted: sel.Substituted,
		ChunkCount:       1,
	}, nil
}

func (s *Service) processChunked(ctx context.Context, in Input, sel provider.Selection) (Result, error) {
	outputDir, err := os.MkdirTemp(s.workDir, "chunks-")
	if err != nil {
		return Result{}, fmt.Errorf("create chunk dir: %w", err)
	}
	defer os.RemoveAll(outputDir)

	manifest, err := s.chunks.Split(ctx, in.InputPath, outputDir, s.chunkSeconds)
	if err != nil {
		return Result{}, err
	}

	// Chunk calls may complete in any order; the transcript is assembled
	// strictly by manifest index.
	texts := make([]string, manifest.ChunkCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, name := range manifest.Chunks {
		i, name := i, name
		g.Go(func() error {
			f, err := os.Open(filepath.Join(outputDir, name))
			if err != nil {
				return fmt.Errorf("open chunk %s: %w", name, err)
			}
			defer f.Close()

			text, err := s.transcriber.Transcribe(gctx, f, name, sel.Model, in.Language)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", name, err)
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Partial transcripts are dropped with the error.
		return Result{}, err
	}

	return Result{
		Text:             Stitch(texts),
		Model:            sel.Model,
		ModelSubstituted: sel.Substituted,
		ChunkCount:       manifest.ChunkCount,
	}, nil
}

// Stitch joins per-chunk transcripts in index order. It is deterministic for
// a given input slice regardless of how the transcripts were produced.
func Stitch(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}
