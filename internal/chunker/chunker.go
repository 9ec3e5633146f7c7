package chunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultMaxInputBytes is the hard input ceiling: larger files are
	// rejected before any segmentation is attempted.
	DefaultMaxInputBytes int64 = 150 << 20

	DefaultChunkSeconds = 300

	// fallbackChunkCount is how many equal-sized dummy segments the
	// degraded mode produces when ffmpeg is not installed.
	fallbackChunkCount = 5
)

var (
	ErrInvalidParam = errors.New("chunker: invalid parameters")
	ErrEmptyInput   = errors.New("chunker: input file is empty")
)

// SizeLimitError is returned when the input exceeds the hard ceiling.
type SizeLimitError struct {
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("input size %d exceeds limit %d", e.Size, e.Limit)
}

// ToolError is returned when ffmpeg/ffprobe is present but fails mid-run.
// The output directory is rolled back before it is returned.
type ToolError struct {
	Step   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Step, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func isSizeLimit(err error) bool {
	var sle *SizeLimitError
	return errors.As(err, &sle)
}

func isInvalidParam(err error) bool {
	return errors.Is(err, ErrInvalidParam)
}

type runResult struct {
	Stdout string
	Stderr string
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (runResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (runResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return runResult{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

type ObserverFunc func(chunkCount int, ffmpegAvailable bool)

type Option func(*Splitter)

func WithMaxInputBytes(limit int64) Option {
	return func(s *Splitter) {
		if limit > 0 {
			s.maxInputBytes = limit
		}
	}
}

func WithObserver(observer ObserverFunc) Option {
	return func(s *Splitter) { s.observer = observer }
}

// WithRunner swaps the external command runner. Used by tests.
func WithRunner(r commandRunner) Option {
	return func(s *Splitter) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithLookPath swaps tool discovery. Used by tests.
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(s *Splitter) {
		if lookPath != nil {
			s.lookPath = lookPath
		}
	}
}

// Splitter cuts an audio file into provider-safe segments and records a
// manifest alongside them.
type Splitter struct {
	maxInputBytes int64
	runner        commandRunner
	lookPath      func(string) (string, error)
	observer      ObserverFunc
	log           *slog.Logger
}

func New(logger *slog.Logger, opts ...Option) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Splitter{
		maxInputBytes: DefaultMaxInputBytes,
		runner:        execRunner{},
		lookPath:      exec.LookPath,
		log:           logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Split segments inputPath into chunks of chunkSeconds each, writes them to
// outputDir together with a result.json manifest, and returns the manifest.
// Without ffmpeg on the host it degrades to equal-sized byte partitions and
// marks the manifest accordingly.
func (s *Splitter) Split(ctx context.Context, inputPath, outputDir string, chunkSeconds int) (*Manifest, error) {
	if strings.TrimSpace(inputPath) == "" {
		return nil, fmt.Errorf("%w: input path is required", ErrInvalidParam)
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("%w: output directory is required", ErrInvalidParam)
	}
	if chunkSeconds <= 0 {
		return nil, fmt.Errorf("%w: chunk seconds must be > 0", ErrInvalidParam)
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("input %q is a directory", inputPath)
	}
	if info.Size() == 0 {
		return nil, ErrEmptyInput
	}
	if info.Size() > s.maxInputBytes {
		return nil, &SizeLimitError{Size: info.Size(), Limit: s.maxInputBytes}
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	ffmpegAvailable := s.toolAvailable()

	var chunks []string
	if ffmpegAvailable {
		chunks, err = s.splitWithFFmpeg(ctx, inputPath, outputDir, chunkSeconds)
	} else {
		s.log.Warn("ffmpeg not found, producing byte-partition fallback chunks", "input", filepath.Base(inputPath))
		chunks, err = s.splitBytes(inputPath, outputDir, info.Size())
	}
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Status:          "ok",
		Chunks:          chunks,
		ChunkCount:      len(chunks),
		InputFile:       filepath.Base(inputPath),
		ChunkSeconds:    chunkSeconds,
		FFmpegAvailable: ffmpegAvailable,
	}
	if err := writeManifest(outputDir, m); err != nil {
		s.rollback(outputDir, chunks)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if s.observer != nil {
		s.observer(m.ChunkCount, ffmpegAvailable)
	}
	s.log.Info("chunking complete",
		"input", m.InputFile,
		"chunks", m.ChunkCount,
		"chunk_seconds", chunkSeconds,
		"ffmpeg", ffmpegAvailable,
	)
	return m, nil
}

func (s *Splitter) toolAvailable() bool {
	if _, err := s.lookPath("ffmpeg"); err != nil {
		return false
	}
	if _, err := s.lookPath("ffprobe"); err != nil {
		return false
	}
	return true
}

func (s *Splitter) splitWithFFmpeg(ctx context.Context, inputPath, outputDir string, chunkSeconds int) ([]string, error) {
	duration, err := s.probeDuration(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(inputPath)
	if ext == "" {
		ext = ".mp3"
	}
	pattern := filepath.Join(outputDir, "chunk_%03d"+ext)

	// Stream copy; every segment stays an independently decodable unit.
	res, err := s.runner.Run(ctx, "ffmpeg",
		"-y", "-i", inputPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSeconds),
		"-c", "copy",
		"-reset_timestamps", "1",
		pattern,
	)
	if err != nil {
		chunks, _ := listChunks(outputDir, ext)
		s.rollback(outputDir, chunks)
		return nil, &ToolError{Step: "ffmpeg segment", Stderr: lastLine(res.Stderr), Err: err}
	}

	chunks, err := listChunks(outputDir, ext)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, &ToolError{Step: "ffmpeg segment", Stderr: "no segments produced", Err: errors.New("empty output")}
	}

	expected := int(math.Ceil(duration / float64(chunkSeconds)))
	if expected > 0 && len(chunks) != expected {
		s.log.Warn("segment count differs from duration estimate",
			"expected", expected, "actual", len(chunks), "duration_s", duration)
	}
	return chunks, nil
}

func (s *Splitter) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	res, err := s.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	if err != nil {
		return 0, &ToolError{Step: "ffprobe duration", Stderr: lastLine(res.Stderr), Err: err}
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil || duration <= 0 {
		return 0, &ToolError{Step: "ffprobe duration", Stderr: strings.TrimSpace(res.Stdout), Err: errors.New("unparseable duration")}
	}
	return duration, nil
}

// splitBytes is the degraded mode: equal byte partitions whose sizes sum
// exactly to the input size. The segments are not valid audio.
func (s *Splitter) splitBytes(inputPath, outputDir string, size int64) ([]string, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	count := fallbackChunkCount
	if int64(count) > size {
		count = int(size)
	}
	base := size / int64(count)

	ext := filepath.Ext(inputPath)
	if ext == "" {
		ext = ".bin"
	}

	chunks := make([]string, 0, count)
	var offset int64
	for i := 0; i < count; i++ {
		end := offset + base
		if i == count-1 {
			end = size
		}
		name := fmt.Sprintf("chunk_%03d%s", i, ext)
		if err := os.WriteFile(filepath.Join(outputDir, name), data[offset:end], 0o644); err != nil {
			s.rollback(outputDir, chunks)
			return nil, fmt.Errorf("write chunk %s: %w", name, err)
		}
		chunks = append(chunks, name)
		offset = end
	}
	return chunks, nil
}

func (s *Splitter) rollback(outputDir string, chunks []string) {
	for _, name := range chunks {
		_ = os.Remove(filepath.Join(outputDir, name))
	}
}

// listChunks returns chunk file names in index order. Zero-padded naming
// makes the lexical sort the stitch order.
func listChunks(outputDir, ext string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var chunks []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "chunk_") || !strings.HasSuffix(name, ext) {
			continue
		}
		chunks = append(chunks, name)
	}
	sort.Strings(chunks)
	return chunks, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
