package chunker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noTools(string) (string, error) {
	return "", errors.New("not found")
}

func allTools(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func writeInput(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "input.mp3")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

// fakeRunner emulates ffprobe/ffmpeg. The ffmpeg call writes segment files
// the way the real segment muxer would.
type fakeRunner struct {
	duration     string
	segmentCount int
	ffmpegErr    error
	ffprobeErr   error
	calls        []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (runResult, error) {
	f.calls = append(f.calls, name)
	switch name {
	case "ffprobe":
		if f.ffprobeErr != nil {
			return runResult{Stderr: "probe boom"}, f.ffprobeErr
		}
		return runResult{Stdout: f.duration + "\n"}, nil
	case "ffmpeg":
		pattern := args[len(args)-1]
		for i := 0; i < f.segmentCount; i++ {
			if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte("seg"), 0o644); err != nil {
				return runResult{}, err
			}
		}
		if f.ffmpegErr != nil {
			return runResult{Stderr: "segment boom"}, f.ffmpegErr
		}
		return runResult{}, nil
	default:
		return runResult{}, fmt.Errorf("unexpected command %q", name)
	}
}

func TestSplitRejectsOversizedInputBeforeAnyWork(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 2048)
	out := filepath.Join(dir, "out")

	s := New(discardLogger(), WithMaxInputBytes(1024), WithLookPath(allTools))
	_, err := s.Split(context.Background(), input, out, 300)

	var sizeErr *SizeLimitError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("expected SizeLimitError, got %v", err)
	}
	if sizeErr.Size != 2048 || sizeErr.Limit != 1024 {
		t.Fatalf("unexpected error fields: %+v", sizeErr)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("output dir should not exist after pre-check failure")
	}
	if StageFor(err) != StageSizeCheck {
		t.Fatalf("unexpected stage: %s", StageFor(err))
	}
}

func TestSplitRejectsEmptyInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "empty.mp3")
	if err := os.WriteFile(input, nil, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	s := New(discardLogger(), WithLookPath(allTools))
	_, err := s.Split(context.Background(), input, filepath.Join(dir, "out"), 300)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if StageFor(err) != StageProcessing {
		t.Fatalf("unexpected stage: %s", StageFor(err))
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out", ManifestFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("no manifest should be written on failure")
	}
}

func TestSplitRejectsInvalidParameters(t *testing.T) {
	s := New(discardLogger())
	cases := []struct {
		input, out string
		seconds    int
	}{
		{"", "out", 300},
		{"in.mp3", "", 300},
		{"in.mp3", "out", 0},
	}
	for _, c := range cases {
		_, err := s.Split(context.Background(), c.input, c.out, c.seconds)
		if !errors.Is(err, ErrInvalidParam) {
			t.Fatalf("expected ErrInvalidParam for %+v, got %v", c, err)
		}
		if StageFor(err) != StageEnvCheck {
			t.Fatalf("unexpected stage: %s", StageFor(err))
		}
	}
}

func TestSplitFallbackPartitionsBytesExactly(t *testing.T) {
	dir := t.TempDir()
	const size = 1027 // deliberately not divisible by the chunk count
	input := writeInput(t, dir, size)
	out := filepath.Join(dir, "out")

	s := New(discardLogger(), WithLookPath(noTools))
	m, err := s.Split(context.Background(), input, out, 300)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	if m.FFmpegAvailable {
		t.Fatalf("expected fallback mode")
	}
	if m.ChunkCount != len(m.Chunks) {
		t.Fatalf("chunk_count %d != len(chunks) %d", m.ChunkCount, len(m.Chunks))
	}
	if m.ChunkCount != fallbackChunkCount {
		t.Fatalf("expected %d fallback chunks, got %d", fallbackChunkCount, m.ChunkCount)
	}

	var total int64
	var joined []byte
	for _, name := range m.Chunks {
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("read chunk %s: %v", name, err)
		}
		total += int64(len(data))
		joined = append(joined, data...)
	}
	if total != size {
		t.Fatalf("chunk sizes sum to %d, want %d", total, size)
	}

	original, _ := os.ReadFile(input)
	if string(joined) != string(original) {
		t.Fatalf("concatenated chunks do not reproduce the input")
	}
}

func TestSplitFallbackWritesManifest(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 100)
	out := filepath.Join(dir, "out")

	s := New(discardLogger(), WithLookPath(noTools))
	m, err := s.Split(context.Background(), input, out, 120)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, ManifestFileName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var onDisk Manifest
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if onDisk.Status != "ok" || onDisk.ChunkCount != m.ChunkCount || onDisk.ChunkSeconds != 120 {
		t.Fatalf("unexpected manifest on disk: %+v", onDisk)
	}
	if onDisk.InputFile != "input.mp3" {
		t.Fatalf("unexpected input_file: %q", onDisk.InputFile)
	}
}

func TestSplitWithToolProducesCeilChunks(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 4096)
	out := filepath.Join(dir, "out")

	// 12 minutes at 300s chunks: 300s + 300s + 120s.
	runner := &fakeRunner{duration: "720.0", segmentCount: 3}
	s := New(discardLogger(), WithLookPath(allTools), WithRunner(runner))

	m, err := s.Split(context.Background(), input, out, 300)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if !m.FFmpegAvailable {
		t.Fatalf("expected tool mode")
	}
	if m.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", m.ChunkCount)
	}
	want := []string{"chunk_000.mp3", "chunk_001.mp3", "chunk_002.mp3"}
	for i, name := range m.Chunks {
		if name != want[i] {
			t.Fatalf("chunk %d: got %q want %q", i, name, want[i])
		}
	}
	if runner.calls[0] != "ffprobe" || runner.calls[1] != "ffmpeg" {
		t.Fatalf("unexpected call order: %v", runner.calls)
	}
}

func TestSplitToolFailureRollsBackChunks(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 4096)
	out := filepath.Join(dir, "out")

	runner := &fakeRunner{duration: "600.0", segmentCount: 1, ffmpegErr: errors.New("exit 1")}
	s := New(discardLogger(), WithLookPath(allTools), WithRunner(runner))

	_, err := s.Split(context.Background(), input, out, 300)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}

	entries, readErr := os.ReadDir(out)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("expected rolled-back output dir, found %d entries", len(entries))
	}
}

func TestSplitProbeFailureIsToolError(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 512)

	runner := &fakeRunner{ffprobeErr: errors.New("exit 1")}
	s := New(discardLogger(), WithLookPath(allTools), WithRunner(runner))

	_, err := s.Split(context.Background(), input, filepath.Join(dir, "out"), 300)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if StageFor(err) != StageProcessing {
		t.Fatalf("unexpected stage: %s", StageFor(err))
	}
}

func TestWriteFailureManifest(t *testing.T) {
	dir := t.TempDir()
	WriteFailure(dir, StageSizeCheck, errors.New("too big"))

	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		t.Fatalf("read failure manifest: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["status"] != "error" || parsed["stage"] != "size_check" || parsed["error"] != "too big" {
		t.Fatalf("unexpected failure manifest: %v", parsed)
	}
}

func TestSplitObserverSeesFallback(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, 64)

	var gotCount int
	var gotTool bool
	s := New(discardLogger(), WithLookPath(noTools), WithObserver(func(count int, tool bool) {
		gotCount = count
		gotTool = tool
	}))
	m, err := s.Split(context.Background(), input, filepath.Join(dir, "out"), 300)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if gotCount != m.ChunkCount || gotTool {
		t.Fatalf("observer saw count=%d tool=%v, want count=%d tool=false", gotCount, gotTool, m.ChunkCount)
	}
}
