package chunker

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const ManifestFileName = "result.json"

// Failure stages reported in an error manifest.
const (
	StageSizeCheck  = "size_check"
	StageEnvCheck   = "env_check"
	StageProcessing = "processing"
)

// Manifest describes the chunks produced for one input file. It is written
// to the output directory as result.json and never mutated afterwards.
type Manifest struct {
	Status          string   `json:"status"`
	Chunks          []string `json:"chunks"`
	ChunkCount      int      `json:"chunk_count"`
	InputFile       string   `json:"input_file"`
	ChunkSeconds    int      `json:"chunk_seconds"`
	FFmpegAvailable bool     `json:"ffmpeg_available"`
}

type failureManifest struct {
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

func writeManifest(outputDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, ManifestFileName), data, 0o644)
}

// WriteFailure records a failed chunking attempt in the output directory so
// callers inspecting the directory later can tell what went wrong. Best
// effort: an unwritable output directory is not a reason to mask the
// original error.
func WriteFailure(outputDir, stage string, cause error) {
	if outputDir == "" {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	data, err := json.MarshalIndent(failureManifest{Status: "error", Stage: stage, Error: msg}, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(outputDir, 0o755)
	_ = os.WriteFile(filepath.Join(outputDir, ManifestFileName), data, 0o644)
}

// StageFor maps a chunking error to the failure stage reported in the
// error manifest.
func StageFor(err error) string {
	switch {
	case isSizeLimit(err):
		return StageSizeCheck
	case isInvalidParam(err):
		return StageEnvCheck
	default:
		return StageProcessing
	}
}
