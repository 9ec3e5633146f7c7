// Command audiorelay-chunk is the standalone chunking entry point. It reads
// its contract from the environment, splits INPUT_PATH into OUTPUT_DIR, and
// always leaves a result.json behind describing what happened.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"audiorelay/internal/chunker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	inputPath := strings.TrimSpace(os.Getenv("INPUT_PATH"))
	outputDir := strings.TrimSpace(os.Getenv("OUTPUT_DIR"))

	chunkSeconds := chunker.DefaultChunkSeconds
	if raw := strings.TrimSpace(os.Getenv("CHUNK_SECONDS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fail(logger, outputDir, chunker.StageEnvCheck, fmt.Errorf("CHUNK_SECONDS must be a positive integer, got %q", raw))
		}
		chunkSeconds = parsed
	}

	if inputPath == "" {
		fail(logger, outputDir, chunker.StageEnvCheck, fmt.Errorf("INPUT_PATH is required"))
	}
	if outputDir == "" {
		fail(logger, "", chunker.StageEnvCheck, fmt.Errorf("OUTPUT_DIR is required"))
	}

	splitter := chunker.New(logger)
	manifest, err := splitter.Split(context.Background(), inputPath, outputDir, chunkSeconds)
	if err != nil {
		fail(logger, outputDir, chunker.StageFor(err), err)
	}

	logger.Info("done", "chunks", manifest.ChunkCount, "output_dir", outputDir)
}

func fail(logger *slog.Logger, outputDir, stage string, err error) {
	logger.Error("chunking failed", "stage", stage, "error", err)
	chunker.WriteFailure(outputDir, stage, err)
	os.Exit(1)
}
