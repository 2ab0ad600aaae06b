package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/testforge/internal/checkpoint"
	"github.com/harrison/testforge/internal/logger"
	"github.com/harrison/testforge/internal/models"
)

// Helper function to create a test manifest file
func createTestManifest(t *testing.T, content string) string {
	t.Helper()

	manifestFile := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(manifestFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test manifest: %v", err)
	}
	return manifestFile
}

// Helper function to execute run command with args
func executeRunCommand(t *testing.T, args []string) (string, error) {
	t.Helper()

	rootCmd := &cobra.Command{Use: "testforge"}
	runCmd := NewRunCommand()
	rootCmd.AddCommand(runCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return buf.String(), err
}

const validManifest = `tasks:
  - id: gen-parser
    prompt: Generate unit tests for the parser module
    source_file: src/parser.py
    output_file: src/parser_test.py
    estimated_tokens: 2000
  - id: gen-api
    prompt: Generate unit tests for the API handlers
    source_file: src/api/handlers.py
    estimated_tokens: 5000
`

func TestRunCommand_DryRun(t *testing.T) {
	manifest := createTestManifest(t, validManifest)

	output, err := executeRunCommand(t, []string{"run", "--dry-run", manifest})
	if err != nil {
		t.Fatalf("Dry run should succeed, got: %v", err)
	}

	if !strings.Contains(output, "Total tasks: 2") {
		t.Errorf("Expected task count in output, got: %s", output)
	}
	if !strings.Contains(output, "Dry-run mode") {
		t.Errorf("Expected dry-run notice, got: %s", output)
	}
	if !strings.Contains(output, "gen-parser") || !strings.Contains(output, "gen-api") {
		t.Errorf("Expected task ids in dry-run listing, got: %s", output)
	}
	// complexity classes from token estimates and path hints
	if !strings.Contains(output, "high") {
		t.Errorf("Expected the api task classified high, got: %s", output)
	}
}

func TestRunCommand_MissingManifest(t *testing.T) {
	_, err := executeRunCommand(t, []string{"run", "--dry-run", "/nonexistent/tasks.yaml"})
	if err == nil {
		t.Fatal("Expected error for missing manifest")
	}
	if !strings.Contains(err.Error(), "manifest") {
		t.Errorf("Expected manifest error, got: %v", err)
	}
}

func TestRunCommand_EmptyManifest(t *testing.T) {
	manifest := createTestManifest(t, "tasks: []\n")

	output, err := executeRunCommand(t, []string{"run", "--dry-run", manifest})
	if err != nil {
		t.Fatalf("Empty manifest should not error, got: %v", err)
	}
	if !strings.Contains(output, "no tasks") {
		t.Errorf("Expected no-tasks notice, got: %s", output)
	}
}

func TestRunCommand_InvalidTimeout(t *testing.T) {
	manifest := createTestManifest(t, validManifest)

	_, err := executeRunCommand(t, []string{"run", "--dry-run", "--timeout", "bogus", manifest})
	if err == nil {
		t.Fatal("Expected error for invalid timeout")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout error, got: %v", err)
	}
}

func TestRunCommand_InvalidConcurrency(t *testing.T) {
	manifest := createTestManifest(t, validManifest)

	_, err := executeRunCommand(t, []string{"run", "--dry-run", "--max-concurrency", "-2", manifest})
	if err == nil {
		t.Fatal("Expected error for negative concurrency")
	}
}

func TestRunCommand_FlagsOverrideConfig(t *testing.T) {
	manifest := createTestManifest(t, validManifest)

	output, err := executeRunCommand(t, []string{"run", "--dry-run", "--max-concurrency", "7", manifest})
	if err != nil {
		t.Fatalf("Dry run should succeed, got: %v", err)
	}
	if !strings.Contains(output, "Max concurrency: 7") {
		t.Errorf("Expected flag to override concurrency, got: %s", output)
	}
}

func TestRunCommand_RequiresManifestArg(t *testing.T) {
	_, err := executeRunCommand(t, []string{"run"})
	if err == nil {
		t.Fatal("Expected error when no manifest is given")
	}
}

func TestWriteGeneratedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out_test.py")

	if err := writeGeneratedFile(path, "def test_ok(): pass\n"); err != nil {
		t.Fatalf("writeGeneratedFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read generated file: %v", err)
	}
	if string(content) != "def test_ok(): pass\n" {
		t.Errorf("Unexpected content: %s", content)
	}
}

func TestReactivateFailed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := checkpoint.NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	task := models.Task{
		ID:              "gen-parser",
		Prompt:          "Generate tests",
		SourceFile:      "src/parser.py",
		OutputFile:      "src/parser_test.py",
		EstimatedTokens: 2000,
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Failed to create checkpoint: %v", err)
	}
	if err := store.Update(ctx, id, checkpoint.PhaseGenerating, 40, "def test_parse(): pass\n", 24, time.Second); err != nil {
		t.Fatalf("Failed to update checkpoint: %v", err)
	}
	if err := store.Fail(ctx, id, "timeout after 10m"); err != nil {
		t.Fatalf("Failed to fail checkpoint: %v", err)
	}

	decision, err := store.CanResume(ctx, task)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if decision.CanResume {
		t.Fatal("Failed checkpoint should not be resumable before reactivation")
	}

	if err := reactivateFailed(ctx, store, []models.Task{task}, logger.NewNoOpLogger()); err != nil {
		t.Fatalf("reactivateFailed failed: %v", err)
	}

	decision, err = store.CanResume(ctx, task)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if !decision.CanResume {
		t.Fatal("Expected reactivated checkpoint to be resumable")
	}
	if decision.CheckpointID != id {
		t.Errorf("Resumed wrong checkpoint: got %s, want %s", decision.CheckpointID, id)
	}
}

func TestReactivateFailedSkipsCheckpointsWithoutOutput(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := checkpoint.NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	task := models.Task{
		ID:              "gen-empty",
		Prompt:          "Generate tests",
		SourceFile:      "src/empty.py",
		OutputFile:      "src/empty_test.py",
		EstimatedTokens: 500,
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Failed to create checkpoint: %v", err)
	}
	if err := store.Fail(ctx, id, "spawn failed"); err != nil {
		t.Fatalf("Failed to fail checkpoint: %v", err)
	}

	if err := reactivateFailed(ctx, store, []models.Task{task}, logger.NewNoOpLogger()); err != nil {
		t.Fatalf("reactivateFailed failed: %v", err)
	}

	// Nothing to resume from, so the checkpoint stays failed.
	decision, err := store.CanResume(ctx, task)
	if err != nil {
		t.Fatalf("CanResume failed: %v", err)
	}
	if decision.CanResume {
		t.Error("Checkpoint without partial output should stay failed")
	}
}
