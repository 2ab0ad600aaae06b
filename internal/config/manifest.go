package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrison/testforge/internal/models"
)

// manifestTask is the YAML shape of one task entry.
type manifestTask struct {
	ID              string  `yaml:"id"`
	Prompt          string  `yaml:"prompt"`
	SourceFile      string  `yaml:"source_file"`
	OutputFile      string  `yaml:"output_file"`
	EstimatedTokens int     `yaml:"estimated_tokens"`
	EstimatedCost   float64 `yaml:"estimated_cost"`
}

type manifest struct {
	Tasks []manifestTask `yaml:"tasks"`
}

// LoadManifest reads a task manifest YAML file and returns validated tasks.
// Missing optional fields get defaults: the id is derived from the source
// file, the output file defaults to <source>_test alongside the source, and
// the token estimate defaults to 2000.
func LoadManifest(path string) ([]models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Tasks) == 0 {
		return nil, fmt.Errorf("manifest %s contains no tasks", path)
	}

	seen := make(map[string]bool, len(m.Tasks))
	tasks := make([]models.Task, 0, len(m.Tasks))
	for i, mt := range m.Tasks {
		task := models.Task{
			ID:              mt.ID,
			Prompt:          mt.Prompt,
			SourceFile:      mt.SourceFile,
			OutputFile:      mt.OutputFile,
			EstimatedTokens: mt.EstimatedTokens,
			EstimatedCost:   mt.EstimatedCost,
		}

		if task.ID == "" && task.SourceFile != "" {
			task.ID = deriveTaskID(task.SourceFile)
		}
		if task.OutputFile == "" && task.SourceFile != "" {
			task.OutputFile = deriveOutputFile(task.SourceFile)
		}
		if task.EstimatedTokens == 0 {
			task.EstimatedTokens = 2000
		}

		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("manifest task %d: %w", i+1, err)
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("manifest task %d: duplicate task id %q", i+1, task.ID)
		}
		seen[task.ID] = true

		tasks = append(tasks, task)
	}

	return tasks, nil
}

// deriveTaskID turns "src/pkg/handler.go" into "gen-handler".
func deriveTaskID(sourceFile string) string {
	base := filepath.Base(sourceFile)
	ext := filepath.Ext(base)
	return "gen-" + strings.TrimSuffix(base, ext)
}

// deriveOutputFile places "<name>_test<ext>" next to the source file.
func deriveOutputFile(sourceFile string) string {
	ext := filepath.Ext(sourceFile)
	return strings.TrimSuffix(sourceFile, ext) + "_test" + ext
}
