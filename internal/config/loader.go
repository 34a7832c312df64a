package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors the on-disk TOML layout. Pointer fields distinguish
// "absent" from zero so defaults can be applied after decoding.
type fileConfig struct {
	Settings fileSettings `toml:"settings"`
	Tasks    []fileTask   `toml:"tasks"`
}

type fileSettings struct {
	CheckInterval      *int    `toml:"check_interval"` // seconds
	MaxRetries         *int    `toml:"max_retries"`
	WorkingDirectory   *string `toml:"working_directory"`
	MaxParallelTasks   *int    `toml:"max_parallel_tasks"`
	EnableParallel     *bool   `toml:"enable_parallel"`
	AllowInfiniteLoops *bool   `toml:"allow_infinite_loops"`
	ProgressMode       *string `toml:"progress_mode"`
}

type fileTask struct {
	Name                  string   `toml:"name"`
	Prompt                string   `toml:"prompt"`
	VerifyCommand         string   `toml:"verify_command"`
	VerifySuccessCode     *int     `toml:"verify_success_code"`
	OnSuccess             *string  `toml:"on_success"`
	OnFailure             *string  `toml:"on_failure"`
	MaxAttempts           *int     `toml:"max_attempts"`
	Timeout               *int     `toml:"timeout"` // seconds
	SystemPrompt          *string  `toml:"system_prompt"`
	ResumePreviousSession *bool    `toml:"resume_previous_session"`
	DependsOn             []string `toml:"depends_on"`
	Exclusive             *bool    `toml:"exclusive"`
	Priority              *int     `toml:"priority"`
	CPURequired           *float64 `toml:"cpu_required"`
	MemoryRequired        *int     `toml:"memory_required"`
}

// Load reads and parses a TOML configuration file. Parse errors include the
// offending line and column plus a snippet of the surrounding lines.
// Validation is a separate step (Config.Validate).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes configuration from raw TOML bytes. The path is used only
// for error messages.
func Parse(data []byte, path string) (*Config, error) {
	var raw fileConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			return nil, fmt.Errorf("parsing %s at line %d, column %d: %s\n%s",
				path, row, col, de.Error(), snippet(data, row))
		}
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg := &Config{Settings: DefaultSettings()}
	applySettings(&cfg.Settings, raw.Settings)

	cfg.Tasks = make([]Task, 0, len(raw.Tasks))
	for _, rt := range raw.Tasks {
		cfg.Tasks = append(cfg.Tasks, resolveTask(rt, cfg.Settings))
	}
	cfg.reindex()

	return cfg, nil
}

func applySettings(s *Settings, raw fileSettings) {
	if raw.CheckInterval != nil {
		s.CheckInterval = time.Duration(*raw.CheckInterval) * time.Second
	}
	if raw.MaxRetries != nil {
		s.MaxRetries = *raw.MaxRetries
	}
	if raw.WorkingDirectory != nil {
		s.WorkingDirectory = *raw.WorkingDirectory
	}
	if raw.MaxParallelTasks != nil {
		s.MaxParallelTasks = *raw.MaxParallelTasks
	}
	if raw.EnableParallel != nil {
		s.EnableParallel = *raw.EnableParallel
	}
	if raw.AllowInfiniteLoops != nil {
		s.AllowInfiniteLoops = *raw.AllowInfiniteLoops
	}
	if raw.ProgressMode != nil {
		s.ProgressMode = ProgressMode(*raw.ProgressMode)
	}
}

func resolveTask(rt fileTask, s Settings) Task {
	t := Task{
		Name:          rt.Name,
		Prompt:        rt.Prompt,
		VerifyCommand: rt.VerifyCommand,
		OnSuccess:     ActionNext,
		OnFailure:     ActionRetry,
		MaxAttempts:   s.MaxRetries,
		DependsOn:     rt.DependsOn,
	}
	if rt.VerifySuccessCode != nil {
		t.VerifySuccessCode = *rt.VerifySuccessCode
	}
	if rt.OnSuccess != nil {
		t.OnSuccess = *rt.OnSuccess
	}
	if rt.OnFailure != nil {
		t.OnFailure = *rt.OnFailure
	}
	if rt.MaxAttempts != nil {
		t.MaxAttempts = *rt.MaxAttempts
		t.MaxAttemptsExplicit = true
	}
	if rt.Timeout != nil {
		t.Timeout = time.Duration(*rt.Timeout) * time.Second
	}
	if rt.SystemPrompt != nil {
		t.SystemPrompt = *rt.SystemPrompt
	}
	if rt.ResumePreviousSession != nil {
		t.ResumePreviousSession = *rt.ResumePreviousSession
	}
	if rt.Exclusive != nil {
		t.Exclusive = *rt.Exclusive
	}
	if rt.Priority != nil {
		t.Priority = *rt.Priority
	}
	if rt.CPURequired != nil {
		t.CPURequired = *rt.CPURequired
	}
	if rt.MemoryRequired != nil {
		t.MemoryRequired = *rt.MemoryRequired
	}
	return t
}

// snippet renders up to two lines of context on either side of the
// offending row, with a marker on the row itself.
func snippet(data []byte, row int) string {
	lines := strings.Split(string(data), "\n")
	if row < 1 || row > len(lines) {
		return ""
	}
	start := max(0, row-3)
	end := min(len(lines), row+2)

	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "    "
		if i+1 == row {
			marker = ">>> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, i+1, lines[i])
	}
	return strings.TrimRight(b.String(), "\n")
}
