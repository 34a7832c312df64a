package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[tasks]]
name = "build"
prompt = "fix the build"
verify_command = "make build"
`), "test.toml")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Settings.CheckInterval)
	assert.Equal(t, 3, cfg.Settings.MaxRetries)
	assert.Equal(t, 4, cfg.Settings.MaxParallelTasks)
	assert.True(t, cfg.Settings.EnableParallel)
	assert.False(t, cfg.Settings.AllowInfiniteLoops)
	assert.Equal(t, ProgressAuto, cfg.Settings.ProgressMode)

	require.Len(t, cfg.Tasks, 1)
	task := cfg.Tasks[0]
	assert.Equal(t, "build", task.Name)
	assert.Equal(t, ActionNext, task.OnSuccess)
	assert.Equal(t, ActionRetry, task.OnFailure)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.False(t, task.MaxAttemptsExplicit)
	assert.Equal(t, 0, task.VerifySuccessCode)
	assert.Zero(t, task.Timeout)
	assert.False(t, task.ResumePreviousSession)
	assert.False(t, task.Exclusive)
}

func TestParseFullSettings(t *testing.T) {
	cfg, err := Parse([]byte(`
[settings]
check_interval = 10
max_retries = 5
working_directory = "/tmp/project"
max_parallel_tasks = 8
enable_parallel = false
allow_infinite_loops = true
progress_mode = "simple"

[[tasks]]
name = "lint"
prompt = "fix lint errors"
verify_command = "make lint"
verify_success_code = 2
on_success = "stop"
on_failure = "next"
max_attempts = 7
timeout = 120
system_prompt = "you are terse"
resume_previous_session = true
depends_on = ["build"]
exclusive = true
priority = 9
cpu_required = 2.5
memory_required = 1024

[[tasks]]
name = "build"
prompt = "build it"
verify_command = "make"
`), "test.toml")
	require.NoError(t, err)

	s := cfg.Settings
	assert.Equal(t, 10*time.Second, s.CheckInterval)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, "/tmp/project", s.WorkingDirectory)
	assert.Equal(t, 8, s.MaxParallelTasks)
	assert.False(t, s.EnableParallel)
	assert.True(t, s.AllowInfiniteLoops)
	assert.Equal(t, ProgressSimple, s.ProgressMode)

	task := cfg.Tasks[0]
	assert.Equal(t, 2, task.VerifySuccessCode)
	assert.Equal(t, "stop", task.OnSuccess)
	assert.Equal(t, "next", task.OnFailure)
	assert.Equal(t, 7, task.MaxAttempts)
	assert.True(t, task.MaxAttemptsExplicit)
	assert.Equal(t, 2*time.Minute, task.Timeout)
	assert.Equal(t, "you are terse", task.SystemPrompt)
	assert.True(t, task.ResumePreviousSession)
	assert.Equal(t, []string{"build"}, task.DependsOn)
	assert.True(t, task.Exclusive)
	assert.Equal(t, 9, task.Priority)
	assert.Equal(t, 2.5, task.CPURequired)
	assert.Equal(t, 1024, task.MemoryRequired)
}

func TestParseMaxAttemptsDefaultsToMaxRetries(t *testing.T) {
	cfg, err := Parse([]byte(`
[settings]
max_retries = 9

[[tasks]]
name = "a"
prompt = "p"
verify_command = "true"
`), "test.toml")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Tasks[0].MaxAttempts)
}

func TestParseErrorReportsLineAndColumn(t *testing.T) {
	_, err := Parse([]byte(`[settings]
check_interval = 5

[[tasks]]
name = not quoted
`), "broken.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.toml")
	assert.Contains(t, err.Error(), "line 5")
	assert.Contains(t, err.Error(), ">>>")
	assert.Contains(t, err.Error(), "name = not quoted")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompter.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[tasks]]
name = "a"
prompt = "p"
verify_command = "true"
on_success = "b"

[[tasks]]
name = "b"
prompt = "p"
verify_command = "true"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Task("a"))
	assert.Equal(t, "b", cfg.Task("a").OnSuccess)
	assert.Equal(t, 1, cfg.TaskIndex("b"))
	assert.Nil(t, cfg.Task("missing"))
	assert.Equal(t, -1, cfg.TaskIndex("missing"))
	assert.False(t, cfg.HasDependencies())
	assert.Equal(t, []string{"a", "b"}, cfg.TaskNames())
}
