package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ClaudeConfig configures the Claude Code CLI adapter.
type ClaudeConfig struct {
	Command string // CLI binary, default "claude"
	WorkDir string
	Model   string // optional model override
}

// ClaudeSession implements Session on top of the Claude Code CLI using its
// streaming JSON output. Each Query is one subprocess invocation; session
// continuity is carried by --session-id / --resume.
type ClaudeSession struct {
	command string
	workDir string
	model   string
	procMgr *ProcessManager
}

// NewClaudeSession creates a Claude Code adapter. The ProcessManager is
// optional; when nil, subprocesses are not tracked for shutdown.
func NewClaudeSession(cfg ClaudeConfig, pm *ProcessManager) *ClaudeSession {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &ClaudeSession{
		command: command,
		workDir: cfg.WorkDir,
		model:   cfg.Model,
		procMgr: pm,
	}
}

// streamEvent is one line of the CLI's stream-json output. Only the fields
// the orchestrator consumes are decoded; tool-use metadata is ignored.
type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Query sends the prompt and consumes the reply stream to completion.
// When req.ResumeSessionID is set and the CLI cannot resume it, the query
// falls back to a fresh session with a warning instead of failing.
func (s *ClaudeSession) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	res, err := s.queryOnce(ctx, req, req.ResumeSessionID)
	if err == nil || req.ResumeSessionID == "" {
		return res, err
	}
	// Timeouts and cancellations are not resume failures.
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled) {
		return res, err
	}

	slog.Warn("could not resume previous session, starting fresh",
		"session_id", req.ResumeSessionID, "error", err)
	return s.queryOnce(ctx, req, "")
}

func (s *ClaudeSession) queryOnce(ctx context.Context, req QueryRequest, resumeID string) (QueryResult, error) {
	queryCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	sessionID := resumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cmd := newCommand(queryCtx, s.command, s.buildArgs(req, sessionID, resumeID != "")...)
	if s.workDir != "" {
		cmd.Dir = s.workDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: stdout pipe: %v", ErrTransport, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return QueryResult{}, fmt.Errorf("%w: starting %s: %v", ErrTransport, s.command, err)
	}
	s.procMgr.Track(cmd)
	defer s.procMgr.Untrack(cmd)

	// Drain the stream fully before cmd.Wait so the subprocess never
	// blocks on a full pipe.
	var text strings.Builder
	gotID, resultTxt, scanErr := collectStream(stdout, &text)
	waitErr := cmd.Wait()

	if waitErr != nil || scanErr != nil {
		return QueryResult{}, s.classifyError(ctx, queryCtx, waitErr, scanErr, stderr.String())
	}

	collected := text.String()
	if collected == "" {
		collected = resultTxt
	}
	if gotID == "" {
		gotID = sessionID
	}

	return QueryResult{
		Text:      collected,
		SessionID: gotID,
		Resumed:   resumeID != "",
	}, nil
}

// collectStream reads newline-delimited JSON events, appending assistant
// text to sink and returning the announced session id and final result
// text. Unparseable lines are skipped; the CLI interleaves no other output
// on stdout in stream-json mode.
func collectStream(r io.Reader, sink *strings.Builder) (sessionID, result string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			for _, part := range ev.Message.Content {
				if part.Type == "text" {
					sink.WriteString(part.Text)
				}
			}
		case "result":
			result = ev.Result
			if ev.IsError {
				return sessionID, result, fmt.Errorf("assistant reported error: %s", truncate(result, 200))
			}
		}
	}
	return sessionID, result, scanner.Err()
}

func (s *ClaudeSession) classifyError(parent, queryCtx context.Context, waitErr, scanErr error, stderr string) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, parent.Err())
	case queryCtx.Err() == context.DeadlineExceeded:
		return ErrTimeout
	}

	err := waitErr
	if err == nil {
		err = scanErr
	}
	if stderr != "" {
		return fmt.Errorf("%w: %v (stderr: %s)", ErrTransport, err, truncate(stderr, 500))
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// buildArgs constructs the CLI invocation. A fresh conversation pins the
// generated id with --session-id; a resumed one uses --resume.
func (s *ClaudeSession) buildArgs(req QueryRequest, sessionID string, resume bool) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	return args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
