package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RunResult describes one assistant process.
type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// CLI runs an aider-compatible command once per turn. Session state is
// replayed through flags, so the process itself keeps nothing.
type CLI struct {
	Command string
	// Args are passed before the generated flags.
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Argv builds the command line for turn.
func (c *CLI) Argv(turn Turn) []string {
	argv := append([]string{c.Command}, c.Args...)
	argv = append(argv,
		"--model", turn.Model,
		"--no-auto-commits",
		"--no-detect-urls",
		"--no-stream",
		"--no-pretty",
		"--no-check-update",
		"--no-show-release-notes",
		"--chat-mode", turn.ChatMode,
	)
	if turn.HistoryFile != "" {
		argv = append(argv, "--chat-history-file", turn.HistoryFile)
	}
	for _, f := range turn.ReadOnly {
		argv = append(argv, "--read", f)
	}
	return append(argv, "--message", turn.Message)
}

// Send runs the command in the checkout and returns its standard output.
// Confirmations are answered "no" because standard input is empty.
func (c *CLI) Send(ctx context.Context, turn Turn) (string, error) {
	res, err := c.run(ctx, turn)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("%s timed out after %s", c.Command, c.Timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with code %d: %s", c.Command, res.ExitCode, tail(res.Stderr, 500))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *CLI) run(ctx context.Context, turn Turn) (*RunResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := c.Argv(turn)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = turn.RepoDir
	cmd.Stdin = strings.NewReader("")
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := &RunResult{Duration: time.Since(start), Stdout: stdout.String(), Stderr: stderr.String()}
	logger.Debug("assistant process finished",
		zap.String("chat_mode", turn.ChatMode),
		zap.Int("read_only", len(turn.ReadOnly)),
		zap.Duration("duration", res.Duration))

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res.ExitCode = 124
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("running %s: %w", c.Command, err)
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
