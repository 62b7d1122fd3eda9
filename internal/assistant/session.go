package assistant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OutcomeKind tells the session what to do after a turn.
type OutcomeKind int

const (
	// Continue keeps the session as it is.
	Continue OutcomeKind = iota
	// SwitchContext replaces session parameters with Outcome.Params.
	SwitchContext
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "CONTINUE"
	case SwitchContext:
		return "SWITCH_CONTEXT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// Chat modes understood by aider.
const (
	ModeCode = "code"
	ModeAsk  = "ask"
)

// Outcome is the result of one turn. Output is the reply, partial when the
// turn ended with a context switch.
type Outcome struct {
	Kind   OutcomeKind
	Output string
	Params map[string]string
}

// Turn is what a backend needs to run one message.
type Turn struct {
	Model       string
	RepoDir     string
	HistoryFile string
	ChatMode    string
	ReadOnly    []string
	Message     string
}

// Backend runs a single turn of the assistant.
type Backend interface {
	Send(ctx context.Context, turn Turn) (string, error)
}

type SessionOpts struct {
	Backend     Backend
	Model       string
	RepoDir     string
	HistoryFile string
	// Overhead is the context taken by the assistant's own prompts and
	// repository map before any file is added.
	Overhead int
	Count    func(string) int
	Logger   *zap.Logger
}

// Session is one conversation with the assistant about one checkout. It is
// not safe for concurrent use.
type Session struct {
	backend     Backend
	model       string
	repoDir     string
	historyFile string
	overhead    int
	count       func(string) int
	logger      *zap.Logger

	chatMode string
	readOnly []string
	history  []string
}

// DefaultOverhead approximates aider's system prompts plus its default
// 1024-token repository map.
const DefaultOverhead = 3072

func NewSession(opts SessionOpts) *Session {
	s := &Session{
		backend:     opts.Backend,
		model:       opts.Model,
		repoDir:     opts.RepoDir,
		historyFile: opts.HistoryFile,
		overhead:    opts.Overhead,
		count:       opts.Count,
		logger:      opts.Logger,
		chatMode:    ModeCode,
	}
	if s.overhead <= 0 {
		s.overhead = DefaultOverhead
	}
	if s.count == nil {
		s.count = CountTokens
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// HistoryFileName is the chat transcript name for an instance.
func HistoryFileName(logDir, instanceID string, now time.Time) string {
	return filepath.Join(logDir, fmt.Sprintf("%s-aider-chat-history-%s.md", instanceID, now.Format("2006-01-02_15-04-05.000")))
}

func (s *Session) ChatMode() string   { return s.chatMode }
func (s *Session) ReadOnly() []string { return append([]string(nil), s.readOnly...) }

// FileTokens estimates the context cost of a repository file.
func (s *Session) FileTokens(rel string) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.repoDir, rel))
	if err != nil {
		return 0, err
	}
	return s.count(fileMessage(rel, string(data))), nil
}

// Usage is the context already committed: the fixed overhead, the chat so
// far and every read-only file.
func (s *Session) Usage() int {
	total := s.overhead
	for _, h := range s.history {
		total += s.count(h)
	}
	for _, f := range s.readOnly {
		if n, err := s.FileTokens(f); err == nil {
			total += n
		}
	}
	return total
}

// AddContextFiles adds as many of the files touched by patch and testPatch
// as fit in window*threshold once instruction is also accounted for.
func (s *Session) AddContextFiles(ctx context.Context, patch, testPatch, instruction string, window int, threshold float64) ([]string, error) {
	files, err := CandidateFiles(patch, testPatch)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(files))
	for _, f := range files {
		n, err := s.FileTokens(f)
		if err != nil {
			s.logger.Debug("skipping unreadable candidate file", zap.String("file", f), zap.Error(err))
			continue
		}
		candidates = append(candidates, Candidate{Path: f, Tokens: n})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	baseline := s.Usage() + s.count(instruction)
	selected := SelectFiles(candidates, baseline, window, threshold, s.logger)
	if len(selected) == 0 {
		return nil, nil
	}
	if _, err := s.Run(ctx, "/read-only "+strings.Join(selected, " ")); err != nil {
		return nil, err
	}
	return selected, nil
}

// Run sends message and applies the resulting outcome. Slash commands
// /read-only, /chat-mode and /ask are handled like aider handles them.
func (s *Session) Run(ctx context.Context, message string) (string, error) {
	defer s.markEnd()
	out, err := s.step(ctx, message)
	if err != nil {
		return "", err
	}
	switch out.Kind {
	case Continue:
	case SwitchContext:
		s.apply(out.Params)
	}
	s.logger.Debug("assistant turn",
		zap.String("outcome", out.Kind.String()),
		zap.String("chat_mode", s.chatMode),
		zap.Int("read_only", len(s.readOnly)))
	return out.Output, nil
}

func (s *Session) step(ctx context.Context, message string) (Outcome, error) {
	cmd, args := splitCommand(message)
	switch cmd {
	case "/read-only", "/read":
		s.readOnly = appendUnique(s.readOnly, strings.Fields(args)...)
		return Outcome{Kind: Continue}, nil
	case "/chat-mode":
		mode := strings.TrimSpace(args)
		if mode == "" {
			return Outcome{}, fmt.Errorf("/chat-mode needs a mode")
		}
		return Outcome{Kind: SwitchContext, Params: map[string]string{"chat_mode": mode}}, nil
	case "/ask":
		// A one-off question; the session returns to its mode afterwards.
		reply, err := s.send(ctx, ModeAsk, args)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: SwitchContext, Output: reply, Params: map[string]string{"chat_mode": s.chatMode}}, nil
	}
	reply, err := s.send(ctx, s.chatMode, message)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Continue, Output: reply}, nil
}

func (s *Session) send(ctx context.Context, mode, message string) (string, error) {
	reply, err := s.backend.Send(ctx, Turn{
		Model:       s.model,
		RepoDir:     s.repoDir,
		HistoryFile: s.historyFile,
		ChatMode:    mode,
		ReadOnly:    s.ReadOnly(),
		Message:     message,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: %w", err)
	}
	s.history = append(s.history, message, reply)
	return reply, nil
}

func (s *Session) apply(params map[string]string) {
	if mode, ok := params["chat_mode"]; ok {
		s.chatMode = mode
	}
}

func (s *Session) markEnd() {
	if s.historyFile == "" {
		return
	}
	f, err := os.OpenFile(s.historyFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Debug("cannot append to chat history", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n\n**Operation ended at %s**\n", time.Now().Format("2006-01-02 15:04:05"))
}

func splitCommand(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "/") {
		return "", message
	}
	i := strings.IndexAny(trimmed, " \t\n")
	if i < 0 {
		return trimmed, ""
	}
	return trimmed[:i], trimmed[i+1:]
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, have := range list {
			if have == it {
				dup = true
				break
			}
		}
		if !dup {
			list = append(list, it)
		}
	}
	return list
}
