package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	revPattern  = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)
)

// CheckoutError reports that a repository could not be brought to a revision.
type CheckoutError struct {
	Repo     string
	Revision string
	Err      error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout %s@%s: %v", e.Repo, e.Revision, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// RemoteURL derives the clone URL for an owner/name repository.
func RemoteURL(host, repo string) string {
	return fmt.Sprintf("https://%s/%s.git", host, repo)
}

func validRepo(repo string) error {
	if !repoPattern.MatchString(repo) || strings.HasPrefix(repo, "-") || strings.Contains(repo, "..") {
		return fmt.Errorf("invalid repository identifier %q", repo)
	}
	return nil
}

func validRevision(rev string) error {
	if !revPattern.MatchString(rev) || strings.HasPrefix(rev, "-") || strings.Contains(rev, "..") {
		return fmt.Errorf("invalid revision %q", rev)
	}
	return nil
}

func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

// Clone makes a full clone of url into dest. History is needed because
// instances pin arbitrary base commits.
func Clone(ctx context.Context, url, dest string) error {
	if strings.HasPrefix(url, "-") {
		return fmt.Errorf("invalid clone url %q", url)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating clone parent: %w", err)
	}
	if out, err := git(ctx, "", "clone", "--quiet", "--", url, dest); err != nil {
		return fmt.Errorf("git clone: %s: %w", out, err)
	}
	return nil
}

// Checkout force-checks-out rev on a detached HEAD, discarding local edits.
func Checkout(ctx context.Context, dir, rev string) error {
	if err := validRevision(rev); err != nil {
		return err
	}
	if out, err := git(ctx, dir, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--force", "--detach", rev); err != nil {
		return fmt.Errorf("git checkout: %s: %w", out, err)
	}
	return nil
}

func HeadRevision(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %s: %w", out, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func clean(ctx context.Context, dir string) (bool, error) {
	out, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %s: %w", out, err)
	}
	return len(strings.TrimSpace(string(out))) == 0, nil
}

// CaptureChanges returns what was changed in the checkout since HEAD: the
// diff of tracked files followed by one "untracked: <path>" line per new
// file. The index is not touched.
func CaptureChanges(ctx context.Context, repoDir string) ([]byte, error) {
	diff, err := git(ctx, repoDir, "diff", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git diff: %s: %w", diff, err)
	}
	others, err := git(ctx, repoDir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %s: %w", others, err)
	}
	for _, f := range strings.Fields(string(others)) {
		diff = append(diff, "untracked: "+f+"\n"...)
	}
	return diff, nil
}

type WorkspaceOptions struct {
	Dir       string
	Host      string
	CacheSize int
	// Remote overrides RemoteURL, e.g. to clone from a local mirror.
	Remote func(repo string) string
}

// Workspace keeps one clone per repository under Dir. It is safe for
// concurrent use across different repositories; callers must not check out
// the same repository from two goroutines.
type Workspace struct {
	dir    string
	remote func(string) string
	// repo -> commit verified at the last checkout
	heads  *lru.Cache[string, string]
	logger *zap.Logger
}

func NewWorkspace(opts WorkspaceOptions, logger *zap.Logger) (*Workspace, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if opts.Host == "" {
		opts.Host = "github.com"
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	heads, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	remote := opts.Remote
	if remote == nil {
		host := opts.Host
		remote = func(repo string) string { return RemoteURL(host, repo) }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{dir: dir, remote: remote, heads: heads, logger: logger}, nil
}

// Path is where repo is (or will be) cloned.
func (w *Workspace) Path(repo string) string {
	return filepath.Join(w.dir, filepath.FromSlash(repo))
}

// EnsureCheckedOut clones repo if it is absent and leaves its working tree
// at rev. The checkout is skipped only when HEAD already matches the cached
// commit for rev and the tree is clean.
func (w *Workspace) EnsureCheckedOut(ctx context.Context, repo, rev string) (string, error) {
	fail := func(err error) (string, error) {
		w.heads.Remove(repo)
		return "", &CheckoutError{Repo: repo, Revision: rev, Err: err}
	}
	if err := validRepo(repo); err != nil {
		return fail(err)
	}
	if err := validRevision(rev); err != nil {
		return fail(err)
	}

	path := w.Path(repo)
	if _, err := os.Stat(filepath.Join(path, ".git")); os.IsNotExist(err) {
		url := w.remote(repo)
		w.logger.Info("cloning repository", zap.String("repo", repo), zap.String("url", url))
		if err := Clone(ctx, url, path); err != nil {
			os.RemoveAll(path)
			return fail(err)
		}
	}

	if want, ok := w.heads.Get(repo); ok && strings.HasPrefix(want, rev) {
		head, err := HeadRevision(ctx, path)
		if err == nil && head == want {
			if ok, err := clean(ctx, path); err == nil && ok {
				w.logger.Debug("checkout up to date", zap.String("repo", repo), zap.String("revision", rev))
				return path, nil
			}
		}
	}

	if err := Checkout(ctx, path, rev); err != nil {
		return fail(err)
	}
	head, err := HeadRevision(ctx, path)
	if err != nil {
		return fail(err)
	}
	w.heads.Add(repo, head)
	w.logger.Debug("checked out", zap.String("repo", repo), zap.String("revision", rev), zap.String("head", head))
	return path, nil
}
