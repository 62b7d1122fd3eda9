package gitops_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalnine/spice/internal/gitops"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	c := exec.Command(args[0], args[1:]...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("%v: %s", err, out)
	}
	return strings.TrimSpace(string(out))
}

// createTestRepo builds a repository with two commits and returns its path
// and both commit ids.
func createTestRepo(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "--quiet")
	run(t, dir, "git", "config", "user.email", "test@test.com")
	run(t, dir, "git", "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644)
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "--quiet", "-m", "initial")
	first := run(t, dir, "git", "rev-parse", "HEAD")
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello again"), 0o644)
	run(t, dir, "git", "commit", "--quiet", "-am", "second")
	second := run(t, dir, "git", "rev-parse", "HEAD")
	return dir, first, second
}

// mirrorWorkspace serves every repository identifier from one local repo.
func mirrorWorkspace(t *testing.T, origin string) *gitops.Workspace {
	t.Helper()
	ws, err := gitops.NewWorkspace(gitops.WorkspaceOptions{
		Dir:    t.TempDir(),
		Remote: func(string) string { return origin },
	}, nil)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func TestRemoteURL(t *testing.T) {
	got := gitops.RemoteURL("github.com", "astropy/astropy")
	if got != "https://github.com/astropy/astropy.git" {
		t.Errorf("got %q", got)
	}
}

func TestEnsureCheckedOut(t *testing.T) {
	origin, first, second := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)
	ctx := context.Background()

	path, err := ws.EnsureCheckedOut(ctx, "org/proj", first)
	if err != nil {
		t.Fatalf("EnsureCheckedOut: %v", err)
	}
	if path != ws.Path("org/proj") {
		t.Errorf("path: got %q, want %q", path, ws.Path("org/proj"))
	}
	content, _ := os.ReadFile(filepath.Join(path, "hello.txt"))
	if string(content) != "hello" {
		t.Errorf("content at first commit: got %q", content)
	}

	if _, err := ws.EnsureCheckedOut(ctx, "org/proj", second); err != nil {
		t.Fatalf("EnsureCheckedOut second: %v", err)
	}
	content, _ = os.ReadFile(filepath.Join(path, "hello.txt"))
	if string(content) != "hello again" {
		t.Errorf("content at second commit: got %q", content)
	}
	head, err := gitops.HeadRevision(ctx, path)
	if err != nil {
		t.Fatalf("HeadRevision: %v", err)
	}
	if head != second {
		t.Errorf("head: got %s, want %s", head, second)
	}
}

func TestEnsureCheckedOutDiscardsEdits(t *testing.T) {
	origin, first, _ := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)
	ctx := context.Background()

	path, err := ws.EnsureCheckedOut(ctx, "org/proj", first)
	if err != nil {
		t.Fatalf("EnsureCheckedOut: %v", err)
	}
	os.WriteFile(filepath.Join(path, "hello.txt"), []byte("edited by tooling"), 0o644)

	if _, err := ws.EnsureCheckedOut(ctx, "org/proj", first); err != nil {
		t.Fatalf("EnsureCheckedOut again: %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(path, "hello.txt"))
	if string(content) != "hello" {
		t.Errorf("expected edits discarded, got %q", content)
	}
}

func TestEnsureCheckedOutMissingRevision(t *testing.T) {
	origin, _, _ := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)

	_, err := ws.EnsureCheckedOut(context.Background(), "org/proj", "0123456789abcdef0123456789abcdef01234567")
	var ce *gitops.CheckoutError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CheckoutError, got %v", err)
	}
	if ce.Repo != "org/proj" {
		t.Errorf("repo: got %q", ce.Repo)
	}
}

func TestEnsureCheckedOutCloneFailure(t *testing.T) {
	ws := mirrorWorkspace(t, filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := ws.EnsureCheckedOut(context.Background(), "org/proj", "abc123")
	var ce *gitops.CheckoutError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CheckoutError, got %v", err)
	}
	if _, statErr := os.Stat(ws.Path("org/proj")); !os.IsNotExist(statErr) {
		t.Error("failed clone should not leave a directory behind")
	}
}

func TestEnsureCheckedOutRejectsOptionLikeInput(t *testing.T) {
	origin, first, _ := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)
	for _, repo := range []string{"--upload-pack=evil", "noslash", "a/../b", ""} {
		if _, err := ws.EnsureCheckedOut(context.Background(), repo, first); err == nil {
			t.Errorf("expected error for repo %q", repo)
		}
	}
	for _, rev := range []string{"--option", "", " spaces", "../escape"} {
		if _, err := ws.EnsureCheckedOut(context.Background(), "org/proj", rev); err == nil {
			t.Errorf("expected error for revision %q", rev)
		}
	}
}

func TestCaptureChanges(t *testing.T) {
	origin, first, _ := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)
	dest, err := ws.EnsureCheckedOut(context.Background(), "org/proj", first)
	if err != nil {
		t.Fatalf("EnsureCheckedOut: %v", err)
	}
	os.WriteFile(filepath.Join(dest, "hello.txt"), []byte("modified"), 0o644)
	os.WriteFile(filepath.Join(dest, "new.txt"), []byte("new file"), 0o644)
	diff, err := gitops.CaptureChanges(context.Background(), dest)
	if err != nil {
		t.Fatalf("CaptureChanges: %v", err)
	}
	if !strings.Contains(string(diff), "untracked: new.txt") {
		t.Errorf("expected untracked file in diff, got %s", diff)
	}
	if !strings.Contains(string(diff), "+modified") {
		t.Errorf("expected tracked change in diff, got %s", diff)
	}
	if status := run(t, dest, "git", "status", "--porcelain"); !strings.Contains(status, "?? new.txt") {
		t.Errorf("index was modified: %s", status)
	}
}

func TestCaptureChangesNoChanges(t *testing.T) {
	origin, first, _ := createTestRepo(t)
	ws := mirrorWorkspace(t, origin)
	dest, err := ws.EnsureCheckedOut(context.Background(), "org/proj", first)
	if err != nil {
		t.Fatalf("EnsureCheckedOut: %v", err)
	}
	diff, err := gitops.CaptureChanges(context.Background(), dest)
	if err != nil {
		t.Fatalf("CaptureChanges: %v", err)
	}
	if len(diff) != 0 {
		t.Errorf("expected empty diff, got %d bytes", len(diff))
	}
}
