package agent

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace is the per-repository working-copy manager of §4.3.1: it
// clones or fast-forwards a repository's working copy under
// workspaceRoot, serializing operations per repository with
// per-repository git subprocess calls (exec.Command("git", ...), the
// same idiom this domain uses throughout its own VCS integration rather
// than a Go git library).
type Workspace struct {
	root string

	mu     sync.Mutex
	repoMu map[string]*sync.Mutex
}

// NewWorkspace creates a manager rooted at root, creating the directory
// if needed.
func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{root: root, repoMu: make(map[string]*sync.Mutex)}, nil
}

// sanitize flattens "owner/name" into a single path segment. The
// separator is replaced with an underscore, which cannot otherwise
// appear in a forge full name.
func sanitize(fullName string) string {
	return strings.ReplaceAll(fullName, "/", "_")
}

// lockFor returns the mutex serializing every operation against one
// repository. Different repositories use different mutexes and proceed
// concurrently.
func (w *Workspace) lockFor(fullName string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.repoMu[fullName]
	if !ok {
		m = &sync.Mutex{}
		w.repoMu[fullName] = m
	}
	return m
}

// Repo is a git subprocess handle bound to one local working copy path,
// the same thin wrapper shape this domain uses for its own git
// integration. It carries the per-repository lock taken by Prepare,
// still held when Prepare returns: the caller decides how far into its
// own sequence of git operations that exclusivity needs to extend, and
// must call Unlock exactly once when it is done with the working copy.
type Repo struct {
	path string
	mu   *sync.Mutex
}

// Path returns the absolute local working-copy directory.
func (r *Repo) Path() string { return r.path }

// Unlock releases the per-repository lock taken by Prepare. Callers that
// only read the working copy (the chat path) should call this right
// after Prepare returns; callers that go on to branch/commit/push (the
// autonomous task path) must hold it until that whole sequence
// completes, per §4.3.1's "serializes clone/fetch/branch/commit/push".
func (r *Repo) Unlock() { r.mu.Unlock() }

// Prepare resolves the working copy for fullName ("owner/name"),
// cloning it on first use or fast-forwarding the default branch
// otherwise, per §4.3.1. token is the forge access token embedded in a
// single-use authenticated clone URL; cloneURL is the repository's
// https clone URL without credentials (e.g. "https://github.com/owner/name.git").
//
// The per-repository lock is held when Prepare returns successfully;
// the caller must call (*Repo).Unlock when it is finished with the
// working copy, even on a later error, or the repository deadlocks for
// every subsequent request.
func (w *Workspace) Prepare(fullName, cloneURL, token, defaultBranch string) (*Repo, error) {
	lock := w.lockFor(fullName)
	lock.Lock()

	path := filepath.Join(w.root, sanitize(fullName))
	repo := &Repo{path: path, mu: lock}

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if err := clone(authenticatedURL(cloneURL, token), path); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("clone %s: %w", fullName, err)
		}
		return repo, nil
	}

	if err := fetchFastForward(path, defaultBranch); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("fast-forward %s: %w", fullName, err)
	}
	return repo, nil
}

// authenticatedURL embeds a URL-encoded access token as a single-use
// HTTP basic-auth credential in an https clone URL.
func authenticatedURL(cloneURL, token string) string {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return cloneURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func clone(authedURL, path string) error {
	return runGit("", "clone", authedURL, path)
}

// fetchFastForward fetches the default branch and fast-forwards onto
// it, aborting if a fast-forward is impossible (conflicts are fatal for
// this request per §4.3.1 step 3).
func fetchFastForward(path, defaultBranch string) error {
	if err := runGit(path, "fetch", "origin", defaultBranch); err != nil {
		return err
	}
	if err := runGit(path, "checkout", defaultBranch); err != nil {
		return err
	}
	if err := runGit(path, "merge", "--ff-only", "origin/"+defaultBranch); err != nil {
		return fmt.Errorf("fast-forward merge failed (conflicts?): %w", err)
	}
	return nil
}

// CreateBranch creates and checks out a new branch from the current
// HEAD.
func (r *Repo) CreateBranch(name string) error {
	return runGit(r.path, "checkout", "-b", name)
}

// CheckoutBranch returns the working copy to an existing branch, used
// to restore the base branch after a task push so the next Prepare's
// fetch stays idempotent (§4.3.3 step 8).
func (r *Repo) CheckoutBranch(name string) error {
	return runGit(r.path, "checkout", name)
}

// HasChanges reports whether the working tree has any modification or
// untracked file.
func (r *Repo) HasChanges() (bool, error) {
	out, err := outputGit(r.path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// CommitAll stages every change and commits with message.
func (r *Repo) CommitAll(message string) error {
	if err := runGit(r.path, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if err := runGit(r.path, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PushBranch pushes branch to origin with an upstream set, retrying
// once after a fetch on conflict per §4.3.3 step 7.
func (r *Repo) PushBranch(branch string) error {
	err := runGit(r.path, "push", "--set-upstream", "origin", branch)
	if err == nil {
		return nil
	}
	if fetchErr := runGit(r.path, "fetch", "origin", branch); fetchErr != nil {
		return fmt.Errorf("push failed and fetch-retry failed: %w", err)
	}
	if retryErr := runGit(r.path, "push", "--set-upstream", "origin", branch); retryErr != nil {
		return fmt.Errorf("push failed after retry: %w", retryErr)
	}
	return nil
}

func runGit(dir string, args ...string) error {
	_, err := outputGit(dir, args...)
	return err
}

func outputGit(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s", strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return out, nil
}
