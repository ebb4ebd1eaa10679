package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// NotFoundError is returned when the remote reports the repository itself
// does not exist; retrying a fetch against it can never succeed.
type NotFoundError struct {
	RepoURL string
	Output  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("repository not found: %s: %s", e.RepoURL, e.Output)
}

// FetchError is returned when every retry attempt failed for a reason
// other than NotFoundError.
type FetchError struct {
	RepoURL string
	Commit  string
	Attempts int
	Output  string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s at %s failed after %d attempts: %s", e.RepoURL, e.Commit, e.Attempts, e.Output)
}

// Fetcher checks out study repositories at a specific commit.
type Fetcher struct {
	// MaxRetries is the number of additional attempts after the first
	// failure, matching original_source's three retries.
	MaxRetries int
	// RetryDelay is how long to sleep between attempts.
	RetryDelay time.Duration

	// sleep is overridden in tests to avoid real delays.
	sleep func(time.Duration)
}

// NewFetcher returns a Fetcher with the three-retries/ten-second-backoff
// defaults original_source used.
func NewFetcher() *Fetcher {
	return &Fetcher{
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
		sleep:      time.Sleep,
	}
}

func (f *Fetcher) sleepFunc() func(time.Duration) {
	if f.sleep != nil {
		return f.sleep
	}
	return time.Sleep
}

// ResolveCommit resolves branch against repoURL's remote refs and returns
// the commit SHA it currently points at. Used when a job request arrives
// without an explicit commit.
func (f *Fetcher) ResolveCommit(ctx context.Context, repoURL, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", repoURL, branch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isNotFoundOutput(stderr.String()) {
			return "", &NotFoundError{RepoURL: repoURL, Output: stderr.String()}
		}
		return "", fmt.Errorf("resolving %s on %s: %w: %s", branch, repoURL, err, stderr.String())
	}
	line := strings.TrimSpace(stdout.String())
	if line == "" {
		return "", fmt.Errorf("branch %s not found on %s", branch, repoURL)
	}
	fields := strings.Fields(line)
	return fields[0], nil
}

// ReadFileAtCommit returns the contents of path as it exists at commit in
// repoURL, without checking out a full working tree. This is how the
// expander reads project.yaml before deciding whether any jobs need to be
// created at all.
func (f *Fetcher) ReadFileAtCommit(ctx context.Context, repoURL, commit, path string) ([]byte, error) {
	dir, err := f.shallowFetch(ctx, repoURL, commit)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	cmd := exec.CommandContext(ctx, "git", "show", "FETCH_HEAD:"+path)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reading %s at %s from %s: %w: %s", path, commit, repoURL, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// FetchCommit checks out repoURL at commit into destDir, retrying a
// transient failure MaxRetries times with RetryDelay between attempts. A
// NotFoundError is never retried.
func (f *Fetcher) FetchCommit(ctx context.Context, repoURL, commit, destDir string) error {
	var lastOutput string
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		err := f.fetchInto(ctx, repoURL, commit, destDir)
		if err == nil {
			return nil
		}
		var notFound *NotFoundError
		if asNotFound(err, &notFound) {
			return notFound
		}
		lastOutput = err.Error()
		if attempt < f.MaxRetries {
			f.sleepFunc()(f.RetryDelay)
			continue
		}
	}
	return &FetchError{RepoURL: repoURL, Commit: commit, Attempts: f.MaxRetries + 1, Output: lastOutput}
}

func (f *Fetcher) fetchInto(ctx context.Context, repoURL, commit, destDir string) error {
	if err := runGit(ctx, destDir, "init"); err != nil {
		return err
	}
	if err := runGit(ctx, destDir, "fetch", "--depth", "1", repoURL, commit); err != nil {
		if isNotFoundOutput(err.Error()) {
			return &NotFoundError{RepoURL: repoURL, Output: err.Error()}
		}
		return err
	}
	if err := runGit(ctx, destDir, "checkout", "FETCH_HEAD"); err != nil {
		return err
	}
	return nil
}

// shallowFetch does a throwaway depth-1 fetch of commit into a fresh temp
// directory, returning its path. Callers must remove it when done.
func (f *Fetcher) shallowFetch(ctx context.Context, repoURL, commit string) (string, error) {
	dir, err := os.MkdirTemp("", "jobrunner-git-")
	if err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	if err := runGit(ctx, dir, "init"); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := runGit(ctx, dir, "fetch", "--depth", "1", repoURL, commit); err != nil {
		os.RemoveAll(dir)
		if isNotFoundOutput(err.Error()) {
			return "", &NotFoundError{RepoURL: repoURL, Output: err.Error()}
		}
		return "", err
	}
	return dir, nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func isNotFoundOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "repository not found") || strings.Contains(lower, "does not exist")
}

func asNotFound(err error, target **NotFoundError) bool {
	if nf, ok := err.(*NotFoundError); ok {
		*target = nf
		return true
	}
	return false
}
