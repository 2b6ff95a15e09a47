package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/naka-gawa/contriboo/internal/domain"
)

const (
	// DefaultRemoteURL is the host repositories are cloned from.
	DefaultRemoteURL = "https://github.com"

	// DefaultGitTimeout bounds a single git invocation when no timeout is given.
	DefaultGitTimeout = 180 * time.Second

	// fieldSeparator is the unit separator emitted by %x1f.
	fieldSeparator = "\x1f"
	logFormat      = "--pretty=format:%ae%x1f%an%x1f%ce%x1f%cn"

	// maxLogLineSize bounds a single log line; longer lines are dropped.
	maxLogLineSize = 1024 * 1024
)

// mainlineBranches are probed in order.
var mainlineBranches = []string{"main", "master"}

// History acquires repository history and streams commit signatures from it.
type History interface {
	// CloneRepository clones fullName without blobs or a working tree into a
	// subdirectory of targetRoot and returns that directory.
	CloneRepository(ctx context.Context, fullName, targetRoot string) (string, error)

	// ResolveMainlineBranch returns "main" or "master", or "" when neither exists.
	ResolveMainlineBranch(ctx context.Context, repoDir string) (string, error)

	// CommitSignatures lazily yields the signature of every commit reachable
	// from origin/branch. A failure is yielded once as the final element.
	CommitSignatures(ctx context.Context, repoDir, branch string) iter.Seq2[domain.CommitSignature, error]
}

// GitError represents a failed git invocation, with the captured output.
// It matches domain.ErrRepositoryUnavailable under errors.Is.
type GitError struct {
	Operation string
	Args      []string
	Output    string
	Timeout   time.Duration
	Err       error
}

func (e *GitError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("Command timeout after %ds: git %s", int(e.Timeout.Seconds()), strings.Join(e.Args, " "))
	}
	return fmt.Sprintf("git %s failed: %s", e.Operation, e.Output)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

func (e *GitError) Is(target error) bool {
	return target == domain.ErrRepositoryUnavailable
}

// GitGateway is the History implementation that shells out to the git binary.
type GitGateway struct {
	timeout   time.Duration
	remoteURL string
	logger    *zap.Logger
}

// NewGitGateway creates a GitGateway. Every git invocation is bounded by timeout;
// repositories are cloned from remoteURL (DefaultRemoteURL when empty).
func NewGitGateway(timeout time.Duration, remoteURL string, logger *zap.Logger) *GitGateway {
	if remoteURL == "" {
		remoteURL = DefaultRemoteURL
	}
	if timeout <= 0 {
		timeout = DefaultGitTimeout
	}
	return &GitGateway{
		timeout:   timeout,
		remoteURL: strings.TrimRight(remoteURL, "/"),
		logger:    logger.With(zap.String("component", "git")),
	}
}

// RepositoryDirName maps "owner/repo" to a single path element.
func RepositoryDirName(fullName string) string {
	return strings.ReplaceAll(fullName, "/", "__")
}

func (g *GitGateway) CloneRepository(ctx context.Context, fullName, targetRoot string) (string, error) {
	if err := validateFullName(fullName); err != nil {
		return "", err
	}
	repoURL := fmt.Sprintf("%s/%s.git", g.remoteURL, fullName)
	repoDir := filepath.Join(targetRoot, RepositoryDirName(fullName))

	g.logger.Debug("cloning repository", zap.String("url", repoURL), zap.String("dir", repoDir))
	if _, err := g.run(ctx, "", "clone", "--filter=blob:none", "--no-checkout", repoURL, repoDir); err != nil {
		return "", err
	}
	return repoDir, nil
}

func (g *GitGateway) ResolveMainlineBranch(ctx context.Context, repoDir string) (string, error) {
	for _, branch := range mainlineBranches {
		ok, err := g.hasBranch(ctx, repoDir, branch)
		if err != nil {
			return "", err
		}
		if ok {
			return branch, nil
		}
	}
	return "", nil
}

func (g *GitGateway) CommitSignatures(ctx context.Context, repoDir, branch string) iter.Seq2[domain.CommitSignature, error] {
	return func(yield func(domain.CommitSignature, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		args := []string{"log", "origin/" + branch, logFormat}
		cmd := g.command(ctx, repoDir, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(domain.CommitSignature{}, g.commandError(ctx, args, err, ""))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(domain.CommitSignature{}, g.commandError(ctx, args, err, ""))
			return
		}

		reader := bufio.NewReader(stdout)
		err = nil
		for {
			line, tooLong, readErr := readLine(reader, maxLogLineSize)
			if readErr != nil {
				if readErr != io.EOF {
					err = readErr
				}
				break
			}
			if tooLong {
				g.logger.Debug("dropping oversized log line", zap.String("dir", repoDir))
				continue
			}
			sig, ok := parseSignature(line)
			if !ok {
				continue
			}
			if !yield(sig, nil) {
				cancel()
				_ = cmd.Wait()
				return
			}
		}

		if err != nil {
			cancel()
		}
		if waitErr := cmd.Wait(); err == nil {
			err = waitErr
		}
		if err != nil {
			yield(domain.CommitSignature{}, g.commandError(ctx, args, err, stderr.String()))
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed entirely and reported as too long.
func readLine(r *bufio.Reader, maxLine int) (string, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLine {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (err != io.EOF || (len(buf) == 0 && !tooLong)) {
			return "", false, err
		}
		return strings.TrimRight(string(buf), "\r\n"), tooLong, nil
	}
}

// hasBranch reports whether origin/branch exists. Only a non-zero exit means
// "missing"; timeouts and launch failures are errors.
func (g *GitGateway) hasBranch(ctx context.Context, repoDir, branch string) (bool, error) {
	_, err := g.run(ctx, repoDir, "rev-parse", "--verify", "--quiet", "origin/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	var gitErr *GitError
	if errors.As(err, &gitErr) && gitErr.Timeout == 0 && errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (g *GitGateway) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := g.command(ctx, dir, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return "", g.commandError(ctx, args, err, output)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *GitGateway) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never block on a credential prompt for private or missing repositories.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

func (g *GitGateway) commandError(ctx context.Context, args []string, err error, output string) error {
	gitErr := &GitError{Operation: args[0], Args: args, Output: strings.TrimSpace(output), Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		gitErr.Timeout = g.timeout
		gitErr.Err = ctx.Err()
	}
	if gitErr.Output == "" {
		gitErr.Output = "Git command failed"
	}
	return gitErr
}

// parseSignature splits one log record; records without exactly four fields are dropped.
func parseSignature(line string) (domain.CommitSignature, bool) {
	parts := strings.Split(line, fieldSeparator)
	if len(parts) != 4 {
		return domain.CommitSignature{}, false
	}
	return domain.NewCommitSignature(parts[0], parts[1], parts[2], parts[3]), true
}

func validateFullName(fullName string) error {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") ||
		owner == ".." || repo == ".." || owner == "." || repo == "." {
		return fmt.Errorf("%w: invalid repository name %q", domain.ErrRepositoryUnavailable, fullName)
	}
	return nil
}
