package gateway

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/naka-gawa/contriboo/internal/domain"
)

type fixtureCommit struct {
	authorName, authorEmail       string
	committerName, committerEmail string
}

// requireGit skips the test when no git binary is available.
func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitCmd(t *testing.T, dir string, env []string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// createRemote builds a bare repository at <root>/<fullName>.git whose only branch is branch.
func createRemote(t *testing.T, root, fullName, branch string, commits []fixtureCommit) {
	t.Helper()
	work := t.TempDir()
	gitCmd(t, work, nil, "init", "--quiet", "--initial-branch="+branch)
	for i, c := range commits {
		env := []string{
			"GIT_AUTHOR_NAME=" + c.authorName,
			"GIT_AUTHOR_EMAIL=" + c.authorEmail,
			"GIT_COMMITTER_NAME=" + c.committerName,
			"GIT_COMMITTER_EMAIL=" + c.committerEmail,
		}
		require.NoError(t, os.WriteFile(filepath.Join(work, "file.txt"), []byte{byte('a' + i)}, 0o644))
		gitCmd(t, work, env, "add", "file.txt")
		gitCmd(t, work, env, "commit", "--quiet", "-m", "change")
	}

	bare := filepath.Join(root, fullName+".git")
	require.NoError(t, os.MkdirAll(filepath.Dir(bare), 0o755))
	gitCmd(t, root, nil, "clone", "--quiet", "--bare", work, bare)
}

func collectSignatures(t *testing.T, g *GitGateway, repoDir, branch string) ([]domain.CommitSignature, error) {
	t.Helper()
	var sigs []domain.CommitSignature
	for sig, err := range g.CommitSignatures(context.Background(), repoDir, branch) {
		if err != nil {
			return sigs, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func TestGitGateway_CloneAndStream(t *testing.T) {
	requireGit(t)

	testCases := []struct {
		name           string
		fullName       string
		branch         string
		commits        []fixtureCommit
		expectedBranch string
		expectedSigs   []domain.CommitSignature
	}{
		{
			name:     "main branch - signatures are lowercased, newest first",
			fullName: "org/repo-main",
			branch:   "main",
			commits: []fixtureCommit{
				{"Alice", "Alice@Example.com", "Alice", "Alice@Example.com"},
				{"Bob", "bob@example.com", "GitHub", "noreply@github.com"},
			},
			expectedBranch: "main",
			expectedSigs: []domain.CommitSignature{
				{AuthorEmail: "bob@example.com", AuthorName: "bob", CommitterEmail: "noreply@github.com", CommitterName: "github"},
				{AuthorEmail: "alice@example.com", AuthorName: "alice", CommitterEmail: "alice@example.com", CommitterName: "alice"},
			},
		},
		{
			name:     "master fallback",
			fullName: "org/repo-master",
			branch:   "master",
			commits: []fixtureCommit{
				{"Carol", "carol@example.com", "Carol", "carol@example.com"},
			},
			expectedBranch: "master",
			expectedSigs: []domain.CommitSignature{
				{AuthorEmail: "carol@example.com", AuthorName: "carol", CommitterEmail: "carol@example.com", CommitterName: "carol"},
			},
		},
		{
			name:     "no mainline branch",
			fullName: "org/repo-develop",
			branch:   "develop",
			commits: []fixtureCommit{
				{"Dave", "dave@example.com", "Dave", "dave@example.com"},
			},
			expectedBranch: "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			remoteRoot := t.TempDir()
			createRemote(t, remoteRoot, tc.fullName, tc.branch, tc.commits)
			g := NewGitGateway(time.Minute, "file://"+remoteRoot, zap.NewNop())
			target := t.TempDir()

			repoDir, err := g.CloneRepository(context.Background(), tc.fullName, target)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(target, RepositoryDirName(tc.fullName)), repoDir)

			branch, err := g.ResolveMainlineBranch(context.Background(), repoDir)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedBranch, branch)
			if branch == "" {
				return
			}

			sigs, err := collectSignatures(t, g, repoDir, branch)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedSigs, sigs)
		})
	}
}

func TestGitGateway_CloneFailure(t *testing.T) {
	requireGit(t)
	g := NewGitGateway(time.Minute, "file://"+t.TempDir(), zap.NewNop())

	_, err := g.CloneRepository(context.Background(), "org/missing", t.TempDir())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRepositoryUnavailable)
	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, "clone", gitErr.Operation)
	assert.NotEmpty(t, gitErr.Output)
	assert.Contains(t, err.Error(), "git clone failed")
}

func TestGitGateway_CommandTimeout(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	createRemote(t, root, "org/slow", "main", []fixtureCommit{
		{"Alice", "alice@example.com", "Alice", "alice@example.com"},
	})
	g := NewGitGateway(time.Nanosecond, "file://"+root, zap.NewNop())

	_, err := g.CloneRepository(context.Background(), "org/slow", t.TempDir())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRepositoryUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var gitErr *GitError
	require.ErrorAs(t, err, &gitErr)
	assert.Greater(t, gitErr.Timeout, time.Duration(0))
	assert.Contains(t, err.Error(), "Command timeout after 0s: git clone")
}

func TestGitGateway_StreamFailureIsYielded(t *testing.T) {
	requireGit(t)
	g := NewGitGateway(time.Minute, "", zap.NewNop())

	_, err := collectSignatures(t, g, t.TempDir(), "main")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRepositoryUnavailable)
}

func TestGitGateway_InvalidRepositoryName(t *testing.T) {
	g := NewGitGateway(time.Minute, "", zap.NewNop())
	for _, name := range []string{"", "noslash", "org/../etc", "../repo", "org/", "/repo"} {
		_, err := g.CloneRepository(context.Background(), name, t.TempDir())
		assert.ErrorIs(t, err, domain.ErrRepositoryUnavailable, name)
	}
}

func TestParseSignature(t *testing.T) {
	testCases := []struct {
		name     string
		line     string
		expected domain.CommitSignature
		ok       bool
	}{
		{
			name:     "four fields",
			line:     "A@X.io\x1fAlice Smith\x1fNoreply@GitHub.com\x1fGitHub",
			expected: domain.CommitSignature{AuthorEmail: "a@x.io", AuthorName: "alice smith", CommitterEmail: "noreply@github.com", CommitterName: "github"},
			ok:       true,
		},
		{
			name:     "empty fields are kept",
			line:     "\x1f\x1f\x1f",
			expected: domain.CommitSignature{},
			ok:       true,
		},
		{name: "too few fields", line: "a@x.io\x1falice", ok: false},
		{name: "too many fields", line: "a\x1fb\x1fc\x1fd\x1fe", ok: false},
		{name: "blank line", line: "", ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sig, ok := parseSignature(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, sig)
		})
	}
}

func TestGitError_Error(t *testing.T) {
	timeoutErr := &GitError{Operation: "clone", Args: []string{"clone", "url", "dir"}, Timeout: 180 * time.Second, Err: context.DeadlineExceeded}
	assert.Equal(t, "Command timeout after 180s: git clone url dir", timeoutErr.Error())
	assert.ErrorIs(t, timeoutErr, context.DeadlineExceeded)
	assert.ErrorIs(t, timeoutErr, domain.ErrRepositoryUnavailable)

	failed := &GitError{Operation: "clone", Args: []string{"clone"}, Output: "fatal: repository not found"}
	assert.Equal(t, "git clone failed: fatal: repository not found", failed.Error())
}

func TestReadLine(t *testing.T) {
	type line struct {
		text    string
		tooLong bool
	}
	testCases := []struct {
		name     string
		input    string
		maxLine  int
		expected []line
	}{
		{
			name:     "last line without terminator",
			input:    "a\nb\r\nc",
			maxLine:  16,
			expected: []line{{text: "a"}, {text: "b"}, {text: "c"}},
		},
		{
			name:     "oversized line is skipped, reading continues",
			input:    "ok\n" + strings.Repeat("x", 100) + "\nnext\n",
			maxLine:  32,
			expected: []line{{text: "ok"}, {tooLong: true}, {text: "next"}},
		},
		{
			name:     "oversized last line",
			input:    "ok\n" + strings.Repeat("x", 100),
			maxLine:  32,
			expected: []line{{text: "ok"}, {tooLong: true}},
		},
		{
			name:     "empty input",
			input:    "",
			maxLine:  16,
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// The minimum reader size forces lines to span several buffer fills.
			reader := bufio.NewReaderSize(strings.NewReader(tc.input), 16)
			var got []line
			for {
				text, tooLong, err := readLine(reader, tc.maxLine)
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				got = append(got, line{text: text, tooLong: tooLong})
			}
			assert.Equal(t, tc.expected, got)
		})
	}
}
