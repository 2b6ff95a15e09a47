// Package usecase contains the business logic of the application.
package usecase

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/naka-gawa/contriboo/internal/domain"
	"github.com/naka-gawa/contriboo/internal/gateway"
)

const workspacePrefix = "contriboo-"

// Aggregator is the use case for counting a user's commits across repositories.
// It orchestrates discovery, history acquisition and matching.
type Aggregator struct {
	finder       gateway.Finder
	history      gateway.History
	logger       *zap.Logger
	workspaceDir string
	concurrency  int
	reporter     Reporter
	now          func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWorkspaceDir sets the parent directory of the per-call workspace.
// The system temporary directory is used when dir is empty.
func WithWorkspaceDir(dir string) Option {
	return func(a *Aggregator) { a.workspaceDir = dir }
}

// WithConcurrency sets how many repositories are processed at once. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) { a.concurrency = n }
}

// WithReporter sets where progress is reported when progress is requested.
func WithReporter(r Reporter) Option {
	return func(a *Aggregator) { a.reporter = r }
}

// NewAggregator creates a new Aggregator instance.
func NewAggregator(finder gateway.Finder, history gateway.History, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		finder:      finder,
		history:     history,
		logger:      logger.With(zap.String("component", "aggregator")),
		concurrency: 1,
		reporter:    NewLineReporter(os.Stdout),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.concurrency < 1 {
		a.concurrency = 1
	}
	return a
}

// CountTotalCommits counts the commits authored or committed by the identity in
// every repository discovered for username over the last days days.
//
// Only discovery failures are returned as errors; per-repository failures are
// recorded as skipped entries. repo_results keeps discovery order regardless of concurrency.
func (a *Aggregator) CountTotalCommits(ctx context.Context, username, email string, days int, showProgress bool) (*domain.ProfileCommitCountResult, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be > 0", domain.ErrInvalidArgument)
	}

	startedAt := a.now()
	repositories, err := a.finder.FindRepositoriesForAuthor(ctx, username, days)
	if err != nil {
		return nil, fmt.Errorf("failed to discover repositories: %w", err)
	}
	if len(repositories) == 0 {
		a.logger.Info("no repositories found", zap.String("username", username))
		return &domain.ProfileCommitCountResult{
			StartedAt:   startedAt,
			FinishedAt:  a.now(),
			RepoResults: []domain.RepositoryCommitCount{},
		}, nil
	}

	identity := domain.NewIdentity(username, email)
	var reporter Reporter = nopReporter{}
	if showProgress && a.reporter != nil {
		reporter = a.reporter
	}

	if a.workspaceDir != "" {
		if err := os.MkdirAll(a.workspaceDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare workspace dir: %w", err)
		}
	}
	workspace, err := os.MkdirTemp(a.workspaceDir, workspacePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			a.logger.Warn("failed to remove workspace", zap.String("dir", workspace), zap.Error(err))
		}
	}()
	a.logger.Debug("created workspace", zap.String("dir", workspace), zap.Int("repositories", len(repositories)))

	// Each worker writes only its own index, so no locking is needed and the
	// output order matches discovery order.
	results := make([]domain.RepositoryCommitCount, len(repositories))
	var eg errgroup.Group
	eg.SetLimit(a.concurrency)
	for i, fullName := range repositories {
		eg.Go(func() error {
			progress := Progress{Index: i + 1, Total: len(repositories), FullName: fullName}
			reporter.CloneStarted(progress)
			results[i] = a.countRepository(ctx, workspace, fullName, identity)
			reporter.RepositoryDone(progress, results[i])
			return nil
		})
	}
	_ = eg.Wait()

	result := &domain.ProfileCommitCountResult{
		ReposScanned: len(repositories),
		StartedAt:    startedAt,
		RepoResults:  results,
	}
	for _, repo := range results {
		switch repo.Status {
		case domain.StatusOK:
			result.TotalCommits += repo.CommitCount
		case domain.StatusSkipped:
			result.ReposSkipped++
		}
	}
	result.FinishedAt = a.now()

	a.logger.Info("aggregation complete",
		zap.Int("total_commits", result.TotalCommits),
		zap.Int("repos_scanned", result.ReposScanned),
		zap.Int("repos_skipped", result.ReposSkipped))
	return result, nil
}

// countRepository never fails: every error, and any panic from a gateway,
// becomes a skipped entry.
func (a *Aggregator) countRepository(ctx context.Context, workspace, fullName string, identity domain.Identity) (result domain.RepositoryCommitCount) {
	skipped := func(err error) domain.RepositoryCommitCount {
		a.logger.Warn("skipping repository", zap.String("repository", fullName), zap.Error(err))
		reason := err.Error()
		if reason == "" {
			reason = domain.ErrRepositoryUnavailable.Error()
		}
		return domain.RepositoryCommitCount{FullName: fullName, Status: domain.StatusSkipped, Error: reason}
	}
	defer func() {
		if r := recover(); r != nil {
			result = skipped(fmt.Errorf("%w: %v", domain.ErrRepositoryUnavailable, r))
		}
	}()

	repoDir, err := a.history.CloneRepository(ctx, fullName, workspace)
	if err != nil {
		return skipped(err)
	}
	branch, err := a.history.ResolveMainlineBranch(ctx, repoDir)
	if err != nil {
		return skipped(err)
	}
	if branch == "" {
		return skipped(domain.ErrNoMainlineBranch)
	}

	count := 0
	for sig, err := range a.history.CommitSignatures(ctx, repoDir, branch) {
		if err != nil {
			return skipped(err)
		}
		if identity.Matches(sig) {
			count++
		}
	}
	a.logger.Debug("counted repository", zap.String("repository", fullName), zap.String("branch", branch), zap.Int("commits", count))
	return domain.RepositoryCommitCount{FullName: fullName, Branch: branch, CommitCount: count, Status: domain.StatusOK}
}
