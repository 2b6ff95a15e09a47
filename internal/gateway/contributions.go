package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/naka-gawa/contriboo/internal/domain"
)

// maxContributionDays is the widest window contributionsCollection accepts.
const maxContributionDays = 365

// contributionsQuery lists the repositories a user committed to since $from.
type contributionsQuery struct {
	User struct {
		ContributionsCollection struct {
			CommitContributionsByRepository []struct {
				Repository struct {
					NameWithOwner string
				}
			} `graphql:"commitContributionsByRepository(maxRepositories: 100)"`
		} `graphql:"contributionsCollection(from: $from)"`
	} `graphql:"user(login: $login)"`
}

// ContributionsFinder is the Finder backed by the GraphQL contributions collection.
// Unlike commit search it sees private contributions, but it requires a token.
type ContributionsFinder struct {
	graphqlClient *githubv4.Client
	logger        *zap.Logger
	now           func() time.Time
}

// NewContributionsFinder creates a ContributionsFinder. The GraphQL endpoint is
// derived from opts.BaseURL.
func NewContributionsFinder(opts SearchOptions, logger *zap.Logger) (*ContributionsFinder, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: GraphQL discovery requires a GitHub token", domain.ErrInvalidArgument)
	}
	httpClient, err := newHTTPClient(opts.Token, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &ContributionsFinder{
		graphqlClient: githubv4.NewEnterpriseClient(apiBaseURL(opts.BaseURL)+"/graphql", httpClient),
		logger:        logger.With(zap.String("component", "contributions-finder")),
		now:           time.Now,
	}, nil
}

// FindRepositoriesForAuthor returns the repositories listed in the user's commit contributions.
func (f *ContributionsFinder) FindRepositoriesForAuthor(ctx context.Context, username string, days int) ([]string, error) {
	if days > maxContributionDays {
		return nil, fmt.Errorf("%w: GraphQL discovery supports at most %d days", domain.ErrInvalidArgument, maxContributionDays)
	}

	from := f.now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	variables := map[string]interface{}{
		"login": githubv4.String(username),
		"from":  githubv4.DateTime{Time: from},
	}
	f.logger.Info("querying commit contributions", zap.String("login", username), zap.Time("from", from))

	var q contributionsQuery
	if err := f.graphqlClient.Query(ctx, &q, variables); err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrServiceUnreachable, err)
		}
		return nil, fmt.Errorf("failed to execute GraphQL query for contributions: %w", err)
	}

	seen := make(map[string]struct{})
	repositories := []string{}
	for _, contribution := range q.User.ContributionsCollection.CommitContributionsByRepository {
		name := contribution.Repository.NameWithOwner
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		repositories = append(repositories, name)
	}

	f.logger.Info("completed repository discovery", zap.Int("repositories", len(repositories)))
	return repositories, nil
}
