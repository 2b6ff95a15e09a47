// Package gateway provides gateways to GitHub and to git,
// abstracting away the underlying REST, GraphQL and subprocess clients.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v84/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/naka-gawa/contriboo/internal/domain"
)

const (
	// DefaultAPIURL is the public GitHub REST endpoint.
	DefaultAPIURL = "https://api.github.com"

	searchPageSize = 100

	// maxRateLimitWait is the longest primary rate limit reset window waited
	// out automatically. Secondary limit sleeps in the transport use the same cap.
	maxRateLimitWait = 60 * time.Second

	// maxRateLimitWaits caps automatic waits for a single page request.
	maxRateLimitWaits = 3
)

// Finder discovers the repositories a user has committed to.
type Finder interface {
	// FindRepositoriesForAuthor returns distinct "owner/repo" names with commits
	// by username in the last days days.
	FindRepositoriesForAuthor(ctx context.Context, username string, days int) ([]string, error)
}

// SearchOptions configures the GitHub API clients used for discovery.
type SearchOptions struct {
	Token          string
	BaseURL        string
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
	MaxSearchPages int
}

// SearchFinder is the Finder backed by the REST commit search endpoint.
type SearchFinder struct {
	restClient *github.Client
	retries    int
	retryDelay time.Duration
	maxPages   int
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSearchFinder creates a SearchFinder talking to opts.BaseURL (DefaultAPIURL when empty).
func NewSearchFinder(opts SearchOptions, logger *zap.Logger) (*SearchFinder, error) {
	httpClient, err := newHTTPClient(opts.Token, opts.Timeout)
	if err != nil {
		return nil, err
	}

	restClient := github.NewClient(httpClient)
	baseURL, err := url.Parse(apiBaseURL(opts.BaseURL) + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.BaseURL, err)
	}
	restClient.BaseURL = baseURL

	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}

	return &SearchFinder{
		restClient: restClient,
		retries:    retries,
		retryDelay: opts.RetryDelay,
		maxPages:   opts.MaxSearchPages,
		logger:     logger.With(zap.String("component", "search-finder")),
		now:        time.Now,
		sleep:      sleepContext,
	}, nil
}

// newHTTPClient builds the transport chain shared by the REST and GraphQL clients:
// secondary rate limit waiter, then bearer token when one is configured.
func newHTTPClient(token string, timeout time.Duration) (*http.Client, error) {
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(maxRateLimitWait, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}

	var transport http.RoundTripper = rateLimitWaiter
	if token != "" {
		transport = &oauth2.Transport{
			Base:   rateLimitWaiter,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func apiBaseURL(base string) string {
	if base == "" {
		return DefaultAPIURL
	}
	return strings.TrimRight(base, "/")
}

// FindRepositoriesForAuthor pages through commit search results until an empty
// page or the page limit, collecting repository names in first-seen order.
func (f *SearchFinder) FindRepositoriesForAuthor(ctx context.Context, username string, days int) ([]string, error) {
	since := f.now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	query := fmt.Sprintf("author:%s committer-date:>=%s", username, since)
	f.logger.Info("searching commits", zap.String("query", query), zap.Int("max_pages", f.maxPages))

	seen := make(map[string]struct{})
	repositories := []string{}
	for page := 1; page <= f.maxPages; page++ {
		result, err := f.searchPage(ctx, query, page)
		if err != nil {
			return nil, err
		}
		if len(result.Commits) == 0 {
			break
		}

		for _, commit := range result.Commits {
			name := commit.GetRepository().GetFullName()
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			repositories = append(repositories, name)
		}
		f.logger.Debug("fetched commit search page", zap.Int("page", page), zap.Int("items", len(result.Commits)))
	}

	f.logger.Info("completed repository discovery", zap.Int("repositories", len(repositories)))
	return repositories, nil
}

// searchPage requests one page. Each iteration ends in success, a retry
// (transport failure or short rate limit window) or a fatal error.
func (f *SearchFinder) searchPage(ctx context.Context, query string, page int) (*github.CommitsSearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("per_page", strconv.Itoa(searchPageSize))
	params.Set("page", strconv.Itoa(page))
	path := "search/commits?" + params.Encode()
	// Every attempt must reach the server; the client-side limit cache would
	// otherwise answer for it after a wait.
	reqCtx := context.WithValue(ctx, github.BypassRateLimitCheck, true)

	attempt, waits := 1, 0
	for {
		req, err := f.restClient.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build commit search request: %w", err)
		}
		var body json.RawMessage
		_, err = f.restClient.Do(reqCtx, req, &body)
		if err == nil {
			return decodeSearchResult(body)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var (
			rateErr   *github.RateLimitError
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			urlErr    *url.Error
		)
		switch {
		case errors.As(err, &rateErr):
			wait, ok := f.rateLimitWait(rateErr)
			if !ok {
				return nil, fmt.Errorf("%w. Wait about %ds or use token", domain.ErrRateLimited, int(wait.Seconds()))
			}
			if waits >= maxRateLimitWaits {
				return nil, fmt.Errorf("%w: still limited after %d waits", domain.ErrRateLimited, waits)
			}
			waits++
			f.logger.Warn("rate limited, waiting for reset", zap.Int("page", page), zap.Duration("wait", wait))
			if err := f.sleep(ctx, wait); err != nil {
				return nil, err
			}
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			return nil, fmt.Errorf("%w: GitHub API returned non-object response: %v", domain.ErrProtocol, err)
		case errors.As(err, &urlErr):
			if attempt >= f.retries {
				return nil, fmt.Errorf("%w: %v", domain.ErrServiceUnreachable, err)
			}
			f.logger.Warn("search request failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			attempt++
			if err := f.sleep(ctx, f.retryDelay); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("failed to search commits with REST API: %w", err)
		}
	}
}

// decodeSearchResult accepts only a JSON object; null, an empty body and
// other JSON values are protocol errors.
func decodeSearchResult(body json.RawMessage) (*github.CommitsSearchResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: GitHub API returned non-object response: empty body", domain.ErrProtocol)
	}
	if trimmed[0] != '{' {
		preview := string(trimmed)
		if len(preview) > 64 {
			preview = preview[:64] + "..."
		}
		return nil, fmt.Errorf("%w: GitHub API returned non-object response: %s", domain.ErrProtocol, preview)
	}

	var result github.CommitsSearchResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return nil, fmt.Errorf("%w: GitHub API returned malformed search result: %v", domain.ErrProtocol, err)
	}
	return &result, nil
}

// rateLimitWait returns the time until the limit resets plus one second, and
// whether that is short enough to wait out.
func (f *SearchFinder) rateLimitWait(rateErr *github.RateLimitError) (time.Duration, bool) {
	reset := rateErr.Rate.Reset.Time
	if reset.IsZero() {
		return 0, false
	}
	seconds := reset.Unix() - f.now().Unix() + 1
	if seconds <= 0 {
		return 0, false
	}
	wait := time.Duration(seconds) * time.Second
	return wait, wait <= maxRateLimitWait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
