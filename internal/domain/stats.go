// Package domain contains the core data structures and domain logic for the application.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// Error taxonomy shared by the gateways and the orchestrator.
var (
	// ErrInvalidArgument indicates bad caller input, such as a non-positive day window.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrServiceUnreachable indicates the search API could not be reached after all retries.
	ErrServiceUnreachable = errors.New("GitHub API is unreachable (DNS/network issue). Check internet/VPN/DNS and try again")

	// ErrRateLimited indicates a rate limit whose reset window is too long or unknown.
	ErrRateLimited = errors.New("GitHub rate limit exceeded")

	// ErrProtocol indicates a malformed or unexpected response from the search API.
	ErrProtocol = errors.New("unexpected GitHub API response")

	// ErrRepositoryUnavailable indicates a per-repository acquisition failure.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrNoMainlineBranch indicates that neither main nor master exists.
	ErrNoMainlineBranch = errors.New("main/master branch not found")
)

// RepoStatus is the outcome of processing a single repository.
type RepoStatus string

const (
	StatusOK      RepoStatus = "ok"
	StatusSkipped RepoStatus = "skipped"
)

// CommitSignature holds the identity-bearing fields of one commit, lowercased.
type CommitSignature struct {
	AuthorEmail    string
	AuthorName     string
	CommitterEmail string
	CommitterName  string
}

// NewCommitSignature trims and lowercases every field.
func NewCommitSignature(authorEmail, authorName, committerEmail, committerName string) CommitSignature {
	return CommitSignature{
		AuthorEmail:    normalize(authorEmail),
		AuthorName:     normalize(authorName),
		CommitterEmail: normalize(committerEmail),
		CommitterName:  normalize(committerName),
	}
}

// RepositoryCommitCount is the per-repository entry of a result.
// Branch is empty when no mainline branch was resolved.
type RepositoryCommitCount struct {
	FullName    string     `json:"full_name"`
	Branch      string     `json:"branch,omitempty"`
	CommitCount int        `json:"commit_count"`
	Status      RepoStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// ProfileCommitCountResult is the aggregate produced by one counting run.
type ProfileCommitCountResult struct {
	TotalCommits int                     `json:"total_commits"`
	ReposScanned int                     `json:"repos_scanned"`
	ReposSkipped int                     `json:"repos_skipped"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	RepoResults  []RepositoryCommitCount `json:"repo_results"`
}

// Summary describes the distribution of commit counts over successfully scanned repositories.
type Summary struct {
	Repositories int     `json:"repositories"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	Max          float64 `json:"max"`
}

// Summarize computes count statistics over the ok entries of the result.
// A result without ok entries yields a zero Summary.
func (r *ProfileCommitCountResult) Summarize() (Summary, error) {
	var counts stats.Float64Data
	for _, repo := range r.RepoResults {
		if repo.Status == StatusOK {
			counts = append(counts, float64(repo.CommitCount))
		}
	}
	if len(counts) == 0 {
		return Summary{}, nil
	}

	mean, err := counts.Mean()
	if err != nil {
		return Summary{}, err
	}
	median, err := counts.Median()
	if err != nil {
		return Summary{}, err
	}
	maxCount, err := counts.Max()
	if err != nil {
		return Summary{}, err
	}
	return Summary{Repositories: len(counts), Mean: mean, Median: median, Max: maxCount}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
