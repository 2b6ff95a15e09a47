// Package config loads the settings consumed by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Discovery modes.
const (
	DiscoverySearch  = "search"
	DiscoveryGraphQL = "graphql"
)

// Settings holds everything needed to build the gateways and the aggregator.
// Precedence: Default, then a YAML file, then the environment, then CLI flags.
type Settings struct {
	GitHubToken    string        `yaml:"github_token,omitempty" env:"GITHUB_TOKEN"`
	GitHubAPIURL   string        `yaml:"github_api_url,omitempty" env:"CONTRIBOO_GITHUB_API_URL"`
	GitRemoteURL   string        `yaml:"git_remote_url,omitempty" env:"CONTRIBOO_GIT_REMOTE_URL"`
	HTTPTimeout    time.Duration `yaml:"http_timeout,omitempty" env:"CONTRIBOO_HTTP_TIMEOUT"`
	HTTPRetries    int           `yaml:"http_retries,omitempty" env:"CONTRIBOO_HTTP_RETRIES"`
	HTTPRetryDelay time.Duration `yaml:"http_retry_delay,omitempty" env:"CONTRIBOO_HTTP_RETRY_DELAY"`
	MaxSearchPages int           `yaml:"max_search_pages,omitempty" env:"CONTRIBOO_MAX_SEARCH_PAGES"`
	GitTimeout     time.Duration `yaml:"git_timeout,omitempty" env:"CONTRIBOO_GIT_TIMEOUT"`
	WorkspaceDir   string        `yaml:"workspace_dir,omitempty" env:"CONTRIBOO_WORKSPACE_DIR"`
	Concurrency    int           `yaml:"concurrency,omitempty" env:"CONTRIBOO_CONCURRENCY"`
	Discovery      string        `yaml:"discovery,omitempty" env:"CONTRIBOO_DISCOVERY"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		HTTPTimeout:    30 * time.Second,
		HTTPRetries:    3,
		HTTPRetryDelay: 2 * time.Second,
		MaxSearchPages: 10,
		GitTimeout:     180 * time.Second,
		Concurrency:    1,
		Discovery:      DiscoverySearch,
	}
}

// Load applies the YAML file at path (skipped when path is empty) and then the
// environment on top of Default.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs []error
	if s.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be > 0"))
	}
	if s.HTTPRetries <= 0 {
		errs = append(errs, errors.New("http_retries must be > 0"))
	}
	if s.HTTPRetryDelay < 0 {
		errs = append(errs, errors.New("http_retry_delay must be >= 0"))
	}
	if s.MaxSearchPages <= 0 {
		errs = append(errs, errors.New("max_search_pages must be > 0"))
	}
	if s.GitTimeout <= 0 {
		errs = append(errs, errors.New("git_timeout must be > 0"))
	}
	if s.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	switch s.Discovery {
	case DiscoverySearch:
	case DiscoveryGraphQL:
		if s.GitHubToken == "" {
			errs = append(errs, errors.New("graphql discovery requires GITHUB_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown discovery mode %q", s.Discovery))
	}
	return errors.Join(errs...)
}
