package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/naka-gawa/contriboo/internal/config"
	"github.com/naka-gawa/contriboo/internal/domain"
	"github.com/naka-gawa/contriboo/internal/gateway"
	"github.com/naka-gawa/contriboo/internal/usecase"
)

// countOutput is the JSON document printed by the count command.
type countOutput struct {
	*domain.ProfileCommitCountResult
	Summary *domain.Summary `json:"summary,omitempty"`
}

func newCountCmd() *cobra.Command {
	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Counts a user's recent commits and outputs them as JSON",
		Long: `Discovers the repositories a GitHub user committed to within the last --days days,
clones each one's history and counts the commits matching the user's email or name.
Repositories that cannot be processed are reported as skipped.`,
		Args: cobra.NoArgs,
		RunE: runCount,
	}

	countCmd.Flags().StringP("user", "u", "", "Target GitHub user name (required)")
	countCmd.Flags().StringP("email", "e", "", "Commit email of the user; enables email matching")
	countCmd.Flags().IntP("days", "d", 30, "Size of the time window in days")
	countCmd.Flags().Bool("progress", false, "Print one line per repository to stderr")
	countCmd.Flags().Bool("summary", false, "Add per-repository count statistics to the output")
	countCmd.Flags().String("discovery", "", "Repository discovery mode: search or graphql")
	countCmd.Flags().Int("concurrency", 0, "Number of repositories processed at once")
	countCmd.Flags().Int("max-pages", 0, "Maximum number of commit search pages")
	countCmd.Flags().String("workspace-dir", "", "Directory for the temporary clone workspace")
	countCmd.Flags().Duration("git-timeout", 0, "Timeout for each git command")
	countCmd.Flags().Duration("http-timeout", 0, "Timeout for each GitHub API request")
	_ = countCmd.MarkFlagRequired("user")
	return countCmd
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger, err := newLogger(cmd)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	email, _ := cmd.Flags().GetString("email")
	days, _ := cmd.Flags().GetInt("days")
	showProgress, _ := cmd.Flags().GetBool("progress")
	withSummary, _ := cmd.Flags().GetBool("summary")

	// Inject dependencies and run the main business logic.
	finder, err := newFinder(settings, logger)
	if err != nil {
		return fmt.Errorf("failed to create GitHub gateway: %w", err)
	}
	history := gateway.NewGitGateway(settings.GitTimeout, settings.GitRemoteURL, logger)
	aggregator := usecase.NewAggregator(finder, history, logger,
		usecase.WithWorkspaceDir(settings.WorkspaceDir),
		usecase.WithConcurrency(settings.Concurrency),
		usecase.WithReporter(usecase.NewLineReporter(cmd.ErrOrStderr())),
	)

	result, err := aggregator.CountTotalCommits(ctx, user, email, days, showProgress)
	if err != nil {
		return fmt.Errorf("failed to count commits: %w", err)
	}

	output := countOutput{ProfileCommitCountResult: result}
	if withSummary {
		summary, err := result.Summarize()
		if err != nil {
			return fmt.Errorf("failed to summarize results: %w", err)
		}
		output.Summary = &summary
	}

	jsonData, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results to JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
	return nil
}

// loadSettings layers explicitly set flags over the config file and environment.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(path)
	if err != nil {
		return settings, err
	}

	flags := cmd.Flags()
	if flags.Changed("discovery") {
		settings.Discovery, _ = flags.GetString("discovery")
	}
	if flags.Changed("concurrency") {
		settings.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("max-pages") {
		settings.MaxSearchPages, _ = flags.GetInt("max-pages")
	}
	if flags.Changed("workspace-dir") {
		settings.WorkspaceDir, _ = flags.GetString("workspace-dir")
	}
	if flags.Changed("git-timeout") {
		settings.GitTimeout, _ = flags.GetDuration("git-timeout")
	}
	if flags.Changed("http-timeout") {
		settings.HTTPTimeout, _ = flags.GetDuration("http-timeout")
	}

	if err := settings.Validate(); err != nil {
		return settings, fmt.Errorf("invalid configuration: %w", err)
	}
	return settings, nil
}

func newFinder(settings config.Settings, logger *zap.Logger) (gateway.Finder, error) {
	opts := gateway.SearchOptions{
		Token:          settings.GitHubToken,
		BaseURL:        settings.GitHubAPIURL,
		Timeout:        settings.HTTPTimeout,
		Retries:        settings.HTTPRetries,
		RetryDelay:     settings.HTTPRetryDelay,
		MaxSearchPages: settings.MaxSearchPages,
	}
	if settings.Discovery == config.DiscoveryGraphQL {
		return gateway.NewContributionsFinder(opts, logger)
	}
	return gateway.NewSearchFinder(opts, logger)
}
