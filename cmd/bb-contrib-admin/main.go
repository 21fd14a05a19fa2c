package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gct-tools/bb-contrib/internal/app"
	"github.com/gct-tools/bb-contrib/internal/config"
	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/gct-tools/bb-contrib/internal/export"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "bb-contrib-admin: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bb-contrib-admin",
		Short:         "Administer the commit contribution cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(newDiscoverReposCommand())
	root.AddCommand(newRefreshCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newExportCommand())
	return root
}

func newDiscoverReposCommand() *cobra.Command {
	var partialRepos bool

	cmd := &cobra.Command{
		Use:   "discover-repos",
		Short: "List repositories for every configured project space and save the repo-links document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := buildRuntime()
			if err != nil {
				return err
			}

			links, err := runtime.DiscoverRepos(cmd.Context(), partialRepos)
			if err != nil {
				return err
			}

			projects := make([]string, 0, len(links))
			for project := range links {
				projects = append(projects, project)
			}
			sort.Strings(projects)
			for _, project := range projects {
				cmd.Printf("%s: %d repositories\n", project, len(links[project]))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&partialRepos, "partial", false, "write the partial-repo-set document instead of the full one")
	return cmd
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run a full refresh and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := buildRuntime()
			if err != nil {
				return err
			}

			result, err := runtime.RunRefreshBlocking(cmd.Context())
			if err != nil {
				return err
			}
			if !result.Accepted {
				return fmt.Errorf("refresh throttled; last refresh at %s", result.LastRefreshTime)
			}
			cmd.Printf("refresh %s completed\n", result.RunID)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the refresh gate state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := buildRuntime()
			if err != nil {
				return err
			}

			status, err := runtime.RefreshStatus(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("allowed to refresh: %t\n", status.AllowedToRefresh)
			if status.LastRefreshTime != "" {
				cmd.Printf("last refresh: %s\n", status.LastRefreshTime)
			}
			if status.LastRun != nil {
				cmd.Printf("last run: %s (%s)\n", status.LastRun.RunID, status.LastRun.Outcome)
			}
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	var (
		identifiers       []string
		startRaw          string
		endRaw            string
		defaultBranchOnly bool
		csvPath           string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Query cached commits for a set of author identifiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(identifiers) == 0 {
				return fmt.Errorf("at least one --identifier is required")
			}
			start, err := parseTimeFlag(startRaw, false)
			if err != nil {
				return err
			}
			end, err := parseTimeFlag(endRaw, true)
			if err != nil {
				return err
			}

			runtime, err := buildRuntime()
			if err != nil {
				return err
			}

			commits, err := runtime.QueryCommits(cmd.Context(), identifiers, start, end, defaultBranchOnly)
			if err != nil {
				return err
			}

			if csvPath != "" {
				file, err := os.Create(csvPath)
				if err != nil {
					return fmt.Errorf("create csv file: %w", err)
				}
				defer func() {
					_ = file.Close()
				}()
				if err := export.WriteCSV(file, commits); err != nil {
					return err
				}
				cmd.Printf("wrote %d commits to %s\n", len(commits), csvPath)
				return nil
			}

			export.WriteTable(cmd.OutOrStdout(), commits)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&identifiers, "identifier", nil, "author identifier to match (repeatable)")
	cmd.Flags().StringVar(&startRaw, "start", "", "window start (YYYY-MM-DD); defaults to the configured window")
	cmd.Flags().StringVar(&endRaw, "end", "", "window end (YYYY-MM-DD); defaults to the configured window")
	cmd.Flags().BoolVar(&defaultBranchOnly, "default-branch-only", false, "query the default-branch-only cache")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write CSV to this path instead of printing a table")
	return cmd
}

func buildRuntime() (*app.Runtime, error) {
	_ = godotenv.Load()

	configFile, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	return app.Bootstrap(cfg, logger)
}

func parseTimeFlag(raw string, endOfDay bool) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if parsed, err := contrib.ParseTime(trimmed); err == nil {
		return parsed, nil
	}
	parsed, err := time.ParseInLocation("2006-01-02", trimmed, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	if endOfDay {
		parsed = parsed.AddDate(0, 0, 1).Add(-time.Second)
	}
	return parsed, nil
}
