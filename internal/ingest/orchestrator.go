// Package ingest drives refresh runs: the sharded commit ingestion pass and
// the pull-request enrichment pass that follows it.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/gct-tools/bb-contrib/internal/bitbucketapi"
	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/gct-tools/bb-contrib/internal/metrics"
	"go.uber.org/zap"
)

// Fetcher is the remote listing surface needed by ingestion.
type Fetcher interface {
	GetDefaultBranch(ctx context.Context, ref contrib.RepoRef) (bitbucketapi.Branch, error)
	ListBranches(ctx context.Context, ref contrib.RepoRef) ([]bitbucketapi.Branch, error)
	ListBranchCommits(ctx context.Context, ref contrib.RepoRef, branch string, start, end time.Time) ([]contrib.Commit, bool, error)
}

// Config controls run sharding and mode selection.
type Config struct {
	// MaxWorkers caps the shard count; defaults to 5.
	MaxWorkers int
	// Stagger is the delay between shard starts; defaults to 1s.
	Stagger      time.Duration
	PartialRepos bool
}

func (c Config) workers(units int) int {
	cap := c.MaxWorkers
	if cap <= 0 {
		cap = 5
	}
	if units < cap {
		return units
	}
	return cap
}

func (c Config) stagger() time.Duration {
	if c.Stagger <= 0 {
		return time.Second
	}
	return c.Stagger
}

// RepoOutcome reports one repository's ingestion result within a run.
type RepoOutcome struct {
	Link    string
	Slug    string
	Skipped bool
	Err     error
}

// ShardOutcome reports the results of one worker's shard.
type ShardOutcome struct {
	Shard int
	Repos []RepoOutcome
}

// Orchestrator partitions the repository list across a bounded worker set and
// runs the per-repository ingestion pipeline. A failing repository is
// contained to its own outcome; it never aborts the run.
type Orchestrator struct {
	fetcher Fetcher
	store   cachestore.Store
	config  Config
	logger  *zap.Logger
	// sleep is injected for testability of the stagger.
	sleep func(duration time.Duration)
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(fetcher Fetcher, store cachestore.Store, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher: fetcher,
		store:   store,
		config:  config,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Run ingests every configured repository for the window [start, end] and
// joins all shards before returning.
func (o *Orchestrator) Run(ctx context.Context, runID string, start, end time.Time) ([]ShardOutcome, error) {
	links, err := o.store.LoadRepoLinks(ctx, o.config.PartialRepos)
	if err != nil {
		return nil, err
	}
	flat := cachestore.FlatRepoLinks(links)
	if len(flat) == 0 {
		o.logger.Warn("no repositories configured for ingestion", zap.String("run_id", runID))
		return nil, nil
	}

	shards := shardRoundRobin(flat, o.config.workers(len(flat)))
	outcomes := make([]ShardOutcome, len(shards))

	var wg sync.WaitGroup
	for i, shard := range shards {
		// Staggered starts avoid a thundering-herd burst against the remote
		// rate limiter.
		o.sleep(o.config.stagger())
		wg.Add(1)
		go func(shardIndex int, links []string) {
			defer wg.Done()
			outcomes[shardIndex] = o.runShard(ctx, runID, shardIndex, links, start, end)
		}(i, shard)
	}
	wg.Wait()

	return outcomes, nil
}

func (o *Orchestrator) runShard(ctx context.Context, runID string, shard int, links []string, start, end time.Time) ShardOutcome {
	outcome := ShardOutcome{Shard: shard}
	for _, link := range links {
		outcome.Repos = append(outcome.Repos, o.processRepo(ctx, runID, link, start, end))
	}
	o.logger.Info("ingestion shard finished",
		zap.String("run_id", runID),
		zap.Int("shard", shard),
		zap.Int("repos", len(links)),
	)
	return outcome
}

// processRepo runs the per-repository pipeline: default branch lookup,
// default-branch-only ingestion, full branch listing reordered so the default
// branch is processed first, then all-branches ingestion.
func (o *Orchestrator) processRepo(ctx context.Context, runID, link string, start, end time.Time) RepoOutcome {
	ref, err := contrib.ParseRepoLink(link)
	if err != nil {
		o.logger.Warn("skipping unparseable repo link", zap.String("run_id", runID), zap.String("link", link), zap.Error(err))
		metrics.ReposSkipped.Inc()
		return RepoOutcome{Link: link, Skipped: true, Err: err}
	}

	defaultBranch, err := o.fetcher.GetDefaultBranch(ctx, ref)
	if err != nil {
		o.logger.Warn("default branch not found, skipping repo",
			zap.String("run_id", runID),
			zap.String("repo", ref.Slug),
			zap.Error(err),
		)
		metrics.ReposSkipped.Inc()
		return RepoOutcome{Link: link, Slug: ref.Slug, Skipped: true, Err: err}
	}

	defaultOnlyMode := contrib.Mode{DefaultBranchOnly: true, PartialRepos: o.config.PartialRepos}
	if err := o.ingestBranches(ctx, ref, []bitbucketapi.Branch{defaultBranch}, defaultBranch.DisplayID, defaultOnlyMode, start, end); err != nil {
		o.logger.Warn("default-only ingestion failed",
			zap.String("run_id", runID),
			zap.String("repo", ref.Slug),
			zap.Error(err),
		)
		return RepoOutcome{Link: link, Slug: ref.Slug, Err: err}
	}

	branches, err := o.fetcher.ListBranches(ctx, ref)
	if err != nil {
		o.logger.Warn("branch listing failed, skipping all-branches ingestion",
			zap.String("run_id", runID),
			zap.String("repo", ref.Slug),
			zap.Error(err),
		)
		return RepoOutcome{Link: link, Slug: ref.Slug, Err: err}
	}

	allMode := contrib.Mode{DefaultBranchOnly: false, PartialRepos: o.config.PartialRepos}
	ordered := defaultBranchFirst(branches, defaultBranch)
	if err := o.ingestBranches(ctx, ref, ordered, defaultBranch.DisplayID, allMode, start, end); err != nil {
		o.logger.Warn("all-branches ingestion failed",
			zap.String("run_id", runID),
			zap.String("repo", ref.Slug),
			zap.Error(err),
		)
		return RepoOutcome{Link: link, Slug: ref.Slug, Err: err}
	}

	return RepoOutcome{Link: link, Slug: ref.Slug}
}

// ingestBranches merges the given branches into one cache document. A failed
// listing for one branch contributes nothing and the merge continues; a
// corrupt prior cache fails the whole repository.
func (o *Orchestrator) ingestBranches(ctx context.Context, ref contrib.RepoRef, branches []bitbucketapi.Branch, defaultBranch string, mode contrib.Mode, start, end time.Time) error {
	cached, err := o.store.LoadCommits(ctx, mode, ref.Slug)
	if err != nil {
		return err
	}

	merger := contrib.NewMerger(defaultBranch, start, end)
	if err := merger.LoadExisting(cached); err != nil {
		return err
	}

	for _, branch := range branches {
		commits, stopped, err := o.fetcher.ListBranchCommits(ctx, ref, branch.DisplayID, start, end)
		if err != nil {
			o.logger.Warn("commit listing failed for branch",
				zap.String("repo", ref.Slug),
				zap.String("branch", branch.DisplayID),
				zap.Error(err),
			)
			continue
		}
		o.logger.Debug("branch commits fetched",
			zap.String("repo", ref.Slug),
			zap.String("branch", branch.DisplayID),
			zap.Int("commits", len(commits)),
			zap.Bool("stopped_early", stopped),
		)
		merger.AddBranch(branch.DisplayID, commits)
	}

	merged := merger.Result()
	if err := o.store.SaveCommits(ctx, mode, ref.Slug, merged); err != nil {
		return err
	}
	metrics.CommitsIngested.WithLabelValues(mode.String()).Add(float64(len(merged)))
	return nil
}

// defaultBranchFirst reorders the branch list so the default branch is
// processed first; the branch-upgrade rule depends on that ordering. The
// default branch is inserted when the listing does not contain it.
func defaultBranchFirst(branches []bitbucketapi.Branch, defaultBranch bitbucketapi.Branch) []bitbucketapi.Branch {
	ordered := make([]bitbucketapi.Branch, 0, len(branches)+1)
	ordered = append(ordered, defaultBranch)
	for _, branch := range branches {
		if branch.DisplayID == defaultBranch.DisplayID {
			continue
		}
		ordered = append(ordered, branch)
	}
	return ordered
}

// shardRoundRobin partitions units across n interleaved shards so large and
// small repositories spread evenly across workers.
func shardRoundRobin(units []string, n int) [][]string {
	if n <= 0 || len(units) == 0 {
		return nil
	}
	shards := make([][]string, n)
	for i, unit := range units {
		shards[i%n] = append(shards[i%n], unit)
	}
	return shards
}
