package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/gct-tools/bb-contrib/internal/metrics"
	"go.uber.org/zap"
)

// PRFetcher is the remote surface needed by the enrichment pass.
type PRFetcher interface {
	ListCommitPullRequests(ctx context.Context, ref contrib.RepoRef, commitID string) ([]contrib.PRDetail, error)
}

// Enricher annotates cached commits with pull-request summaries. It runs only
// after all ingestion shards have joined and uses the same round-robin and
// stagger scheme over cache documents.
type Enricher struct {
	fetcher PRFetcher
	store   cachestore.Store
	config  Config
	logger  *zap.Logger
	sleep   func(duration time.Duration)
}

// NewEnricher creates an enricher.
func NewEnricher(fetcher PRFetcher, store cachestore.Store, config Config, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		fetcher: fetcher,
		store:   store,
		config:  config,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Run enriches every cache document of both branch modes for the active
// repo set, joining all shards before returning.
func (e *Enricher) Run(ctx context.Context, runID string) error {
	modes := []contrib.Mode{
		{DefaultBranchOnly: false, PartialRepos: e.config.PartialRepos},
		{DefaultBranchOnly: true, PartialRepos: e.config.PartialRepos},
	}
	for _, mode := range modes {
		if err := e.runMode(ctx, runID, mode); err != nil {
			return err
		}
	}
	return nil
}

func (e *Enricher) runMode(ctx context.Context, runID string, mode contrib.Mode) error {
	slugs, err := e.store.ListRepos(ctx, mode)
	if err != nil {
		return err
	}
	if len(slugs) == 0 {
		return nil
	}

	shards := shardRoundRobin(slugs, e.config.workers(len(slugs)))
	var wg sync.WaitGroup
	for i, shard := range shards {
		e.sleep(e.config.stagger())
		wg.Add(1)
		go func(shardIndex int, slugs []string) {
			defer wg.Done()
			for _, slug := range slugs {
				e.enrichRepo(ctx, runID, mode, slug)
			}
			e.logger.Info("enrichment shard finished",
				zap.String("run_id", runID),
				zap.String("mode", mode.String()),
				zap.Int("shard", shardIndex),
				zap.Int("repos", len(slugs)),
			)
		}(i, shard)
	}
	wg.Wait()
	return nil
}

// enrichRepo looks up pull requests for every commit lacking enrichment and
// rewrites the document once. A failed lookup leaves the commit's existing
// pr_details untouched so transient failures never erase known-good data.
func (e *Enricher) enrichRepo(ctx context.Context, runID string, mode contrib.Mode, slug string) {
	commits, err := e.store.LoadCommits(ctx, mode, slug)
	if err != nil || len(commits) == 0 {
		return
	}

	changed := false
	for i := range commits {
		if commits[i].PRDetails != nil {
			continue
		}
		ref, err := contrib.ParseCommitLink(commits[i].CommitLink)
		if err != nil {
			e.logger.Warn("unparseable commit link, skipping enrichment",
				zap.String("run_id", runID),
				zap.String("repo", slug),
				zap.String("commit", commits[i].DisplayID),
				zap.Error(err),
			)
			continue
		}

		details, err := e.fetcher.ListCommitPullRequests(ctx, ref, commits[i].ID)
		if err != nil {
			metrics.EnrichmentLookups.WithLabelValues("failed").Inc()
			e.logger.Warn("pull request lookup failed",
				zap.String("run_id", runID),
				zap.String("repo", slug),
				zap.String("commit", commits[i].DisplayID),
				zap.Error(err),
			)
			continue
		}
		metrics.EnrichmentLookups.WithLabelValues("ok").Inc()
		if details == nil {
			details = []contrib.PRDetail{}
		}
		commits[i].PRDetails = details
		changed = true
	}

	if !changed {
		return
	}
	if err := e.store.SaveCommits(ctx, mode, slug, commits); err != nil {
		e.logger.Warn("failed to persist enriched cache",
			zap.String("run_id", runID),
			zap.String("repo", slug),
			zap.String("mode", mode.String()),
			zap.Error(err),
		)
	}
}
