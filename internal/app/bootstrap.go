package app

import (
	"fmt"
	"time"

	"github.com/gct-tools/bb-contrib/internal/bitbucketapi"
	"github.com/gct-tools/bb-contrib/internal/config"
	"github.com/gct-tools/bb-contrib/internal/discovery"
	"github.com/gct-tools/bb-contrib/internal/ingest"
	"github.com/gct-tools/bb-contrib/internal/query"
	"github.com/gct-tools/bb-contrib/internal/refresh"
	"go.uber.org/zap"
)

// Bootstrap builds a fully wired runtime from configuration: the cache
// store backend, the Bitbucket client stack, the refresh gate, and the
// ingestion, enrichment, discovery, and query components.
func Bootstrap(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := NewStoreBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("build store backend: %w", err)
	}

	httpClient := bitbucketapi.NewHTTPClient(bitbucketapi.TransportConfig{
		Timeout:            cfg.Bitbucket.RequestTimeout,
		InsecureSkipVerify: cfg.Bitbucket.InsecureSkipVerify,
	})
	client := bitbucketapi.NewClient(httpClient, bitbucketapi.Credentials{
		Username:    cfg.Bitbucket.Username,
		AppPassword: cfg.Bitbucket.AppPassword,
	}, logger)
	dataClient, err := bitbucketapi.NewDataClient(client, bitbucketapi.PageSizes{
		Branch: cfg.Bitbucket.BranchPageSize,
		Commit: cfg.Bitbucket.CommitPageSize,
		PR:     cfg.Bitbucket.PRPageSize,
		Repo:   cfg.Bitbucket.RepoPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("build data client: %w", err)
	}

	gate := refresh.NewThrottle(store, refresh.Params{
		MinimumInterval: time.Duration(cfg.Ingest.RefreshIntervalMinutes) * time.Minute,
		WindowDays:      cfg.Ingest.WindowDays,
		BranchPageSize:  cfg.Bitbucket.BranchPageSize,
		PartialRepos:    cfg.Ingest.PartialRepos,
	})

	ingestConfig := ingest.Config{
		MaxWorkers:   cfg.Ingest.MaxWorkers,
		Stagger:      cfg.Ingest.Stagger,
		PartialRepos: cfg.Ingest.PartialRepos,
	}
	orchestrator := ingest.NewOrchestrator(dataClient, store, ingestConfig, logger)
	enricher := ingest.NewEnricher(dataClient, store, ingestConfig, logger)
	discoverer := discovery.NewDiscoverer(dataClient, store, logger)
	filter := query.New(store, cfg.Ingest.PartialRepos)

	return NewRuntime(cfg, store, gate, orchestrator, enricher, discoverer, filter, logger), nil
}
