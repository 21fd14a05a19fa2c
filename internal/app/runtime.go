package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/config"
	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/gct-tools/bb-contrib/internal/health"
	"github.com/gct-tools/bb-contrib/internal/ingest"
	"github.com/gct-tools/bb-contrib/internal/metrics"
	"github.com/gct-tools/bb-contrib/internal/refresh"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type refreshGate interface {
	TryStart(ctx context.Context) (refresh.Decision, error)
	CurrentStatus(ctx context.Context) (refresh.Status, error)
}

type commitIngester interface {
	Run(ctx context.Context, runID string, start, end time.Time) ([]ingest.ShardOutcome, error)
}

type commitEnricher interface {
	Run(ctx context.Context, runID string) error
}

type repoDiscoverer interface {
	Run(ctx context.Context, spaces []config.RepoSpace, partialRepos bool) (map[string][]string, error)
}

type commitQuerier interface {
	Commits(ctx context.Context, identifiers []string, start, end time.Time, defaultBranchOnly bool) ([]contrib.Commit, error)
}

// RunInfo describes the most recent refresh run.
type RunInfo struct {
	RunID      string `json:"run_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RefreshResult is the outcome of a refresh trigger.
type RefreshResult struct {
	Accepted        bool   `json:"accepted"`
	RunID           string `json:"run_id,omitempty"`
	LastRefreshTime string `json:"last_refresh_time,omitempty"`
}

// RefreshStatusResponse reports the gate state together with run progress.
type RefreshStatusResponse struct {
	refresh.Status
	Running bool     `json:"running"`
	LastRun *RunInfo `json:"last_run,omitempty"`
}

// Runtime composes the refresh pipeline and the query surface behind the
// HTTP API and the admin CLI.
type Runtime struct {
	cfg        *config.Config
	store      cachestore.Store
	gate       refreshGate
	ingester   commitIngester
	enricher   commitEnricher
	discoverer repoDiscoverer
	querier    commitQuerier
	evaluator  *health.StatusEvaluator
	logger     *zap.Logger

	mu            sync.RWMutex
	running       bool
	lastRun       RunInfo
	remoteHealthy bool

	// Now and NewRunID are injected for deterministic tests.
	Now      func() time.Time
	NewRunID func() string
}

// NewRuntime creates a runtime instance.
func NewRuntime(
	cfg *config.Config,
	store cachestore.Store,
	gate refreshGate,
	ingester commitIngester,
	enricher commitEnricher,
	discoverer repoDiscoverer,
	querier commitQuerier,
	logger *zap.Logger,
) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:           cfg,
		store:         store,
		gate:          gate,
		ingester:      ingester,
		enricher:      enricher,
		discoverer:    discoverer,
		querier:       querier,
		evaluator:     health.NewStatusEvaluator(),
		logger:        logger,
		remoteHealthy: true,
		Now:           time.Now,
		NewRunID:      uuid.NewString,
	}
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(r, metrics.Handler(), health.NewHandler(r))
}

// StartRefresh triggers a refresh run. The throttle gate is checked and
// stamped synchronously; the ingestion and enrichment passes run in the
// background so the trigger returns immediately.
func (r *Runtime) StartRefresh(ctx context.Context) (RefreshResult, error) {
	decision, err := r.gate.TryStart(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	if !decision.Allowed {
		metrics.RefreshRuns.WithLabelValues("throttled").Inc()
		r.logger.Info("refresh rejected by interval gate",
			zap.Time("last_refresh_time", decision.LastRefreshTime),
		)
		return RefreshResult{
			Accepted:        false,
			LastRefreshTime: contrib.FormatTime(decision.LastRefreshTime),
		}, nil
	}

	runID := r.NewRunID()
	now := r.Now()
	start, end := contrib.DefaultWindow(now, r.cfg.Ingest.WindowDays)

	r.mu.Lock()
	r.running = true
	r.lastRun = RunInfo{RunID: runID, StartedAt: contrib.FormatTime(now)}
	r.mu.Unlock()

	r.logger.Info("refresh run accepted",
		zap.String("run_id", runID),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
	)
	go r.executeRefresh(context.WithoutCancel(ctx), runID, start, end)

	return RefreshResult{
		Accepted:        true,
		RunID:           runID,
		LastRefreshTime: contrib.FormatTime(now),
	}, nil
}

// RunRefreshBlocking runs the full refresh pipeline synchronously. The admin
// CLI uses it so the process does not exit mid-run.
func (r *Runtime) RunRefreshBlocking(ctx context.Context) (RefreshResult, error) {
	result, err := r.StartRefresh(ctx)
	if err != nil || !result.Accepted {
		return result, err
	}
	for {
		r.mu.RLock()
		running := r.running
		runErr := r.lastRun.Error
		r.mu.RUnlock()
		if !running {
			if runErr != "" {
				return result, errors.New(runErr)
			}
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *Runtime) executeRefresh(ctx context.Context, runID string, start, end time.Time) {
	runStart := time.Now()

	outcomes, err := r.ingester.Run(ctx, runID, start, end)
	repoCount, failed, skipped := summarizeOutcomes(outcomes)
	if err == nil && r.enricher != nil {
		err = r.enricher.Run(ctx, runID)
	}

	finished := r.Now()
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.RefreshRuns.WithLabelValues(outcome).Inc()

	r.mu.Lock()
	r.running = false
	r.lastRun.FinishedAt = contrib.FormatTime(finished)
	r.lastRun.Outcome = outcome
	if err != nil {
		r.lastRun.Error = err.Error()
	}
	// A run where every repository failed points at the remote, not at one
	// misbehaving repository.
	r.remoteHealthy = err == nil && (repoCount == 0 || failed+skipped < repoCount)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("refresh run failed",
			zap.String("run_id", runID),
			zap.Duration("duration", time.Since(runStart)),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("refresh run completed",
		zap.String("run_id", runID),
		zap.Int("repos", repoCount),
		zap.Int("repos_failed", failed),
		zap.Int("repos_skipped", skipped),
		zap.Duration("duration", time.Since(runStart)),
	)
}

// RefreshStatus reports the gate state without triggering a run.
func (r *Runtime) RefreshStatus(ctx context.Context) (RefreshStatusResponse, error) {
	status, err := r.gate.CurrentStatus(ctx)
	if err != nil {
		return RefreshStatusResponse{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	response := RefreshStatusResponse{Status: status, Running: r.running}
	if r.lastRun.RunID != "" {
		lastRun := r.lastRun
		response.LastRun = &lastRun
	}
	return response, nil
}

// QueryCommits returns cached commits for the given identifiers within
// [start, end]. A window with either bound missing falls back to the
// configured default window; a half-open range would match nothing.
func (r *Runtime) QueryCommits(ctx context.Context, identifiers []string, start, end time.Time, defaultBranchOnly bool) ([]contrib.Commit, error) {
	if start.IsZero() || end.IsZero() {
		start, end = contrib.DefaultWindow(r.Now(), r.cfg.Ingest.WindowDays)
	}
	return r.querier.Commits(ctx, identifiers, start, end, defaultBranchOnly)
}

// DiscoverRepos lists repositories for every configured project space and
// persists the repo-links document for the chosen repo set.
func (r *Runtime) DiscoverRepos(ctx context.Context, partialRepos bool) (map[string][]string, error) {
	return r.discoverer.Run(ctx, r.cfg.Bitbucket.RepoSpaces, partialRepos)
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	input := health.Input{
		BitbucketClientUsable: r.cfg.Bitbucket.Username != "" && r.cfg.Bitbucket.AppPassword != "",
	}
	if r.store != nil {
		if _, _, err := r.store.LoadRefreshState(ctx); err == nil {
			input.StoreHealthy = true
		}
		if links, err := r.store.LoadRepoLinks(ctx, r.cfg.Ingest.PartialRepos); err == nil && len(links) > 0 {
			input.RepoLinksLoaded = true
		}
	}

	r.mu.RLock()
	input.BitbucketHealthy = r.remoteHealthy
	r.mu.RUnlock()

	return r.evaluator.Evaluate(input)
}

func summarizeOutcomes(outcomes []ingest.ShardOutcome) (repos, failed, skipped int) {
	for _, shard := range outcomes {
		for _, repo := range shard.Repos {
			repos++
			if repo.Skipped {
				skipped++
				continue
			}
			if repo.Err != nil {
				failed++
			}
		}
	}
	return repos, failed, skipped
}
