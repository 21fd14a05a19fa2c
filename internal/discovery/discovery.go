// Package discovery resolves the repository list for each configured project
// space and persists the repo-links document consumed by ingestion. It is an
// infrequent step, run when repositories are added on the remote.
package discovery

import (
	"context"
	"fmt"

	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/config"
	"go.uber.org/zap"
)

// RepoLister lists the repository links of one project space.
type RepoLister interface {
	ListRepoLinks(ctx context.Context, baseURL, projectKey string) ([]string, error)
}

// Discoverer walks configured project spaces and writes the repo-links document.
type Discoverer struct {
	lister RepoLister
	store  cachestore.Store
	logger *zap.Logger
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(lister RepoLister, store cachestore.Store, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		lister: lister,
		store:  store,
		logger: logger,
	}
}

// Run lists every project space and replaces the repo-links document for the
// chosen repo set. A failing space aborts the step; an incomplete document
// would silently shrink later ingestion runs. The partial set is normally
// curated by hand, so partialRepos exists for seeding it from a reduced
// space list rather than for routine runs.
func (d *Discoverer) Run(ctx context.Context, spaces []config.RepoSpace, partialRepos bool) (map[string][]string, error) {
	links := make(map[string][]string, len(spaces))
	for _, space := range spaces {
		spaceLinks, err := d.lister.ListRepoLinks(ctx, space.BaseURL, space.ProjectKey)
		if err != nil {
			return nil, fmt.Errorf("discover repos for project %s: %w", space.ProjectKey, err)
		}
		links[space.ProjectKey] = spaceLinks
		d.logger.Info("discovered repositories",
			zap.String("project", space.ProjectKey),
			zap.Int("repos", len(spaceLinks)),
		)
	}

	if err := d.store.SaveRepoLinks(ctx, partialRepos, links); err != nil {
		return nil, fmt.Errorf("save repo links: %w", err)
	}
	return links, nil
}
