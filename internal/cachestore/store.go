// Package cachestore persists per-repository commit caches, the repo-links
// document, and the refresh-state document. Two backends are available:
// one JSON document per repository on the filesystem, or a Redis namespace
// for deployments without a persistent volume.
package cachestore

import (
	"context"
	"sort"

	"github.com/gct-tools/bb-contrib/internal/contrib"
)

// Store is the persistence surface consumed by ingestion, enrichment, and the
// query layer. A missing or unreadable commit document loads as an empty
// prior cache so a first-ever run or a deleted cache self-heals; record-level
// validation is the merge engine's concern.
type Store interface {
	// LoadCommits reads one repository's cache document for a mode.
	LoadCommits(ctx context.Context, mode contrib.Mode, slug string) ([]contrib.Commit, error)
	// SaveCommits atomically replaces one repository's cache document.
	SaveCommits(ctx context.Context, mode contrib.Mode, slug string, commits []contrib.Commit) error
	// ListRepos lists the repository slugs that have a cache document for a mode.
	ListRepos(ctx context.Context, mode contrib.Mode) ([]string, error)

	// LoadRepoLinks reads the project-key to repo-link-list document.
	LoadRepoLinks(ctx context.Context, partialRepos bool) (map[string][]string, error)
	// SaveRepoLinks replaces the repo-links document.
	SaveRepoLinks(ctx context.Context, partialRepos bool, links map[string][]string) error

	// LoadRefreshState reads the refresh-state document; ok is false when the
	// document does not exist yet.
	LoadRefreshState(ctx context.Context) (state contrib.RefreshState, ok bool, err error)
	// SaveRefreshState replaces the refresh-state document.
	SaveRefreshState(ctx context.Context, state contrib.RefreshState) error
}

// FlatRepoLinks flattens the repo-links document into one list, ordered by
// project key for a stable shard assignment across runs.
func FlatRepoLinks(links map[string][]string) []string {
	keys := make([]string, 0, len(links))
	for key := range links {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var flat []string
	for _, key := range keys {
		flat = append(flat, links[key]...)
	}
	return flat
}

func repoSetKey(partialRepos bool) string {
	if partialRepos {
		return "partial"
	}
	return "all"
}
