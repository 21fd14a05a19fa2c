// Package query exposes the read-only, time-windowed view over the cached
// commit history. It is independent of ingestion and safe to call while a
// refresh run is in flight.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gct-tools/bb-contrib/internal/cachestore"
	"github.com/gct-tools/bb-contrib/internal/contrib"
)

// Filter scans cache documents for commits attributed to a set of user
// identifiers within a date range.
type Filter struct {
	store        cachestore.Store
	partialRepos bool
}

// New creates a filter over the active repo set.
func New(store cachestore.Store, partialRepos bool) *Filter {
	return &Filter{
		store:        store,
		partialRepos: partialRepos,
	}
}

// Commits returns every cached commit whose author link contains one of the
// identifiers (case-insensitive substring) and whose time falls within
// [start, end] inclusive, sorted by commit time descending. Identifiers that
// trim to empty are skipped; an empty identifier list matches nothing.
func (f *Filter) Commits(ctx context.Context, identifiers []string, start, end time.Time, defaultBranchOnly bool) ([]contrib.Commit, error) {
	needles := normalizeIdentifiers(identifiers)
	if len(needles) == 0 {
		return []contrib.Commit{}, nil
	}

	mode := contrib.Mode{DefaultBranchOnly: defaultBranchOnly, PartialRepos: f.partialRepos}
	slugs, err := f.store.ListRepos(ctx, mode)
	if err != nil {
		return nil, err
	}

	matched := []contrib.Commit{}
	for _, slug := range slugs {
		commits, err := f.store.LoadCommits(ctx, mode, slug)
		if err != nil {
			return nil, err
		}
		for _, commit := range commits {
			if !matchesAny(commit.AuthorLink, needles) {
				continue
			}
			if !contrib.InWindow(commit.CommitTime, start, end) {
				continue
			}
			matched = append(matched, commit)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CommitTime > matched[j].CommitTime
	})
	return matched, nil
}

func normalizeIdentifiers(identifiers []string) []string {
	var needles []string
	for _, identifier := range identifiers {
		trimmed := strings.TrimSpace(identifier)
		if trimmed == "" {
			continue
		}
		needles = append(needles, strings.ToLower(trimmed))
	}
	return needles
}

func matchesAny(authorLink string, needles []string) bool {
	haystack := strings.ToLower(authorLink)
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
