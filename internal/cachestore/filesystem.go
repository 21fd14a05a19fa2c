package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gct-tools/bb-contrib/internal/contrib"
)

const (
	contributionDirPrefix = "contribution-"
	refreshStateFile      = "refresh-state.json"
)

// Filesystem stores one JSON document per repository per mode under a base
// directory. Writes go to a temp file and are renamed into place so a
// concurrent reader never observes a partially written document.
type Filesystem struct {
	baseDir string
}

// NewFilesystem creates a filesystem store rooted at baseDir.
func NewFilesystem(baseDir string) (*Filesystem, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache base directory: %w", err)
	}
	return &Filesystem{baseDir: baseDir}, nil
}

// LoadCommits reads one repository's cache document. A missing or malformed
// document is an empty prior cache; any other read failure is returned so an
// unreadable disk cannot masquerade as an empty cache and shrink the merge.
func (f *Filesystem) LoadCommits(_ context.Context, mode contrib.Mode, slug string) ([]contrib.Commit, error) {
	raw, err := os.ReadFile(f.commitsPath(mode, slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read commits for %s: %w", slug, err)
	}
	var commits []contrib.Commit
	if err := json.Unmarshal(raw, &commits); err != nil {
		return nil, nil
	}
	return commits, nil
}

// SaveCommits atomically replaces one repository's cache document.
func (f *Filesystem) SaveCommits(_ context.Context, mode contrib.Mode, slug string, commits []contrib.Commit) error {
	if commits == nil {
		commits = []contrib.Commit{}
	}
	payload, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("marshal commits for %s: %w", slug, err)
	}
	return f.writeAtomic(f.commitsPath(mode, slug), payload)
}

// ListRepos lists repository slugs with a cache document for one mode.
func (f *Filesystem) ListRepos(_ context.Context, mode contrib.Mode) ([]string, error) {
	entries, err := os.ReadDir(f.modeDir(mode))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list cache documents: %w", err)
	}

	var slugs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		slugs = append(slugs, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(slugs)
	return slugs, nil
}

// LoadRepoLinks reads the project-key to repo-link-list document.
func (f *Filesystem) LoadRepoLinks(_ context.Context, partialRepos bool) (map[string][]string, error) {
	raw, err := os.ReadFile(f.repoLinksPath(partialRepos))
	if err != nil {
		return nil, fmt.Errorf("read repo links document: %w", err)
	}
	var links map[string][]string
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil, fmt.Errorf("decode repo links document: %w", err)
	}
	return links, nil
}

// SaveRepoLinks replaces the repo-links document.
func (f *Filesystem) SaveRepoLinks(_ context.Context, partialRepos bool, links map[string][]string) error {
	payload, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal repo links: %w", err)
	}
	return f.writeAtomic(f.repoLinksPath(partialRepos), payload)
}

// LoadRefreshState reads the refresh-state document.
func (f *Filesystem) LoadRefreshState(_ context.Context) (contrib.RefreshState, bool, error) {
	raw, err := os.ReadFile(filepath.Join(f.baseDir, refreshStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return contrib.RefreshState{}, false, nil
		}
		return contrib.RefreshState{}, false, fmt.Errorf("read refresh state: %w", err)
	}
	var state contrib.RefreshState
	if err := json.Unmarshal(raw, &state); err != nil {
		return contrib.RefreshState{}, false, fmt.Errorf("decode refresh state: %w", err)
	}
	return state, true, nil
}

// SaveRefreshState replaces the refresh-state document.
func (f *Filesystem) SaveRefreshState(_ context.Context, state contrib.RefreshState) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal refresh state: %w", err)
	}
	return f.writeAtomic(filepath.Join(f.baseDir, refreshStateFile), payload)
}

func (f *Filesystem) modeDir(mode contrib.Mode) string {
	return filepath.Join(f.baseDir, contributionDirPrefix+mode.String())
}

func (f *Filesystem) commitsPath(mode contrib.Mode, slug string) string {
	return filepath.Join(f.modeDir(mode), slug+".json")
}

func (f *Filesystem) repoLinksPath(partialRepos bool) string {
	return filepath.Join(f.baseDir, "repo-links-"+repoSetKey(partialRepos)+".json")
}

func (f *Filesystem) writeAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}
