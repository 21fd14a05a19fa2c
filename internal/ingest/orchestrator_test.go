package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gct-tools/bb-contrib/internal/bitbucketapi"
	"github.com/gct-tools/bb-contrib/internal/contrib"
)

type memStore struct {
	mu        sync.Mutex
	commits   map[string][]contrib.Commit
	repoLinks map[bool]map[string][]string
	state     contrib.RefreshState
	stateOK   bool
}

func newMemStore() *memStore {
	return &memStore{
		commits:   make(map[string][]contrib.Commit),
		repoLinks: make(map[bool]map[string][]string),
	}
}

func (s *memStore) docKey(mode contrib.Mode, slug string) string {
	return mode.String() + "/" + slug
}

func (s *memStore) LoadCommits(_ context.Context, mode contrib.Mode, slug string) ([]contrib.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits[s.docKey(mode, slug)], nil
}

func (s *memStore) SaveCommits(_ context.Context, mode contrib.Mode, slug string, commits []contrib.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[s.docKey(mode, slug)] = commits
	return nil
}

func (s *memStore) ListRepos(_ context.Context, mode contrib.Mode) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var slugs []string
	prefix := mode.String() + "/"
	for key := range s.commits {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			slugs = append(slugs, key[len(prefix):])
		}
	}
	return slugs, nil
}

func (s *memStore) LoadRepoLinks(_ context.Context, partialRepos bool) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links, ok := s.repoLinks[partialRepos]
	if !ok {
		return nil, errors.New("repo links document not found")
	}
	return links, nil
}

func (s *memStore) SaveRepoLinks(_ context.Context, partialRepos bool, links map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoLinks[partialRepos] = links
	return nil
}

func (s *memStore) LoadRefreshState(_ context.Context) (contrib.RefreshState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateOK, nil
}

func (s *memStore) SaveRefreshState(_ context.Context, state contrib.RefreshState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.stateOK = true
	return nil
}

func (s *memStore) storedCommits(mode contrib.Mode, slug string) []contrib.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits[s.docKey(mode, slug)]
}

type fakeFetcher struct {
	mu            sync.Mutex
	defaultBranch map[string]bitbucketapi.Branch
	defaultErr    map[string]error
	branches      map[string][]bitbucketapi.Branch
	branchesErr   map[string]error
	commits       map[string][]contrib.Commit
	commitCalls   []string
}

func branchKey(slug, branch string) string {
	return slug + "@" + branch
}

func (f *fakeFetcher) GetDefaultBranch(_ context.Context, ref contrib.RepoRef) (bitbucketapi.Branch, error) {
	if err := f.defaultErr[ref.Slug]; err != nil {
		return bitbucketapi.Branch{}, err
	}
	branch, ok := f.defaultBranch[ref.Slug]
	if !ok {
		return bitbucketapi.Branch{}, fmt.Errorf("no default branch for %s", ref.Slug)
	}
	return branch, nil
}

func (f *fakeFetcher) ListBranches(_ context.Context, ref contrib.RepoRef) ([]bitbucketapi.Branch, error) {
	if err := f.branchesErr[ref.Slug]; err != nil {
		return nil, err
	}
	return f.branches[ref.Slug], nil
}

func (f *fakeFetcher) ListBranchCommits(_ context.Context, ref contrib.RepoRef, branch string, _, _ time.Time) ([]contrib.Commit, bool, error) {
	f.mu.Lock()
	f.commitCalls = append(f.commitCalls, branchKey(ref.Slug, branch))
	f.mu.Unlock()
	return f.commits[branchKey(ref.Slug, branch)], false, nil
}

func testWindow() (time.Time, time.Time) {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.Local)
}

func repoLink(slug string) string {
	return "https://git.example.com/projects/OPS/repos/" + slug + "/browse"
}

func ingestCommit(id, commitTime string) contrib.Commit {
	return contrib.Commit{
		ID:         id,
		DisplayID:  id[:4],
		CommitTime: commitTime,
		Author:     "Dana Scully",
	}
}

func newTestOrchestrator(fetcher *fakeFetcher, store *memStore, cfg Config) *Orchestrator {
	orchestrator := NewOrchestrator(fetcher, store, cfg, nil)
	orchestrator.sleep = func(time.Duration) {}
	return orchestrator
}

func TestOrchestratorRunIngestsBothModes(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	if err := store.SaveRepoLinks(context.Background(), false, map[string][]string{"OPS": {repoLink("tooling")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shared := ingestCommit("aaaa1111", "2026-03-10 09:00:00")
	featureOnly := ingestCommit("bbbb2222", "2026-03-11 10:00:00")
	fetcher := &fakeFetcher{
		defaultBranch: map[string]bitbucketapi.Branch{"tooling": {DisplayID: "main", IsDefault: true}},
		branches: map[string][]bitbucketapi.Branch{
			"tooling": {{DisplayID: "feature/login"}, {DisplayID: "main", IsDefault: true}},
		},
		commits: map[string][]contrib.Commit{
			branchKey("tooling", "main"):          {shared},
			branchKey("tooling", "feature/login"): {shared, featureOnly},
		},
	}

	orchestrator := newTestOrchestrator(fetcher, store, Config{})
	start, end := testWindow()
	outcomes, err := orchestrator.Run(context.Background(), "run-1", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 1 || len(outcomes[0].Repos) != 1 {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if outcomes[0].Repos[0].Err != nil || outcomes[0].Repos[0].Skipped {
		t.Fatalf("unexpected repo outcome: %+v", outcomes[0].Repos[0])
	}

	defaultOnly := store.storedCommits(contrib.Mode{DefaultBranchOnly: true}, "tooling")
	if len(defaultOnly) != 1 || defaultOnly[0].ID != shared.ID || defaultOnly[0].Branch != "main" {
		t.Fatalf("unexpected default-only document: %+v", defaultOnly)
	}

	allBranches := store.storedCommits(contrib.Mode{}, "tooling")
	if len(allBranches) != 2 {
		t.Fatalf("expected 2 commits in all-branches document, got %+v", allBranches)
	}
	for _, commit := range allBranches {
		if commit.ID == shared.ID && commit.Branch != "main" {
			t.Fatalf("shared commit must be attributed to the default branch, got %q", commit.Branch)
		}
		if commit.ID == featureOnly.ID && commit.Branch != "feature/login" {
			t.Fatalf("feature commit must keep its branch, got %q", commit.Branch)
		}
	}
}

func TestOrchestratorProcessesDefaultBranchFirst(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	if err := store.SaveRepoLinks(context.Background(), false, map[string][]string{"OPS": {repoLink("tooling")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher := &fakeFetcher{
		defaultBranch: map[string]bitbucketapi.Branch{"tooling": {DisplayID: "main", IsDefault: true}},
		branches: map[string][]bitbucketapi.Branch{
			// Listing puts the default branch last; ingestion must reorder.
			"tooling": {{DisplayID: "feature/a"}, {DisplayID: "feature/b"}, {DisplayID: "main", IsDefault: true}},
		},
		commits: map[string][]contrib.Commit{},
	}

	orchestrator := newTestOrchestrator(fetcher, store, Config{})
	start, end := testWindow()
	if _, err := orchestrator.Run(context.Background(), "run-1", start, end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First call is the default-only pass; the all-branches pass must also
	// start with the default branch.
	want := []string{
		branchKey("tooling", "main"),
		branchKey("tooling", "main"),
		branchKey("tooling", "feature/a"),
		branchKey("tooling", "feature/b"),
	}
	if !reflect.DeepEqual(fetcher.commitCalls, want) {
		t.Fatalf("branch order = %v, want %v", fetcher.commitCalls, want)
	}
}

func TestOrchestratorSkipsRepoWithoutDefaultBranch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	links := map[string][]string{"OPS": {repoLink("broken"), repoLink("healthy")}}
	if err := store.SaveRepoLinks(context.Background(), false, links); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher := &fakeFetcher{
		defaultBranch: map[string]bitbucketapi.Branch{"healthy": {DisplayID: "main", IsDefault: true}},
		defaultErr:    map[string]error{"broken": errors.New("404")},
		branches:      map[string][]bitbucketapi.Branch{"healthy": {{DisplayID: "main", IsDefault: true}}},
		commits:       map[string][]contrib.Commit{},
	}

	orchestrator := newTestOrchestrator(fetcher, store, Config{MaxWorkers: 1})
	start, end := testWindow()
	outcomes, err := orchestrator.Run(context.Background(), "run-1", start, end)
	if err != nil {
		t.Fatalf("a skipped repo must not fail the run: %v", err)
	}

	var skipped, processed int
	for _, repo := range outcomes[0].Repos {
		if repo.Skipped {
			skipped++
			continue
		}
		if repo.Err == nil {
			processed++
		}
	}
	if skipped != 1 || processed != 1 {
		t.Fatalf("expected one skipped and one processed repo, got %+v", outcomes[0].Repos)
	}
}

func TestOrchestratorRunIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	if err := store.SaveRepoLinks(context.Background(), false, map[string][]string{"OPS": {repoLink("tooling")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher := &fakeFetcher{
		defaultBranch: map[string]bitbucketapi.Branch{"tooling": {DisplayID: "main", IsDefault: true}},
		branches:      map[string][]bitbucketapi.Branch{"tooling": {{DisplayID: "main", IsDefault: true}}},
		commits: map[string][]contrib.Commit{
			branchKey("tooling", "main"): {
				ingestCommit("aaaa1111", "2026-03-10 09:00:00"),
				ingestCommit("bbbb2222", "2026-03-11 10:00:00"),
			},
		},
	}

	orchestrator := newTestOrchestrator(fetcher, store, Config{})
	start, end := testWindow()
	if _, err := orchestrator.Run(context.Background(), "run-1", start, end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := store.storedCommits(contrib.Mode{}, "tooling")

	if _, err := orchestrator.Run(context.Background(), "run-2", start, end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := store.storedCommits(contrib.Mode{}, "tooling")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-running over unchanged remote data must not change the cache:\n%+v\nvs\n%+v", first, second)
	}
}

func TestOrchestratorFailsRepoOnCorruptCache(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	if err := store.SaveRepoLinks(context.Background(), false, map[string][]string{"OPS": {repoLink("tooling")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A cached record without an id is corrupt and must fail the repo.
	corruptMode := contrib.Mode{DefaultBranchOnly: true}
	if err := store.SaveCommits(context.Background(), corruptMode, "tooling", []contrib.Commit{{CommitTime: "2026-03-10 09:00:00"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher := &fakeFetcher{
		defaultBranch: map[string]bitbucketapi.Branch{"tooling": {DisplayID: "main", IsDefault: true}},
		branches:      map[string][]bitbucketapi.Branch{"tooling": {{DisplayID: "main", IsDefault: true}}},
		commits:       map[string][]contrib.Commit{},
	}

	orchestrator := newTestOrchestrator(fetcher, store, Config{})
	start, end := testWindow()
	outcomes, err := orchestrator.Run(context.Background(), "run-1", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo := outcomes[0].Repos[0]
	if !errors.Is(repo.Err, contrib.ErrCorruptRecord) {
		t.Fatalf("expected corrupt-record failure, got %+v", repo)
	}
}

func TestShardRoundRobin(t *testing.T) {
	t.Parallel()

	units := []string{"a", "b", "c", "d", "e"}

	shards := shardRoundRobin(units, 2)
	want := [][]string{{"a", "c", "e"}, {"b", "d"}}
	if !reflect.DeepEqual(shards, want) {
		t.Fatalf("shards = %v, want %v", shards, want)
	}

	if got := shardRoundRobin(units, 0); got != nil {
		t.Fatalf("zero shards must yield nil, got %v", got)
	}
	if got := shardRoundRobin(nil, 3); got != nil {
		t.Fatalf("no units must yield nil, got %v", got)
	}
}

func TestConfigWorkerCap(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		cfg   Config
		units int
		want  int
	}{
		{name: "defaults_to_five", cfg: Config{}, units: 20, want: 5},
		{name: "fewer_units_than_cap", cfg: Config{}, units: 3, want: 3},
		{name: "explicit_cap", cfg: Config{MaxWorkers: 2}, units: 20, want: 2},
	}
	for _, tc := range testCases {
		if got := tc.cfg.workers(tc.units); got != tc.want {
			t.Fatalf("%s: workers(%d) = %d, want %d", tc.name, tc.units, got, tc.want)
		}
	}

	if got := (Config{}).stagger(); got != time.Second {
		t.Fatalf("default stagger = %v, want 1s", got)
	}
}
