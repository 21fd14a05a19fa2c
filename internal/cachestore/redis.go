package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gct-tools/bb-contrib/internal/contrib"
	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisStoreConfig configures the Redis-backed cache store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore keeps cache documents in a Redis namespace for deployments
// without a persistent volume. Document writes are single SET commands, so
// readers never observe partial documents.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed cache store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "bb-contrib"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// LoadCommits reads one repository's cache document. A missing or malformed
// document is an empty prior cache; any other read failure is returned so a
// transient outage cannot masquerade as an empty cache and shrink the merge.
func (s *RedisStore) LoadCommits(ctx context.Context, mode contrib.Mode, slug string) ([]contrib.Commit, error) {
	raw, err := s.client.Get(ctx, s.commitsKey(mode, slug)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read commits for %s: %w", slug, err)
	}
	var commits []contrib.Commit
	if err := json.Unmarshal([]byte(raw), &commits); err != nil {
		return nil, nil
	}
	return commits, nil
}

// SaveCommits replaces one repository's cache document and indexes the slug.
func (s *RedisStore) SaveCommits(ctx context.Context, mode contrib.Mode, slug string, commits []contrib.Commit) error {
	if commits == nil {
		commits = []contrib.Commit{}
	}
	payload, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("marshal commits for %s: %w", slug, err)
	}
	if err := s.client.Set(ctx, s.commitsKey(mode, slug), payload, 0).Err(); err != nil {
		return fmt.Errorf("write commits for %s: %w", slug, err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(mode), slug).Err(); err != nil {
		return fmt.Errorf("index commits for %s: %w", slug, err)
	}
	return nil
}

// ListRepos lists repository slugs with a cache document for one mode.
func (s *RedisStore) ListRepos(ctx context.Context, mode contrib.Mode) ([]string, error) {
	slugs, err := s.client.SMembers(ctx, s.indexKey(mode)).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache documents: %w", err)
	}
	sort.Strings(slugs)
	return slugs, nil
}

// LoadRepoLinks reads the project-key to repo-link-list document.
func (s *RedisStore) LoadRepoLinks(ctx context.Context, partialRepos bool) (map[string][]string, error) {
	raw, err := s.client.Get(ctx, s.repoLinksKey(partialRepos)).Result()
	if err != nil {
		return nil, fmt.Errorf("read repo links document: %w", err)
	}
	var links map[string][]string
	if err := json.Unmarshal([]byte(raw), &links); err != nil {
		return nil, fmt.Errorf("decode repo links document: %w", err)
	}
	return links, nil
}

// SaveRepoLinks replaces the repo-links document.
func (s *RedisStore) SaveRepoLinks(ctx context.Context, partialRepos bool, links map[string][]string) error {
	payload, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal repo links: %w", err)
	}
	if err := s.client.Set(ctx, s.repoLinksKey(partialRepos), payload, 0).Err(); err != nil {
		return fmt.Errorf("write repo links document: %w", err)
	}
	return nil
}

// LoadRefreshState reads the refresh-state document.
func (s *RedisStore) LoadRefreshState(ctx context.Context) (contrib.RefreshState, bool, error) {
	raw, err := s.client.Get(ctx, s.refreshStateKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return contrib.RefreshState{}, false, nil
		}
		return contrib.RefreshState{}, false, fmt.Errorf("read refresh state: %w", err)
	}
	var state contrib.RefreshState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return contrib.RefreshState{}, false, fmt.Errorf("decode refresh state: %w", err)
	}
	return state, true, nil
}

// SaveRefreshState replaces the refresh-state document.
func (s *RedisStore) SaveRefreshState(ctx context.Context, state contrib.RefreshState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal refresh state: %w", err)
	}
	if err := s.client.Set(ctx, s.refreshStateKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("write refresh state: %w", err)
	}
	return nil
}

func (s *RedisStore) commitsKey(mode contrib.Mode, slug string) string {
	return s.namespace + ":commits:" + mode.String() + ":" + slug
}

func (s *RedisStore) indexKey(mode contrib.Mode) string {
	return s.namespace + ":repos:" + mode.String()
}

func (s *RedisStore) repoLinksKey(partialRepos bool) string {
	return s.namespace + ":repo-links:" + repoSetKey(partialRepos)
}

func (s *RedisStore) refreshStateKey() string {
	return s.namespace + ":refresh-state"
}
