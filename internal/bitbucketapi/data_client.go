package bitbucketapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gct-tools/bb-contrib/internal/contrib"
)

const restAPIPrefix = "/rest/api/1.0"

// PageSizes configures per-listing page sizes.
type PageSizes struct {
	Branch int
	Commit int
	PR     int
	Repo   int
}

// Branch is one repository branch as a traversal key during ingestion.
type Branch struct {
	DisplayID string `json:"displayId"`
	IsDefault bool   `json:"isDefault"`
}

// DataClient is a typed Bitbucket Server REST 1.0 client. All listings follow
// the in-body page protocol: a page carries isLastPage and a nextPageStart
// cursor for the subsequent request.
type DataClient struct {
	client    *Client
	pageSizes PageSizes
}

// NewDataClient creates a typed data client over the retrying request client.
func NewDataClient(client *Client, pageSizes PageSizes) (*DataClient, error) {
	if client == nil {
		return nil, fmt.Errorf("request client is required")
	}
	if pageSizes.Branch <= 0 {
		pageSizes.Branch = 100
	}
	if pageSizes.Commit <= 0 {
		pageSizes.Commit = 25
	}
	if pageSizes.PR <= 0 {
		pageSizes.PR = 25
	}
	if pageSizes.Repo <= 0 {
		pageSizes.Repo = 1000
	}
	return &DataClient{
		client:    client,
		pageSizes: pageSizes,
	}, nil
}

// GetDefaultBranch reads the repository's designated default branch.
func (c *DataClient) GetDefaultBranch(ctx context.Context, ref contrib.RepoRef) (Branch, error) {
	reqURL := repoAPIURL(ref, "branches/default")
	body, err := c.client.Get(ctx, reqURL)
	if err != nil {
		return Branch{}, fmt.Errorf("get default branch for %s: %w", ref.Slug, err)
	}

	var payload Branch
	if err := json.Unmarshal(body, &payload); err != nil {
		return Branch{}, fmt.Errorf("decode default branch for %s: %w", ref.Slug, err)
	}
	if payload.DisplayID == "" {
		return Branch{}, fmt.Errorf("default branch for %s has no display id", ref.Slug)
	}
	return payload, nil
}

// ListBranches lists every branch of one repository across pages.
func (c *DataClient) ListBranches(ctx context.Context, ref contrib.RepoRef) ([]Branch, error) {
	var branches []Branch
	start := 0
	for {
		reqURL := repoAPIURL(ref, "branches") + "?" + pageQuery(c.pageSizes.Branch, start)
		body, err := c.client.Get(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("list branches for %s: %w", ref.Slug, err)
		}

		var page branchPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode branches for %s: %w", ref.Slug, err)
		}
		branches = append(branches, page.Values...)

		if page.IsLastPage || page.NextPageStart == nil {
			return branches, nil
		}
		start = *page.NextPageStart
	}
}

// ListBranchCommits walks the commit listing of one branch, newest first,
// formatting and deduplicating records that fall inside [start, end]. Every
// fetched page is scanned fully; once a page contains a commit older than the
// window start, no further page is requested, because subsequent pages hold
// strictly older commits. The returned flag reports whether that stop
// condition was hit.
func (c *DataClient) ListBranchCommits(ctx context.Context, ref contrib.RepoRef, branch string, start, end time.Time) ([]contrib.Commit, bool, error) {
	var commits []contrib.Commit
	seen := make(map[string]struct{})
	pageStart := 0
	for {
		reqURL := repoAPIURL(ref, "commits") +
			"?merges=exclude&until=" + url.QueryEscape(branch) +
			"&" + pageQuery(c.pageSizes.Commit, pageStart)
		body, err := c.client.Get(ctx, reqURL)
		if err != nil {
			return nil, false, fmt.Errorf("list commits for %s branch %s: %w", ref.Slug, branch, err)
		}

		var page commitPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, false, fmt.Errorf("decode commits for %s branch %s: %w", ref.Slug, branch, err)
		}

		sawOlder := false
		for _, payload := range page.Values {
			ts := time.UnixMilli(payload.AuthorTimestamp).Local()
			if ts.Before(start) {
				sawOlder = true
				continue
			}
			if ts.After(end) {
				continue
			}
			// Authors without a configured display name are skipped: the
			// record cannot be attributed to anyone.
			if payload.Author.DisplayName == "" {
				continue
			}
			if _, dup := seen[payload.ID]; dup {
				continue
			}
			seen[payload.ID] = struct{}{}
			commits = append(commits, formatCommit(ref, branch, payload, ts))
		}

		if sawOlder {
			return commits, true, nil
		}
		if page.IsLastPage || page.NextPageStart == nil {
			return commits, false, nil
		}
		pageStart = *page.NextPageStart
	}
}

// ListCommitPullRequests lists pull-request summaries attached to one commit.
func (c *DataClient) ListCommitPullRequests(ctx context.Context, ref contrib.RepoRef, commitID string) ([]contrib.PRDetail, error) {
	details := []contrib.PRDetail{}
	start := 0
	for {
		reqURL := repoAPIURL(ref, "commits/"+url.PathEscape(commitID)+"/pull-requests") +
			"?" + pageQuery(c.pageSizes.PR, start)
		body, err := c.client.Get(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("list pull requests for commit %s: %w", commitID, err)
		}

		var page pullRequestPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode pull requests for commit %s: %w", commitID, err)
		}
		for _, payload := range page.Values {
			details = append(details, formatPullRequest(payload))
		}

		if page.IsLastPage || page.NextPageStart == nil {
			return details, nil
		}
		start = *page.NextPageStart
	}
}

// ListRepoLinks lists the browse links of every repository in one project space.
func (c *DataClient) ListRepoLinks(ctx context.Context, baseURL, projectKey string) ([]string, error) {
	var links []string
	start := 0
	for {
		reqURL := baseURL + restAPIPrefix + "/projects/" + url.PathEscape(projectKey) +
			"/repos?" + pageQuery(c.pageSizes.Repo, start)
		body, err := c.client.Get(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("list repos for project %s: %w", projectKey, err)
		}

		var page repoPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode repos for project %s: %w", projectKey, err)
		}
		for _, repo := range page.Values {
			if href := firstSelfLink(repo.Links); href != "" {
				links = append(links, href)
			}
		}

		if page.IsLastPage || page.NextPageStart == nil {
			return links, nil
		}
		start = *page.NextPageStart
	}
}

func repoAPIURL(ref contrib.RepoRef, suffix string) string {
	return ref.BaseURL + restAPIPrefix +
		"/projects/" + url.PathEscape(ref.ProjectKey) +
		"/repos/" + url.PathEscape(ref.Slug) +
		"/" + suffix
}

func pageQuery(limit, start int) string {
	query := "limit=" + strconv.Itoa(limit)
	if start > 0 {
		query += "&start=" + strconv.Itoa(start)
	}
	return query
}

func formatCommit(ref contrib.RepoRef, branch string, payload commitPayload, ts time.Time) contrib.Commit {
	jiraIDs := payload.Properties.JiraKey
	if jiraIDs == nil {
		jiraIDs = []string{}
	}
	return contrib.Commit{
		ID:         payload.ID,
		DisplayID:  payload.DisplayID,
		CommitLink: ref.Link + "/commits/" + payload.ID,
		Author:     payload.Author.DisplayName,
		AuthorLink: firstSelfLink(payload.Author.Links),
		CommitTime: contrib.FormatTime(ts),
		Message:    payload.Message,
		JiraIDs:    jiraIDs,
		Branch:     branch,
	}
}

func formatPullRequest(payload pullRequestPayload) contrib.PRDetail {
	detail := contrib.PRDetail{
		ID:         payload.ID,
		Title:      payload.Title,
		State:      payload.State,
		FromBranch: payload.FromRef.DisplayID,
		ToBranch:   payload.ToRef.DisplayID,
		Author:     payload.Author.User.DisplayName,
		PRLink:     firstSelfLink(payload.Links),
	}
	if len(payload.Reviewers) > 0 {
		detail.Reviewer = payload.Reviewers[0].User.DisplayName
	}
	return detail
}

func firstSelfLink(links selfLinks) string {
	if len(links.Self) == 0 {
		return ""
	}
	return links.Self[0].Href
}

type selfLinks struct {
	Self []struct {
		Href string `json:"href"`
	} `json:"self"`
}

type branchPage struct {
	Values        []Branch `json:"values"`
	IsLastPage    bool     `json:"isLastPage"`
	NextPageStart *int     `json:"nextPageStart"`
}

type commitPage struct {
	Values        []commitPayload `json:"values"`
	IsLastPage    bool            `json:"isLastPage"`
	NextPageStart *int            `json:"nextPageStart"`
}

type commitPayload struct {
	ID        string `json:"id"`
	DisplayID string `json:"displayId"`
	Author    struct {
		DisplayName string    `json:"displayName"`
		Links       selfLinks `json:"links"`
	} `json:"author"`
	AuthorTimestamp int64  `json:"authorTimestamp"`
	Message         string `json:"message"`
	Properties      struct {
		JiraKey []string `json:"jira-key"`
	} `json:"properties"`
}

type pullRequestPage struct {
	Values        []pullRequestPayload `json:"values"`
	IsLastPage    bool                 `json:"isLastPage"`
	NextPageStart *int                 `json:"nextPageStart"`
}

type pullRequestPayload struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	State   string `json:"state"`
	FromRef struct {
		DisplayID string `json:"displayId"`
	} `json:"fromRef"`
	ToRef struct {
		DisplayID string `json:"displayId"`
	} `json:"toRef"`
	Author struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"author"`
	Reviewers []struct {
		User struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"reviewers"`
	Links selfLinks `json:"links"`
}

type repoPage struct {
	Values []struct {
		Links selfLinks `json:"links"`
	} `json:"values"`
	IsLastPage    bool `json:"isLastPage"`
	NextPageStart *int `json:"nextPageStart"`
}
