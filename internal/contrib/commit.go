package contrib

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wall-clock format used in cache documents. Timestamps are
// normalized to local time at ingestion and never re-derived afterwards. The
// layout sorts lexicographically, so string comparison orders commits by time.
const TimeLayout = "2006-01-02 15:04:05"

// PRDetail is a pull-request summary attached to a commit by the enrichment pass.
type PRDetail struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	State      string `json:"state"`
	FromBranch string `json:"from_branch"`
	ToBranch   string `json:"to_branch"`
	Author     string `json:"author"`
	Reviewer   string `json:"reviewer"`
	PRLink     string `json:"pr_link"`
}

// Commit is one cached commit record. At most one record per ID exists within
// a repository cache document.
type Commit struct {
	ID         string     `json:"id"`
	DisplayID  string     `json:"display_id"`
	CommitLink string     `json:"commit_link"`
	Author     string     `json:"author"`
	AuthorLink string     `json:"author_link"`
	CommitTime string     `json:"commit_time"`
	Message    string     `json:"message"`
	JiraIDs    []string   `json:"jira_ids"`
	Branch     string     `json:"branch"`
	// PRDetails is nil until the enrichment pass succeeds for this commit; a
	// successful lookup with zero pull requests stores an empty list.
	PRDetails  []PRDetail `json:"pr_details"`
}

// Time parses the commit timestamp in the local time zone.
func (c Commit) Time() (time.Time, error) {
	return ParseTime(c.CommitTime)
}

// ParseTime parses a cache timestamp string in the local time zone.
func ParseTime(raw string) (time.Time, error) {
	parsed, err := time.ParseInLocation(TimeLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", raw, err)
	}
	return parsed, nil
}

// FormatTime renders a timestamp in the cache document layout.
func FormatTime(ts time.Time) string {
	return ts.Local().Format(TimeLayout)
}

// InWindow reports whether a cache timestamp falls inside [start, end] inclusive.
func InWindow(raw string, start, end time.Time) bool {
	ts, err := ParseTime(raw)
	if err != nil {
		return false
	}
	return !ts.Before(start) && !ts.After(end)
}

// DefaultWindow computes the ingestion window ending at tomorrow's local
// midnight and reaching back the configured number of days.
func DefaultWindow(now time.Time, days int) (time.Time, time.Time) {
	local := now.Local()
	tomorrow := local.AddDate(0, 0, 1)
	end := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.Local)
	return end.AddDate(0, 0, -days), end
}

// Mode selects one of the four cache document variants.
type Mode struct {
	DefaultBranchOnly bool
	PartialRepos      bool
}

// String returns the stable mode key used for cache namespacing.
func (m Mode) String() string {
	branches := "all-branches"
	if m.DefaultBranchOnly {
		branches = "default-only"
	}
	repos := "full"
	if m.PartialRepos {
		repos = "partial"
	}
	return branches + "-" + repos
}

// RepoRef identifies one repository within a project space.
type RepoRef struct {
	BaseURL    string
	ProjectKey string
	Slug       string
	// Link is the repository web link with any trailing /browse removed.
	Link string
}

// ParseRepoLink derives a RepoRef from a repository browse link, e.g.
// https://host/bitbucket/projects/KEY/repos/slug/browse.
func ParseRepoLink(link string) (RepoRef, error) {
	trimmed := strings.TrimSpace(link)
	base, rest, ok := strings.Cut(trimmed, "/projects/")
	if !ok || base == "" {
		return RepoRef{}, fmt.Errorf("parse repo link %q: missing /projects/ segment", link)
	}
	projectKey, repoPart, ok := strings.Cut(rest, "/repos/")
	if !ok || projectKey == "" {
		return RepoRef{}, fmt.Errorf("parse repo link %q: missing /repos/ segment", link)
	}
	slug := strings.TrimSuffix(repoPart, "/")
	slug = strings.TrimSuffix(slug, "/browse")
	slug, _, _ = strings.Cut(slug, "/")
	if slug == "" {
		return RepoRef{}, fmt.Errorf("parse repo link %q: empty repository slug", link)
	}

	return RepoRef{
		BaseURL:    base,
		ProjectKey: projectKey,
		Slug:       slug,
		Link:       strings.TrimSuffix(strings.TrimSuffix(trimmed, "/"), "/browse"),
	}, nil
}

// ParseCommitLink derives a RepoRef from a cached commit link, e.g.
// https://host/bitbucket/projects/KEY/repos/slug/commits/<id>.
func ParseCommitLink(link string) (RepoRef, error) {
	repoPart, _, ok := strings.Cut(link, "/commits/")
	if !ok {
		return RepoRef{}, fmt.Errorf("parse commit link %q: missing /commits/ segment", link)
	}
	return ParseRepoLink(repoPart)
}
