package contrib

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrCorruptRecord marks a cached record that is missing required fields.
// A corrupt record fails the merge for its repository instead of silently
// dropping fields, because the merge depends on prior on-disk state.
var ErrCorruptRecord = errors.New("corrupt cached commit record")

// Merger combines freshly fetched commits with a repository's cached history
// for one ingestion window. Branches must be fed default-branch first so the
// branch-upgrade rule observes the default branch stream before any other.
type Merger struct {
	defaultBranch string
	start         time.Time
	end           time.Time
	commits       []Commit
	index         map[string]int
}

// NewMerger creates a merger for one repository and window.
func NewMerger(defaultBranch string, start, end time.Time) *Merger {
	return &Merger{
		defaultBranch: defaultBranch,
		start:         start,
		end:           end,
		index:         make(map[string]int),
	}
}

// LoadExisting seeds the merger with the previously persisted cache, trimming
// records that fall outside the window and collecting surviving ids. Trimming
// is idempotent: re-trimming an already-trimmed cache changes nothing.
func (m *Merger) LoadExisting(cached []Commit) error {
	for i, commit := range cached {
		if commit.ID == "" || commit.CommitTime == "" {
			return fmt.Errorf("record %d: %w", i, ErrCorruptRecord)
		}
		ts, err := commit.Time()
		if err != nil {
			return fmt.Errorf("record %d: %w: %w", i, ErrCorruptRecord, err)
		}
		if ts.Before(m.start) || ts.After(m.end) {
			continue
		}
		if _, seen := m.index[commit.ID]; seen {
			continue
		}
		m.index[commit.ID] = len(m.commits)
		m.commits = append(m.commits, commit)
	}
	return nil
}

// AddBranch merges commits fetched for one branch. A commit already present
// keeps its record; its branch field is upgraded to the default branch name
// when the incoming stream is the default branch and the cached record sits
// on another branch. The upgrade is one-way: a record attributed to the
// default branch is never downgraded.
func (m *Merger) AddBranch(branch string, fetched []Commit) {
	for _, commit := range fetched {
		if existing, ok := m.index[commit.ID]; ok {
			if branch == m.defaultBranch && m.commits[existing].Branch != m.defaultBranch {
				m.commits[existing].Branch = m.defaultBranch
			}
			continue
		}
		commit.Branch = branch
		m.index[commit.ID] = len(m.commits)
		m.commits = append(m.commits, commit)
	}
}

// Result returns the merged set sorted by commit time, descending. The result
// fully replaces the previous cache document.
func (m *Merger) Result() []Commit {
	merged := make([]Commit, len(m.commits))
	copy(merged, m.commits)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CommitTime > merged[j].CommitTime
	})
	return merged
}

// Len reports the current merged record count.
func (m *Merger) Len() int {
	return len(m.commits)
}
