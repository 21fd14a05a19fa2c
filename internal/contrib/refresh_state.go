package contrib

import "time"

// RefreshState is the process-wide record of the last completed refresh per
// ingestion mode, persisted as one JSON document. It is created lazily on the
// first refresh attempt and stamped at the start of every attempt that is
// allowed to proceed.
type RefreshState struct {
	PartialLastRefreshTime         string `json:"partial_last_refresh_time"`
	AllLastRefreshTime             string `json:"all_last_refresh_time"`
	LastRefreshIsPartialRepos      bool   `json:"last_refresh_is_partial_repos"`
	DurationByDays                 int    `json:"duration_by_days"`
	BranchPageSize                 int    `json:"branch_page_size"`
	AllowedRefreshIntervalInMinute int    `json:"allowed_refresh_interval_in_minute"`
}

// LastRefreshTime returns the stamped time for one repo-set mode, or zero if
// that mode has never refreshed or the stamp is unreadable.
func (s RefreshState) LastRefreshTime(partialRepos bool) time.Time {
	raw := s.AllLastRefreshTime
	if partialRepos {
		raw = s.PartialLastRefreshTime
	}
	if raw == "" {
		return time.Time{}
	}
	parsed, err := ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Stamp records a refresh start for one repo-set mode together with the
// parameters in effect for the run.
func (s *RefreshState) Stamp(partialRepos bool, now time.Time, durationDays, branchPageSize, intervalMinutes int) {
	stamp := FormatTime(now)
	if partialRepos {
		s.PartialLastRefreshTime = stamp
	} else {
		s.AllLastRefreshTime = stamp
	}
	s.LastRefreshIsPartialRepos = partialRepos
	s.DurationByDays = durationDays
	s.BranchPageSize = branchPageSize
	s.AllowedRefreshIntervalInMinute = intervalMinutes
}
