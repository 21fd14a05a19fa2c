package app

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gct-tools/bb-contrib/internal/contrib"
)

func TestHandleRefresh(t *testing.T) {
	t.Parallel()

	t.Run("accepted_run_returns_202", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		handler := fixture.runtime.Handler()

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
		}

		var result RefreshResult
		if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !result.Accepted || result.RunID != "run-fixed" {
			t.Fatalf("unexpected result: %+v", result)
		}
		waitForRunDone(t, fixture.runtime)
	})

	t.Run("throttled_run_returns_429", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		fixture.gate.allowed = false
		fixture.gate.last = time.Date(2026, 8, 31, 9, 30, 0, 0, time.Local)
		handler := fixture.runtime.Handler()

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
		if recorder.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
		}

		var result RefreshResult
		if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if result.Accepted || result.LastRefreshTime == "" {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("get_is_rejected", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		recorder := httptest.NewRecorder()
		fixture.runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/refresh", nil))
		if recorder.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", recorder.Code)
		}
	})
}

func TestHandleRefreshStatus(t *testing.T) {
	t.Parallel()

	fixture := newRuntimeFixture(nil)
	fixture.gate.last = time.Date(2026, 8, 31, 9, 0, 0, 0, time.Local)
	handler := fixture.runtime.Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/refresh/status", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}

	var status RefreshStatusResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !status.AllowedToRefresh || status.Running {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.LastRefreshTime != contrib.FormatTime(fixture.gate.last) {
		t.Fatalf("last refresh time = %q", status.LastRefreshTime)
	}
}

func TestHandleCommits(t *testing.T) {
	t.Parallel()

	t.Run("returns_matching_commits", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		fixture.querier.commits = []contrib.Commit{{ID: "aaaa1111", Author: "Dana Scully"}}
		handler := fixture.runtime.Handler()

		target := "/api/commits?identifiers=zw51552,%20HZ11172&start=2026-06-01%2000:00:00&end=2026-07-01&default_branch_only=true"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
		}

		var commits []contrib.Commit
		if err := json.Unmarshal(recorder.Body.Bytes(), &commits); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(commits) != 1 || commits[0].ID != "aaaa1111" {
			t.Fatalf("unexpected commits: %+v", commits)
		}

		if !reflect.DeepEqual(fixture.querier.identifiers, []string{"zw51552", "HZ11172"}) {
			t.Fatalf("identifiers = %v", fixture.querier.identifiers)
		}
		if !fixture.querier.defaultBranchOnly {
			t.Fatal("default_branch_only not forwarded")
		}
		wantStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.Local)
		wantEnd := time.Date(2026, 7, 1, 23, 59, 59, 0, time.Local)
		if !fixture.querier.start.Equal(wantStart) {
			t.Fatalf("start = %v, want %v", fixture.querier.start, wantStart)
		}
		// A bare end date covers the whole day.
		if !fixture.querier.end.Equal(wantEnd) {
			t.Fatalf("end = %v, want %v", fixture.querier.end, wantEnd)
		}
	})

	t.Run("missing_identifiers_is_rejected", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		recorder := httptest.NewRecorder()
		fixture.runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/commits", nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", recorder.Code)
		}
	})

	t.Run("blank_identifiers_is_rejected", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		recorder := httptest.NewRecorder()
		fixture.runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/commits?identifiers=%20,%20", nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", recorder.Code)
		}
	})

	t.Run("malformed_time_is_rejected", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		recorder := httptest.NewRecorder()
		fixture.runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/commits?identifiers=zw51552&start=yesterday", nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", recorder.Code)
		}
	})

	t.Run("malformed_branch_flag_is_rejected", func(t *testing.T) {
		t.Parallel()

		fixture := newRuntimeFixture(nil)
		recorder := httptest.NewRecorder()
		fixture.runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/commits?identifiers=zw51552&default_branch_only=maybe", nil))
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", recorder.Code)
		}
	})
}

func TestHandleCommitsExport(t *testing.T) {
	t.Parallel()

	fixture := newRuntimeFixture(nil)
	fixture.querier.commits = []contrib.Commit{
		{
			ID:         "aaaa1111bbbb2222",
			DisplayID:  "aaaa1111",
			CommitLink: "https://git.example.com/projects/OPS/repos/tooling/commits/aaaa1111bbbb2222",
			Author:     "Dana Scully",
			CommitTime: "2026-03-10 09:00:00",
			Message:    "ABC-1 fix parser",
			Branch:     "main",
		},
	}
	handler := fixture.runtime.Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/commits/export?identifiers=zw51552", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("content type = %q", got)
	}
	if got := recorder.Header().Get("Content-Disposition"); !strings.Contains(got, "commits.csv") {
		t.Fatalf("content disposition = %q", got)
	}

	records, err := csv.NewReader(recorder.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv body: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus 1 row, got %v", records)
	}
	if records[1][0] != "aaaa1111" || records[1][3] != "tooling" {
		t.Fatalf("unexpected row: %v", records[1])
	}
}

func TestParseTimeParam(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		raw      string
		endOfDay bool
		want     time.Time
		wantErr  bool
	}{
		{
			name: "empty_is_zero",
			raw:  "",
		},
		{
			name: "full_layout",
			raw:  "2026-06-01 08:30:00",
			want: time.Date(2026, 6, 1, 8, 30, 0, 0, time.Local),
		},
		{
			name: "bare_start_date",
			raw:  "2026-06-01",
			want: time.Date(2026, 6, 1, 0, 0, 0, 0, time.Local),
		},
		{
			name:     "bare_end_date_widens_to_end_of_day",
			raw:      "2026-06-01",
			endOfDay: true,
			want:     time.Date(2026, 6, 1, 23, 59, 59, 0, time.Local),
		},
		{
			name:     "full_layout_is_not_widened",
			raw:      "2026-06-01 08:30:00",
			endOfDay: true,
			want:     time.Date(2026, 6, 1, 8, 30, 0, 0, time.Local),
		},
		{
			name:    "garbage_is_rejected",
			raw:     "yesterday",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseTimeParam(tc.raw, tc.endOfDay)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("parseTimeParam(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
