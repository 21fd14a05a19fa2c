// Package refresh gates full refresh runs behind a minimum-interval policy.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gct-tools/bb-contrib/internal/contrib"
)

// StateStore persists the refresh-state document.
type StateStore interface {
	LoadRefreshState(ctx context.Context) (contrib.RefreshState, bool, error)
	SaveRefreshState(ctx context.Context, state contrib.RefreshState) error
}

// Params are the policy parameters stamped into the state on every accepted run.
type Params struct {
	MinimumInterval time.Duration
	WindowDays      int
	BranchPageSize  int
	PartialRepos    bool
}

// Decision is the outcome of one refresh attempt.
type Decision struct {
	Allowed bool
	// LastRefreshTime is the previous stamp when throttled, or the new stamp
	// when allowed.
	LastRefreshTime time.Time
	State           contrib.RefreshState
}

// Status reports whether a refresh would currently be permitted.
type Status struct {
	AllowedToRefresh bool                 `json:"is_allowed_to_refresh"`
	LastRefreshTime  string               `json:"last_refresh_time"`
	State            contrib.RefreshState `json:"state"`
}

// Throttle guards the Idle to Refreshing transition. The check-and-stamp
// sequence runs under a single mutex so two concurrent triggers cannot both
// pass the gate; the stamp is written before the expensive work begins, and
// eligibility returns purely by elapsed time, never by run completion.
type Throttle struct {
	mu     sync.Mutex
	store  StateStore
	params Params
	now    func() time.Time
}

// NewThrottle creates a throttle over the persisted refresh state.
func NewThrottle(store StateStore, params Params) *Throttle {
	return &Throttle{
		store:  store,
		params: params,
		now:    time.Now,
	}
}

// SetNow overrides the clock for tests.
func (t *Throttle) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// TryStart atomically checks the cool-down for the configured repo-set mode
// and, when permitted, stamps the state with the current time and the run
// parameters. A rejected attempt leaves the state unchanged.
func (t *Throttle) TryStart(ctx context.Context) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, _, err := t.store.LoadRefreshState(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load refresh state: %w", err)
	}

	now := t.now()
	last := state.LastRefreshTime(t.params.PartialRepos)
	if !last.IsZero() && now.Sub(last) < t.params.MinimumInterval {
		return Decision{
			Allowed:         false,
			LastRefreshTime: last,
			State:           state,
		}, nil
	}

	state.Stamp(
		t.params.PartialRepos,
		now,
		t.params.WindowDays,
		t.params.BranchPageSize,
		int(t.params.MinimumInterval/time.Minute),
	)
	if err := t.store.SaveRefreshState(ctx, state); err != nil {
		return Decision{}, fmt.Errorf("save refresh state: %w", err)
	}

	return Decision{
		Allowed:         true,
		LastRefreshTime: now,
		State:           state,
	}, nil
}

// CurrentStatus reports the gate state without stamping.
func (t *Throttle) CurrentStatus(ctx context.Context) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, _, err := t.store.LoadRefreshState(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load refresh state: %w", err)
	}

	last := state.LastRefreshTime(t.params.PartialRepos)
	status := Status{
		AllowedToRefresh: last.IsZero() || t.now().Sub(last) >= t.params.MinimumInterval,
		State:            state,
	}
	if !last.IsZero() {
		status.LastRefreshTime = contrib.FormatTime(last)
	}
	return status, nil
}
