// Package query composes the store, the settings service and the scheduler
// into the read surface the HTTP API serves.
package query

import (
	"context"

	"iris-monitor/internal/models"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/settings"
	"iris-monitor/internal/store"
)

// Store is the read slice of the persistence layer the facade needs.
type Store interface {
	CountActiveAccounts(ctx context.Context) (int64, error)
	ListAccountsWithLatest(ctx context.Context) ([]store.WatchlistEntry, error)
	RecentEvents(ctx context.Context, limit int64) ([]store.EventRecord, error)
	RecentFailures(ctx context.Context, limit int64) ([]store.FailureRecord, error)
	History(ctx context.Context, handle string, limit int64) ([]models.Snapshot, error)
}

// Limits resolves the configurable paging bounds.
type Limits interface {
	Int(ctx context.Context, key string) (int64, error)
	Map(ctx context.Context) (map[string]any, error)
}

// Monitor exposes scheduler state without giving the facade control over it.
type Monitor interface {
	Status() monitor.Status
}

type Facade struct {
	store    Store
	settings Limits
	monitor  Monitor
}

func New(st Store, se Limits, mo Monitor) *Facade {
	return &Facade{store: st, settings: se, monitor: mo}
}

// StatusReport is the full /api/status body.
type StatusReport struct {
	Monitor         monitor.Status `json:"monitor"`
	IntervalSeconds int64          `json:"interval_seconds"`
	AccountsCount   int64          `json:"accounts_count"`
	Settings        map[string]any `json:"settings"`
}

func (f *Facade) Status(ctx context.Context) (StatusReport, error) {
	interval, err := f.settings.Int(ctx, settings.KeyMonitorIntervalSeconds)
	if err != nil {
		return StatusReport{}, err
	}
	count, err := f.store.CountActiveAccounts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	settingsMap, err := f.settings.Map(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Monitor:         f.monitor.Status(),
		IntervalSeconds: interval,
		AccountsCount:   count,
		Settings:        settingsMap,
	}, nil
}

func (f *Facade) Watchlist(ctx context.Context) ([]store.WatchlistEntry, error) {
	return f.store.ListAccountsWithLatest(ctx)
}

// Events returns the most recent change events, newest first. A nil requested
// limit falls back to api_default_limit; any value is clamped to
// [1, api_max_limit] rather than rejected.
func (f *Facade) Events(ctx context.Context, requested *int64) ([]store.EventRecord, error) {
	limit, err := f.resolveLimit(ctx, requested, settings.KeyAPIDefaultLimit)
	if err != nil {
		return nil, err
	}
	return f.store.RecentEvents(ctx, limit)
}

// Failures returns the most recent recorded failures, newest first.
func (f *Facade) Failures(ctx context.Context, requested *int64) ([]store.FailureRecord, error) {
	limit, err := f.resolveLimit(ctx, requested, settings.KeyAPIDefaultLimit)
	if err != nil {
		return nil, err
	}
	return f.store.RecentFailures(ctx, limit)
}

// History returns snapshots for one tracked handle, most recent first.
// ErrUnknownAccount passes through for handles never tracked.
func (f *Facade) History(ctx context.Context, handle string, requested *int64) ([]models.Snapshot, error) {
	limit, err := f.resolveLimit(ctx, requested, settings.KeyHistoryDefaultLimit)
	if err != nil {
		return nil, err
	}
	return f.store.History(ctx, handle, limit)
}

func (f *Facade) resolveLimit(ctx context.Context, requested *int64, defaultKey string) (int64, error) {
	def, err := f.settings.Int(ctx, defaultKey)
	if err != nil {
		return 0, err
	}
	max, err := f.settings.Int(ctx, settings.KeyAPIMaxLimit)
	if err != nil {
		return 0, err
	}
	return ClampLimit(requested, def, max), nil
}

// ClampLimit resolves a caller-supplied limit against the configured bounds.
// Absent limits use the default; out-of-range values are clamped, not
// rejected.
func ClampLimit(requested *int64, def, max int64) int64 {
	if max < 1 {
		max = 1
	}
	if requested == nil {
		if def > max {
			return max
		}
		if def < 1 {
			return 1
		}
		return def
	}
	switch {
	case *requested < 1:
		return 1
	case *requested > max:
		return max
	default:
		return *requested
	}
}
