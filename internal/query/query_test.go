package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris-monitor/internal/models"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/store"
)

func i64(n int64) *int64 { return &n }

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name      string
		requested *int64
		def, max  int64
		want      int64
	}{
		{name: "omitted uses default", requested: nil, def: 100, max: 500, want: 100},
		{name: "omitted with default above max", requested: nil, def: 900, max: 500, want: 500},
		{name: "in range passes through", requested: i64(250), def: 100, max: 500, want: 250},
		{name: "zero clamps to one", requested: i64(0), def: 100, max: 500, want: 1},
		{name: "negative clamps to one", requested: i64(-5), def: 100, max: 500, want: 1},
		{name: "above max clamps to max", requested: i64(9999), def: 100, max: 500, want: 500},
		{name: "exactly max", requested: i64(500), def: 100, max: 500, want: 500},
		{name: "exactly one", requested: i64(1), def: 100, max: 500, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampLimit(tt.requested, tt.def, tt.max))
		})
	}
}

type fakeQueryStore struct {
	eventsLimit   int64
	failuresLimit int64
	historyLimit  int64
	historyHandle string
}

func (f *fakeQueryStore) CountActiveAccounts(context.Context) (int64, error) { return 3, nil }

func (f *fakeQueryStore) ListAccountsWithLatest(context.Context) ([]store.WatchlistEntry, error) {
	return nil, nil
}

func (f *fakeQueryStore) RecentEvents(_ context.Context, limit int64) ([]store.EventRecord, error) {
	f.eventsLimit = limit
	return nil, nil
}

func (f *fakeQueryStore) RecentFailures(_ context.Context, limit int64) ([]store.FailureRecord, error) {
	f.failuresLimit = limit
	return nil, nil
}

func (f *fakeQueryStore) History(_ context.Context, handle string, limit int64) ([]models.Snapshot, error) {
	f.historyHandle = handle
	f.historyLimit = limit
	return nil, nil
}

type fakeLimits map[string]int64

func (f fakeLimits) Int(_ context.Context, key string) (int64, error) { return f[key], nil }

func (f fakeLimits) Map(context.Context) (map[string]any, error) {
	m := make(map[string]any, len(f))
	for k, v := range f {
		m[k] = v
	}
	return m, nil
}

type fakeMonitor struct{ status monitor.Status }

func (f fakeMonitor) Status() monitor.Status { return f.status }

func newTestFacade() (*Facade, *fakeQueryStore) {
	st := &fakeQueryStore{}
	limits := fakeLimits{
		"monitor_interval_seconds": 900,
		"api_default_limit":        100,
		"api_max_limit":            500,
		"history_default_limit":    50,
	}
	return New(st, limits, fakeMonitor{status: monitor.Status{State: "idle", Running: true}}), st
}

func TestEventsUsesDefaultLimitWhenOmitted(t *testing.T) {
	facade, st := newTestFacade()

	_, err := facade.Events(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.eventsLimit)
}

func TestEventsClampsOversizedLimit(t *testing.T) {
	facade, st := newTestFacade()

	_, err := facade.Events(context.Background(), i64(9999))
	require.NoError(t, err)
	assert.Equal(t, int64(500), st.eventsLimit)
}

func TestFailuresClampsUndersizedLimit(t *testing.T) {
	facade, st := newTestFacade()

	_, err := facade.Failures(context.Background(), i64(-1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.failuresLimit)
}

func TestHistoryUsesItsOwnDefault(t *testing.T) {
	facade, st := newTestFacade()

	_, err := facade.History(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", st.historyHandle)
	assert.Equal(t, int64(50), st.historyLimit)
}

func TestStatusComposesMonitorAndStore(t *testing.T) {
	facade, _ := newTestFacade()

	report, err := facade.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Monitor.Running)
	assert.Equal(t, "idle", report.Monitor.State)
	assert.Equal(t, int64(900), report.IntervalSeconds)
	assert.Equal(t, int64(3), report.AccountsCount)
	assert.Equal(t, int64(500), report.Settings["api_max_limit"])
}
