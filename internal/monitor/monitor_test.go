package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"iris-monitor/internal/detector"
	"iris-monitor/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordedCheck struct {
	accountID int64
	snap      models.Snapshot
	events    []models.ChangeEvent
}

type recordedFailure struct {
	accountID int64
	reason    models.FailureReason
	detail    string
}

type fakeStore struct {
	mu       sync.Mutex
	accounts []models.WatchedAccount
	latest   map[int64]*models.Snapshot
	checks   []recordedCheck
	failures []recordedFailure
	listErr  error
}

func (f *fakeStore) ListActiveAccounts(context.Context) ([]models.WatchedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.WatchedAccount, len(f.accounts))
	copy(out, f.accounts)
	return out, nil
}

func (f *fakeStore) AccountByHandle(_ context.Context, handle string) (models.WatchedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Handle == handle {
			return a, nil
		}
	}
	return models.WatchedAccount{}, errors.New("unknown account")
}

func (f *fakeStore) LatestSnapshot(_ context.Context, accountID int64) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[accountID], nil
}

func (f *fakeStore) RecordCheck(_ context.Context, accountID int64, snap models.Snapshot, events []models.ChangeEvent) (models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap.ID = int64(len(f.checks) + 1)
	snap.AccountID = accountID
	f.checks = append(f.checks, recordedCheck{accountID: accountID, snap: snap, events: events})
	if f.latest == nil {
		f.latest = make(map[int64]*models.Snapshot)
	}
	stored := snap
	f.latest[accountID] = &stored
	return snap, nil
}

func (f *fakeStore) RecordFailure(_ context.Context, accountID int64, reason models.FailureReason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, recordedFailure{accountID: accountID, reason: reason, detail: detail})
	return nil
}

func (f *fakeStore) snapshot() (checks []recordedCheck, failures []recordedFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCheck(nil), f.checks...), append([]recordedFailure(nil), f.failures...)
}

type fixedInterval time.Duration

func (f fixedInterval) Interval(context.Context) (time.Duration, error) {
	return time.Duration(f), nil
}

type fetchFunc func(ctx context.Context, handle string) (*models.Profile, error)

func (f fetchFunc) Fetch(ctx context.Context, handle string) (*models.Profile, error) {
	return f(ctx, handle)
}

func i64(n int64) *int64 { return &n }

func profileWithFollowers(handle string, followers int64) *models.Profile {
	return &models.Profile{
		Handle:    handle,
		Followers: i64(followers),
		Following: i64(10),
		Likes:     i64(100),
		Videos:    i64(5),
		FetchedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func newTestScheduler(st Store, f fetchFunc) *Scheduler {
	log := slog.New(slog.DiscardHandler)
	return New(log, st, fixedInterval(time.Hour), f, nil, nil, Config{
		Workers:      2,
		CheckTimeout: 5 * time.Second,
	})
}

func account(id int64, handle string) models.WatchedAccount {
	return models.WatchedAccount{ID: id, Handle: handle, Active: true}
}

func TestRunOnceFirstObservationWritesSnapshotWithoutEvents(t *testing.T) {
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "alice")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return profileWithFollowers(handle, 100), nil
	})

	summary, err := sched.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{Accounts: 1, Checked: 1, Failed: 0, Changes: 0, Status: "ok"}, summary)

	checks, failures := st.snapshot()
	require.Len(t, checks, 1)
	assert.Empty(t, checks[0].events)
	assert.Equal(t, int64(100), *checks[0].snap.Followers)
	assert.Empty(t, failures)
}

func TestRunOnceDetectsChangesAgainstLatestSnapshot(t *testing.T) {
	st := &fakeStore{
		accounts: []models.WatchedAccount{account(1, "alice")},
		latest: map[int64]*models.Snapshot{
			1: {AccountID: 1, Followers: i64(100), Following: i64(10), Likes: i64(100), Videos: i64(5)},
		},
	}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return profileWithFollowers(handle, 120), nil
	})

	summary, err := sched.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Changes)

	checks, _ := st.snapshot()
	require.Len(t, checks, 1)
	require.Len(t, checks[0].events, 1)
	assert.Equal(t, "followers", checks[0].events[0].Field)
}

func TestRunOnceFetchFailureRecordsFailureNotSnapshot(t *testing.T) {
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "gone")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return nil, errors.New("boom")
	})

	summary, err := sched.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{Accounts: 1, Checked: 0, Failed: 1, Changes: 0, Status: "failed"}, summary)

	checks, failures := st.snapshot()
	assert.Empty(t, checks)
	require.Len(t, failures, 1)
	assert.Equal(t, models.FailureUnknown, failures[0].reason)
}

func TestRunOnceOneFailureDoesNotAbortTheCycle(t *testing.T) {
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "ok"), account(2, "broken")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		if handle == "broken" {
			return nil, errors.New("boom")
		}
		return profileWithFollowers(handle, 50), nil
	})

	summary, err := sched.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Accounts)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "partial", summary.Status)

	checks, failures := st.snapshot()
	require.Len(t, checks, 1)
	assert.Equal(t, int64(1), checks[0].accountID)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(2), failures[0].accountID)
}

func TestRunOnceReturnsBusyWhileCycleInProgress(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "slow")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		close(started)
		<-release
		return profileWithFollowers(handle, 1), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sched.RunOnce()
		assert.NoError(t, err)
	}()

	<-started
	_, err := sched.RunOnce()
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	<-done
}

// Stored events must be exactly what Diff produces over the stored snapshot
// sequence, so the event history can always be re-derived from snapshots.
func TestStoredEventsReplayFromSnapshotHistory(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	bio1, bio2 := "first bio", "second bio"
	profiles := []*models.Profile{
		{Handle: "alice", Followers: i64(100), Following: i64(10), Likes: i64(100), Videos: i64(5), Bio: &bio1, FetchedAt: base},
		{Handle: "alice", Followers: i64(120), Following: i64(10), Likes: i64(100), Videos: i64(5), Bio: &bio1, FetchedAt: base.Add(time.Minute)},
		{Handle: "alice", Followers: i64(120), Following: i64(11), Likes: i64(150), Videos: i64(5), Bio: &bio2, Verified: true, FetchedAt: base.Add(2 * time.Minute)},
		{Handle: "alice", Followers: i64(90), Following: i64(11), Likes: i64(150), Videos: i64(6), Bio: &bio2, Verified: true, FetchedAt: base.Add(3 * time.Minute)},
	}

	var fetchMu sync.Mutex
	var cycle int
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "alice")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		fetchMu.Lock()
		defer fetchMu.Unlock()
		p := profiles[cycle]
		cycle++
		return p, nil
	})

	for range profiles {
		_, err := sched.RunOnce()
		require.NoError(t, err)
	}

	checks, failures := st.snapshot()
	require.Len(t, checks, len(profiles))
	assert.Empty(t, failures)
	assert.Empty(t, checks[0].events, "first observation is the baseline")
	require.NotEmpty(t, checks[1].events)
	require.NotEmpty(t, checks[2].events)

	var prev *models.Snapshot
	for i, c := range checks {
		replayed := detector.Diff(prev, c.snap)
		assert.Equal(t, c.events, replayed, "check %d", i)
		snap := c.snap
		prev = &snap
	}
}

func TestCheckAccountReturnsBusyDuringCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "slow")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		close(started)
		<-release
		return profileWithFollowers(handle, 1), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sched.RunOnce()
		assert.NoError(t, err)
	}()

	<-started
	_, _, err := sched.CheckAccount(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	<-done

	// only the cycle's check made it in
	checks, _ := st.snapshot()
	assert.Len(t, checks, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	st := &fakeStore{}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return profileWithFollowers(handle, 1), nil
	})

	assert.Equal(t, StateStopped, sched.Status().State)
	assert.ErrorIs(t, sched.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, sched.Start())
	assert.ErrorIs(t, sched.Start(), ErrAlreadyRunning)
	assert.True(t, sched.Running())

	require.NoError(t, sched.Stop(context.Background()))
	assert.False(t, sched.Running())
	assert.Equal(t, StateStopped, sched.Status().State)
}

func TestStopFinishesInFlightAccountAndSkipsQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetchCalls int64
	var fetchMu sync.Mutex

	st := &fakeStore{accounts: []models.WatchedAccount{account(1, "first"), account(2, "second")}}
	log := slog.New(slog.DiscardHandler)
	sched := New(log, st, fixedInterval(time.Hour), fetchFunc(func(ctx context.Context, handle string) (*models.Profile, error) {
		fetchMu.Lock()
		fetchCalls++
		if fetchCalls == 1 {
			close(started)
		}
		fetchMu.Unlock()
		<-release
		return profileWithFollowers(handle, 1), nil
	}), nil, nil, Config{Workers: 1, CheckTimeout: 5 * time.Second})

	require.NoError(t, sched.Start())
	<-started

	stopDone := make(chan error, 1)
	go func() { stopDone <- sched.Stop(context.Background()) }()

	// give Stop a moment to close the stop channel, then let the in-flight
	// fetch finish
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopDone)

	checks, failures := st.snapshot()
	require.Len(t, checks, 1, "in-flight account must be written, queued account must not start")
	assert.Equal(t, int64(1), checks[0].accountID)
	assert.Empty(t, failures)

	fetchMu.Lock()
	defer fetchMu.Unlock()
	assert.Equal(t, int64(1), fetchCalls)
}

func TestCycleFatalWhenListingFails(t *testing.T) {
	st := &fakeStore{listErr: errors.New("db gone")}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		t.Error("fetch must not be called")
		return nil, errors.New("unexpected fetch")
	})

	require.NoError(t, sched.Start())

	require.Eventually(t, func() bool {
		return !sched.Running()
	}, 2*time.Second, 10*time.Millisecond)

	status := sched.Status()
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "list active accounts")
}

func TestCheckAccountUnknownHandle(t *testing.T) {
	st := &fakeStore{}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return profileWithFollowers(handle, 1), nil
	})

	_, _, err := sched.CheckAccount(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestCheckAccountReturnsStoredSnapshot(t *testing.T) {
	st := &fakeStore{accounts: []models.WatchedAccount{account(3, "carol")}}
	sched := newTestScheduler(st, func(ctx context.Context, handle string) (*models.Profile, error) {
		return profileWithFollowers(handle, 42), nil
	})

	snap, events, err := sched.CheckAccount(context.Background(), "carol")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(3), snap.AccountID)
	assert.NotZero(t, snap.ID, "snapshot must come back from the store with its id")
}
