// Package monitor runs the periodic check loop over the active watchlist.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"iris-monitor/internal/detector"
	"iris-monitor/internal/fetcher"
	"iris-monitor/internal/models"
)

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
	ErrBusy           = errors.New("a check cycle is already in progress")
)

// Scheduler states reported via Status.
const (
	StateStopped  = "stopped"
	StateIdle     = "idle"
	StateChecking = "checking"
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]models.WatchedAccount, error)
	AccountByHandle(ctx context.Context, handle string) (models.WatchedAccount, error)
	LatestSnapshot(ctx context.Context, accountID int64) (*models.Snapshot, error)
	RecordCheck(ctx context.Context, accountID int64, snap models.Snapshot, events []models.ChangeEvent) (models.Snapshot, error)
	RecordFailure(ctx context.Context, accountID int64, reason models.FailureReason, detail string) error
}

// Settings provides the check interval; re-read before every sleep so edits
// take effect without a restart.
type Settings interface {
	Interval(ctx context.Context) (time.Duration, error)
}

// Archiver stores raw payloads. Optional.
type Archiver interface {
	StorePayload(handle string, capturedAtUnix int64, payload []byte) (string, error)
}

// Counters bumps daily activity counters. Optional.
type Counters interface {
	IncrBy(ctx context.Context, key string, n int64, expiration time.Duration) (int64, error)
}

type Config struct {
	Workers      int           // parallel account checks per cycle; 4 when zero
	CheckTimeout time.Duration // per-account bound covering fetch and writes; 45s when zero
	Interval     time.Duration // fallback when settings cannot be read
}

// CycleSummary describes the outcome of one full pass over the watchlist.
type CycleSummary struct {
	Accounts int    `json:"accounts"`
	Checked  int    `json:"checked"`
	Failed   int    `json:"failed"`
	Changes  int    `json:"changes"`
	Status   string `json:"status"` // ok, partial or failed
}

type Status struct {
	Running           bool          `json:"running"`
	State             string        `json:"state"`
	LastRunStartedAt  *time.Time    `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt *time.Time    `json:"last_run_finished_at,omitempty"`
	LastRun           *CycleSummary `json:"last_run,omitempty"`
	LastError         *string       `json:"last_error,omitempty"`
}

// Scheduler drives check cycles. One cycle at a time, whether triggered by the
// loop or by RunOnce. Each account check gets its own deadline detached from
// the loop's lifetime, so Stop never aborts an in-flight write.
type Scheduler struct {
	log      *slog.Logger
	store    Store
	settings Settings
	fetcher  fetcher.ProfileFetcher
	archiver Archiver
	counters Counters

	workers      int
	checkTimeout time.Duration
	fallback     time.Duration

	cycleMu sync.Mutex // held for the duration of one cycle

	mu       sync.Mutex // guards everything below
	running  bool
	state    string
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  *time.Time
	finished *time.Time
	summary  *CycleSummary
	lastErr  *string
}

func New(log *slog.Logger, store Store, settings Settings, pf fetcher.ProfileFetcher, archiver Archiver, counters Counters, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 45 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Scheduler{
		log:          log,
		store:        store,
		settings:     settings,
		fetcher:      pf,
		archiver:     archiver,
		counters:     counters,
		workers:      cfg.Workers,
		checkTimeout: cfg.CheckTimeout,
		fallback:     cfg.Interval,
		state:        StateStopped,
	}
}

// Start launches the check loop. The first cycle begins immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.state = StateIdle
	s.lastErr = nil
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
	s.log.Info("monitor_started", "workers", s.workers)
	return nil
}

// Stop asks the loop to exit and waits for it. A cycle in progress finishes
// the account it is on; no new account is started after Stop is called.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("monitor_stopped")
	return nil
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = StateStopped
		s.mu.Unlock()
		close(doneCh)
	}()

	for {
		summary, err := s.runCycle(stopCh)
		if err != nil {
			msg := err.Error()
			s.mu.Lock()
			s.lastErr = &msg
			s.mu.Unlock()
			s.log.Error("monitor_cycle_fatal", "error", err)
			return
		}
		s.log.Info("cycle_finished",
			"accounts", summary.Accounts,
			"checked", summary.Checked,
			"failed", summary.Failed,
			"changes", summary.Changes,
			"status", summary.Status)

		select {
		case <-stopCh:
			return
		case <-time.After(s.interval()):
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	iv, err := s.settings.Interval(ctx)
	if err != nil || iv <= 0 {
		return s.fallback
	}
	return iv
}

// RunOnce triggers a single cycle outside the loop's schedule. Returns ErrBusy
// if one is already in progress.
func (s *Scheduler) RunOnce() (CycleSummary, error) {
	if !s.cycleMu.TryLock() {
		return CycleSummary{}, ErrBusy
	}
	defer s.cycleMu.Unlock()
	return s.cycle(nil)
}

func (s *Scheduler) runCycle(stopCh chan struct{}) (CycleSummary, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.cycle(stopCh)
}

// cycle walks the active watchlist once. Per-account failures are recorded
// and do not abort the cycle; only a failure to list the watchlist is fatal.
// Caller holds cycleMu.
func (s *Scheduler) cycle(stopCh chan struct{}) (CycleSummary, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.state = StateChecking
	s.started = &now
	s.finished = nil
	s.mu.Unlock()
	defer func() {
		done := time.Now().UTC()
		s.mu.Lock()
		if s.running {
			s.state = StateIdle
		} else {
			s.state = StateStopped
		}
		s.finished = &done
		s.mu.Unlock()
	}()

	listCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	accounts, err := s.store.ListActiveAccounts(listCtx)
	cancel()
	if err != nil {
		return CycleSummary{Status: "failed"}, fmt.Errorf("list active accounts: %w", err)
	}

	s.log.Info("cycle_started", "accounts", len(accounts))

	var (
		statMu  sync.Mutex
		checked int
		failed  int
		changes int
	)

	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	for _, acct := range accounts {
		if stopCh != nil {
			select {
			case <-stopCh:
				_ = g.Wait()
				s.log.Info("cycle_interrupted", "remaining", len(accounts)-checked-failed)
				return s.finishCycle(len(accounts), checked, failed, changes), nil
			default:
			}
		}

		acct := acct
		g.Go(func() error {
			// re-check: the account may have queued behind the worker limit
			// while Stop was called
			if stopCh != nil {
				select {
				case <-stopCh:
					return nil
				default:
				}
			}
			_, events, err := s.checkOne(acct)
			statMu.Lock()
			if err != nil {
				failed++
			} else {
				checked++
				changes += len(events)
			}
			statMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return s.finishCycle(len(accounts), checked, failed, changes), nil
}

func (s *Scheduler) finishCycle(accounts, checked, failed, changes int) CycleSummary {
	status := "ok"
	switch {
	case failed > 0 && checked == 0 && accounts > 0:
		status = "failed"
	case failed > 0:
		status = "partial"
	}
	summary := CycleSummary{
		Accounts: accounts,
		Checked:  checked,
		Failed:   failed,
		Changes:  changes,
		Status:   status,
	}
	s.mu.Lock()
	s.summary = &summary
	s.mu.Unlock()
	return summary
}

// CheckAccount runs a single on-demand check for one tracked handle and
// returns the stored snapshot with any detected changes. It holds the cycle
// guard so a manual check and a cycle can never diff the same account
// against the same previous snapshot; ErrBusy while a cycle runs.
func (s *Scheduler) CheckAccount(ctx context.Context, handle string) (models.Snapshot, []models.ChangeEvent, error) {
	acct, err := s.store.AccountByHandle(ctx, handle)
	if err != nil {
		return models.Snapshot{}, nil, err
	}
	if !s.cycleMu.TryLock() {
		return models.Snapshot{}, nil, ErrBusy
	}
	defer s.cycleMu.Unlock()
	return s.checkOne(acct)
}

// checkOne fetches, diffs and persists one account. It runs under its own
// deadline so a caller's cancellation cannot leave a half-written check.
func (s *Scheduler) checkOne(acct models.WatchedAccount) (models.Snapshot, []models.ChangeEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.checkTimeout)
	defer cancel()

	profile, err := s.fetcher.Fetch(ctx, acct.Handle)
	if err != nil {
		reason, detail := fetcher.Classify(err)
		s.recordFailure(acct, reason, detail)
		s.bump("failures", 1)
		s.log.Warn("account_check_failed", "handle", acct.Handle, "reason", string(reason), "detail", detail)
		return models.Snapshot{}, nil, err
	}

	snap := snapshotFromProfile(acct.ID, profile)

	if s.archiver != nil && len(profile.RawPayload) > 0 {
		ref, aerr := s.archiver.StorePayload(acct.Handle, snap.CapturedAt.Unix(), profile.RawPayload)
		if aerr != nil {
			s.log.Warn("payload_archive_failed", "handle", acct.Handle, "error", aerr)
		} else {
			snap.RawPayloadRef = &ref
		}
	}

	prev, err := s.store.LatestSnapshot(ctx, acct.ID)
	if err != nil {
		s.recordFailure(acct, models.FailureUnknown, "load previous snapshot: "+err.Error())
		s.bump("failures", 1)
		return models.Snapshot{}, nil, err
	}

	events := detector.Diff(prev, snap)

	stored, err := s.store.RecordCheck(ctx, acct.ID, snap, events)
	if err != nil {
		s.recordFailure(acct, models.FailureUnknown, "persist check: "+err.Error())
		s.bump("failures", 1)
		return models.Snapshot{}, nil, err
	}

	s.bump("checks", 1)
	if len(events) > 0 {
		s.bump("changes", int64(len(events)))
		s.log.Info("changes_detected", "handle", acct.Handle, "count", len(events))
	}
	return stored, events, nil
}

// recordFailure writes a failure row on a fresh context; the check's own
// deadline may already be spent.
func (s *Scheduler) recordFailure(acct models.WatchedAccount, reason models.FailureReason, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.RecordFailure(ctx, acct.ID, reason, detail); err != nil {
		s.log.Error("failure_record_failed", "handle", acct.Handle, "error", err)
	}
}

func (s *Scheduler) bump(name string, n int64) {
	if s.counters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "iris:counters:" + name + ":" + time.Now().UTC().Format("20060102")
	if _, err := s.counters.IncrBy(ctx, key, n, 48*time.Hour); err != nil {
		s.log.Debug("counter_bump_failed", "key", key, "error", err)
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running,
		State:   s.state,
	}
	if s.started != nil {
		t := *s.started
		st.LastRunStartedAt = &t
	}
	if s.finished != nil {
		t := *s.finished
		st.LastRunFinishedAt = &t
	}
	if s.summary != nil {
		sum := *s.summary
		st.LastRun = &sum
	}
	if s.lastErr != nil {
		msg := *s.lastErr
		st.LastError = &msg
	}
	return st
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func snapshotFromProfile(accountID int64, p *models.Profile) models.Snapshot {
	capturedAt := p.FetchedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC().Truncate(time.Second)
	}
	return models.Snapshot{
		AccountID:   accountID,
		CapturedAt:  capturedAt,
		Followers:   p.Followers,
		Following:   p.Following,
		Likes:       p.Likes,
		Videos:      p.Videos,
		Bio:         p.Bio,
		DisplayName: p.DisplayName,
		Verified:    p.Verified,
		AvatarRef:   p.AvatarRef,
	}
}
