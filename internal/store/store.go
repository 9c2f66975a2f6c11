package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"iris-monitor/internal/db"
	"iris-monitor/internal/models"
)

var (
	// ErrDuplicateHandle is returned when adding a handle that is already
	// actively watched.
	ErrDuplicateHandle = errors.New("handle already on watchlist")

	// ErrUnknownAccount is returned for handles that were never tracked.
	ErrUnknownAccount = errors.New("unknown account")
)

// Store is the persistence layer: accounts, snapshots, change events,
// failures and the settings key/value set. The monitor scheduler is the only
// writer of snapshot/event/failure data; API handlers read concurrently.
type Store struct {
	db  *db.DB
	log *slog.Logger
}

func New(dbConn *db.DB, log *slog.Logger) *Store {
	return &Store{db: dbConn, log: log}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// AddAccount puts a handle on the watchlist. A previously deactivated handle
// is reactivated in place so its history stays attached; adding a handle that
// is already active returns ErrDuplicateHandle.
func (s *Store) AddAccount(ctx context.Context, handle string) (models.WatchedAccount, error) {
	var a models.WatchedAccount
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (handle) VALUES ($1)
		 ON CONFLICT (handle) DO UPDATE SET active = TRUE, last_error = NULL
		 WHERE accounts.active = FALSE
		 RETURNING id, handle, active, created_at, last_checked_at, last_error`,
		handle,
	).Scan(&a.ID, &a.Handle, &a.Active, &a.CreatedAt, &a.LastCheckedAt, &a.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WatchedAccount{}, ErrDuplicateHandle
		}
		return models.WatchedAccount{}, fmt.Errorf("add account: %w", err)
	}

	s.log.Info("account_added", "handle", a.Handle, "account_id", a.ID)
	return a, nil
}

// DeactivateAccount removes a handle from the active watchlist. History rows
// are never deleted; deactivation is the only supported removal.
func (s *Store) DeactivateAccount(ctx context.Context, handle string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET active = FALSE WHERE handle = $1`,
		handle,
	)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownAccount
	}

	s.log.Info("account_deactivated", "handle", handle)
	return nil
}

func (s *Store) AccountByHandle(ctx context.Context, handle string) (models.WatchedAccount, error) {
	var a models.WatchedAccount
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, handle, active, created_at, last_checked_at, last_error
		 FROM accounts
		 WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.Handle, &a.Active, &a.CreatedAt, &a.LastCheckedAt, &a.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WatchedAccount{}, ErrUnknownAccount
		}
		return models.WatchedAccount{}, fmt.Errorf("account by handle: %w", err)
	}
	return a, nil
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]models.WatchedAccount, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, handle, active, created_at, last_checked_at, last_error
		 FROM accounts
		 WHERE active
		 ORDER BY lower(handle) ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	out := make([]models.WatchedAccount, 0, 16)
	for rows.Next() {
		var a models.WatchedAccount
		if err := rows.Scan(&a.ID, &a.Handle, &a.Active, &a.CreatedAt, &a.LastCheckedAt, &a.LastError); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Pool.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE active`).Scan(&n)
	return n, err
}

// LatestSnapshot returns the most recent snapshot for an account, or nil if
// the account was never successfully checked.
func (s *Store) LatestSnapshot(ctx context.Context, accountID int64) (*models.Snapshot, error) {
	var sn models.Snapshot
	err := s.db.Pool.QueryRow(ctx,
		snapshotColumns+`
		 FROM snapshots
		 WHERE account_id = $1
		 ORDER BY captured_at DESC, id DESC
		 LIMIT 1`,
		accountID,
	).Scan(snapshotFields(&sn)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &sn, nil
}

// RecordCheck persists the outcome of one successful account check: the
// snapshot and every change event derived from it, in a single transaction.
// Readers never observe the snapshot without its events or vice versa.
func (s *Store) RecordCheck(ctx context.Context, accountID int64, snap models.Snapshot, events []models.ChangeEvent) (models.Snapshot, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO snapshots (
			account_id, captured_at, follower_count, following_count,
			like_count, video_count, bio_text, display_name, verified,
			avatar_ref, raw_payload_ref
		 )
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 RETURNING id`,
		accountID, snap.CapturedAt, snap.Followers, snap.Following,
		snap.Likes, snap.Videos, snap.Bio, snap.DisplayName, snap.Verified,
		snap.AvatarRef, snap.RawPayloadRef,
	).Scan(&snap.ID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	snap.AccountID = accountID

	if len(events) > 0 {
		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(
				`INSERT INTO change_events (account_id, detected_at, field, old_value, new_value, delta, message)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				accountID, ev.DetectedAt, ev.Field, ev.OldValue, ev.NewValue, ev.Delta, ev.Message,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return models.Snapshot{}, fmt.Errorf("insert events: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET last_checked_at = $1, last_error = NULL WHERE id = $2`,
		snap.CapturedAt, accountID,
	); err != nil {
		return models.Snapshot{}, fmt.Errorf("update account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Snapshot{}, fmt.Errorf("commit: %w", err)
	}

	return snap, nil
}

// RecordFailure persists one failed check. It never touches the snapshot
// table: a failure and a snapshot are mutually exclusive outcomes of a check.
func (s *Store) RecordFailure(ctx context.Context, accountID int64, reason models.FailureReason, detail string) error {
	occurredAt := time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO failures (account_id, occurred_at, reason, detail)
		 VALUES ($1,$2,$3,$4)`,
		accountID, occurredAt, string(reason), detail,
	); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET last_checked_at = $1, last_error = $2 WHERE id = $3`,
		occurredAt, string(reason)+": "+detail, accountID,
	); err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	return tx.Commit(ctx)
}

// ClearMonitorData wipes every record set. Settings are kept. The caller is
// responsible for refusing this while the monitor is running.
func (s *Store) ClearMonitorData(ctx context.Context) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM change_events`,
		`DELETE FROM failures`,
		`DELETE FROM snapshots`,
		`DELETE FROM accounts`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clear data: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.log.Warn("monitor_data_cleared")
	return nil
}
