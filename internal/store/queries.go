package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iris-monitor/internal/models"
)

// snapshotColumns / snapshotFields keep the snapshot SELECT list and its scan
// targets in one place; the column order must match.
const snapshotColumns = `SELECT id, account_id, captured_at, follower_count, following_count,
	like_count, video_count, bio_text, display_name, verified, avatar_ref, raw_payload_ref`

func snapshotFields(sn *models.Snapshot) []any {
	return []any{
		&sn.ID, &sn.AccountID, &sn.CapturedAt, &sn.Followers, &sn.Following,
		&sn.Likes, &sn.Videos, &sn.Bio, &sn.DisplayName, &sn.Verified,
		&sn.AvatarRef, &sn.RawPayloadRef,
	}
}

// EventRecord is a change event joined with the owning account's handle for
// read surfaces.
type EventRecord struct {
	models.ChangeEvent
	Handle string `json:"handle"`
}

// FailureRecord is a failure joined with the owning account's handle.
type FailureRecord struct {
	models.Failure
	Handle string `json:"handle"`
}

// WatchlistEntry is an active account joined with its most recent snapshot,
// nil if the account was never successfully checked.
type WatchlistEntry struct {
	Account models.WatchedAccount `json:"account"`
	Latest  *models.Snapshot      `json:"latest"`
}

// ListAccountsWithLatest returns every active account with its latest
// snapshot in a single query so the watchlist view is consistent as of call
// time.
func (s *Store) ListAccountsWithLatest(ctx context.Context) ([]WatchlistEntry, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT
			a.id, a.handle, a.active, a.created_at, a.last_checked_at, a.last_error,
			sn.id, sn.account_id, sn.captured_at, sn.follower_count, sn.following_count,
			sn.like_count, sn.video_count, sn.bio_text, sn.display_name, sn.verified,
			sn.avatar_ref, sn.raw_payload_ref
		 FROM accounts a
		 LEFT JOIN LATERAL (
			SELECT * FROM snapshots
			WHERE account_id = a.id
			ORDER BY captured_at DESC, id DESC
			LIMIT 1
		 ) sn ON TRUE
		 WHERE a.active
		 ORDER BY lower(a.handle) ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("watchlist with latest: %w", err)
	}
	defer rows.Close()

	out := make([]WatchlistEntry, 0, 16)
	for rows.Next() {
		var e WatchlistEntry

		// latest snapshot columns are all nullable because of the left join
		var (
			snapID, snAccountID                 *int64
			capturedAt                          *time.Time
			followers, following, likes, videos *int64
			bio, displayName, avatarRef, rawRef *string
			verified                            *bool
		)

		if err := rows.Scan(
			&e.Account.ID, &e.Account.Handle, &e.Account.Active, &e.Account.CreatedAt,
			&e.Account.LastCheckedAt, &e.Account.LastError,
			&snapID, &snAccountID, &capturedAt, &followers, &following,
			&likes, &videos, &bio, &displayName, &verified,
			&avatarRef, &rawRef,
		); err != nil {
			return nil, fmt.Errorf("scan watchlist row: %w", err)
		}

		if snapID != nil {
			sn := models.Snapshot{
				ID:            *snapID,
				AccountID:     *snAccountID,
				CapturedAt:    *capturedAt,
				Followers:     followers,
				Following:     following,
				Likes:         likes,
				Videos:        videos,
				Bio:           bio,
				DisplayName:   displayName,
				AvatarRef:     avatarRef,
				RawPayloadRef: rawRef,
			}
			if verified != nil {
				sn.Verified = *verified
			}
			e.Latest = &sn
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentEvents returns change events, most recent first. The limit is clamped
// by the query facade before it reaches here.
func (s *Store) RecentEvents(ctx context.Context, limit int64) ([]EventRecord, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT e.id, e.account_id, e.detected_at, e.field, e.old_value, e.new_value, e.delta, e.message, a.handle
		 FROM change_events e
		 JOIN accounts a ON a.id = e.account_id
		 ORDER BY e.id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRecord, 0, limit)
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.DetectedAt, &r.Field, &r.OldValue, &r.NewValue, &r.Delta, &r.Message, &r.Handle); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentFailures returns failures, most recent first.
func (s *Store) RecentFailures(ctx context.Context, limit int64) ([]FailureRecord, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT f.id, f.account_id, f.occurred_at, f.reason, f.detail, a.handle
		 FROM failures f
		 JOIN accounts a ON a.id = f.account_id
		 ORDER BY f.id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer rows.Close()

	out := make([]FailureRecord, 0, limit)
	for rows.Next() {
		var r FailureRecord
		var reason string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.OccurredAt, &reason, &r.Detail, &r.Handle); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		r.Reason = models.FailureReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// History returns an account's snapshots, most recent first. Works for
// deactivated accounts too; only never-tracked handles are an error.
func (s *Store) History(ctx context.Context, handle string, limit int64) ([]models.Snapshot, error) {
	account, err := s.AccountByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return nil, ErrUnknownAccount
		}
		return nil, err
	}

	rows, err := s.db.Pool.Query(ctx,
		snapshotColumns+`
		 FROM snapshots
		 WHERE account_id = $1
		 ORDER BY captured_at DESC, id DESC
		 LIMIT $2`,
		account.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	out := make([]models.Snapshot, 0, limit)
	for rows.Next() {
		var sn models.Snapshot
		if err := rows.Scan(snapshotFields(&sn)...); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
