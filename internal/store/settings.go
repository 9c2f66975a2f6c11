package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"iris-monitor/internal/models"
)

// GetSetting reads one raw setting value. ok is false when the key has never
// been written; the settings service falls back to its typed default then.
func (s *Store) GetSetting(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.Pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting upserts one setting. Durable immediately; no batching.
func (s *Store) SetSetting(ctx context.Context, key, value, valueType string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO settings (key, value, value_type, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			updated_at = excluded.updated_at`,
		key, value, valueType,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}

	s.log.Info("setting_written", "key", key, "value", value)
	return nil
}

func (s *Store) AllSettings(ctx context.Context) (map[string]models.Setting, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT key, value, value_type, updated_at FROM settings ORDER BY key ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("all settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Setting)
	for rows.Next() {
		var st models.Setting
		var updatedAt time.Time
		if err := rows.Scan(&st.Key, &st.Value, &st.ValueType, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		st.UpdatedAt = updatedAt
		out[st.Key] = st
	}
	return out, rows.Err()
}
