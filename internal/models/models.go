package models

import "time"

type WatchedAccount struct {
	ID            int64      `json:"id"`
	Handle        string     `json:"handle"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

// Snapshot is one captured profile state. Immutable once written.
type Snapshot struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"account_id"`
	CapturedAt    time.Time `json:"captured_at"`
	Followers     *int64    `json:"follower_count"`
	Following     *int64    `json:"following_count"`
	Likes         *int64    `json:"like_count"`
	Videos        *int64    `json:"video_count"`
	Bio           *string   `json:"bio_text,omitempty"`
	DisplayName   *string   `json:"display_name,omitempty"`
	Verified      bool      `json:"verified"`
	AvatarRef     *string   `json:"avatar_ref,omitempty"`
	RawPayloadRef *string   `json:"raw_payload_ref,omitempty"`
}

// ChangeEvent is a single-field difference between two consecutive snapshots
// of the same account. Numeric fields carry a delta; text/bool fields do not.
type ChangeEvent struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"account_id"`
	DetectedAt time.Time `json:"detected_at"`
	Field      string    `json:"field"`
	OldValue   *string   `json:"old_value,omitempty"`
	NewValue   *string   `json:"new_value,omitempty"`
	Delta      *int64    `json:"delta,omitempty"`
	Message    string    `json:"message"`
}

type FailureReason string

const (
	FailureNotFound     FailureReason = "not_found"
	FailureRateLimited  FailureReason = "rate_limited"
	FailureNetworkError FailureReason = "network_error"
	FailureParseError   FailureReason = "parse_error"
	FailureTimeout      FailureReason = "timeout"
	FailureUnknown      FailureReason = "unknown"
)

type Failure struct {
	ID         int64         `json:"id"`
	AccountID  int64         `json:"account_id"`
	OccurredAt time.Time     `json:"occurred_at"`
	Reason     FailureReason `json:"reason"`
	Detail     string        `json:"detail"`
}

// Profile is what the profile fetcher returns for a successful check.
// Counts are pointers: an upstream payload may omit any of them.
type Profile struct {
	Handle      string    `json:"handle"`
	DisplayName *string   `json:"display_name,omitempty"`
	Bio         *string   `json:"bio,omitempty"`
	Verified    bool      `json:"verified"`
	Followers   *int64    `json:"followers"`
	Following   *int64    `json:"following"`
	Likes       *int64    `json:"likes"`
	Videos      *int64    `json:"videos"`
	AvatarRef   *string   `json:"avatar_ref,omitempty"`
	ProfileURL  string    `json:"profile_url"`
	FetchedAt   time.Time `json:"fetched_at"`

	RecentVideos []RecentVideo `json:"recent_videos,omitempty"`

	// raw extracted payload, kept for the archive; never persisted inline
	RawPayload []byte `json:"-"`
}

type RecentVideo struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	PlayCount    *int64 `json:"play_count,omitempty"`
	DiggCount    *int64 `json:"digg_count,omitempty"`
	CommentCount *int64 `json:"comment_count,omitempty"`
	ShareCount   *int64 `json:"share_count,omitempty"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ValueType string    `json:"value_type"`
	UpdatedAt time.Time `json:"updated_at"`
}
