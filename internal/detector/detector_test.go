package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris-monitor/internal/models"
)

func i64(n int64) *int64   { return &n }
func str(s string) *string { return &s }

func snapshot(followers, following, likes, videos int64) models.Snapshot {
	return models.Snapshot{
		AccountID:  7,
		CapturedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Followers:  i64(followers),
		Following:  i64(following),
		Likes:      i64(likes),
		Videos:     i64(videos),
		Bio:        str("hello"),
	}
}

func TestDiffFirstObservationProducesNoEvents(t *testing.T) {
	current := snapshot(100, 50, 1000, 10)
	assert.Empty(t, Diff(nil, current))
}

func TestDiffIdenticalSnapshotsProduceNoEvents(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	current := snapshot(100, 50, 1000, 10)
	assert.Empty(t, Diff(&prev, current))
}

func TestDiffFollowerGain(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	current := snapshot(120, 50, 1000, 10)

	events := Diff(&prev, current)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "followers", ev.Field)
	assert.Equal(t, "100", *ev.OldValue)
	assert.Equal(t, "120", *ev.NewValue)
	require.NotNil(t, ev.Delta)
	assert.Equal(t, int64(20), *ev.Delta)
	assert.Equal(t, "followers changed from 100 to 120 (+20).", ev.Message)
	assert.Equal(t, current.AccountID, ev.AccountID)
	assert.Equal(t, current.CapturedAt, ev.DetectedAt)
}

func TestDiffFollowerLossHasNegativeDelta(t *testing.T) {
	prev := snapshot(120, 50, 1000, 10)
	current := snapshot(100, 50, 1000, 10)

	events := Diff(&prev, current)
	require.Len(t, events, 1)
	assert.Equal(t, int64(-20), *events[0].Delta)
	assert.Equal(t, "followers changed from 120 to 100 (-20).", events[0].Message)
}

func TestDiffMultipleFieldsKeepFixedOrder(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	prev.DisplayName = str("old name")
	prev.Verified = false

	current := snapshot(120, 55, 1000, 11)
	current.Bio = str("new bio")
	current.DisplayName = str("new name")
	current.Verified = true

	events := Diff(&prev, current)
	require.Len(t, events, 6)

	fields := make([]string, 0, len(events))
	for _, ev := range events {
		fields = append(fields, ev.Field)
	}
	assert.Equal(t, []string{"followers", "following", "videos", "bio", "display_name", "verified"}, fields)
}

func TestDiffIsDeterministic(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	current := snapshot(90, 60, 2000, 12)
	current.Bio = str("rewritten")

	first := Diff(&prev, current)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Diff(&prev, current))
	}
}

func TestDiffMissingCountIsNotAChange(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	current := snapshot(100, 50, 1000, 10)
	current.Followers = nil

	assert.Empty(t, Diff(&prev, current))

	// and the other direction
	prev.Likes = nil
	current.Likes = i64(9999)
	assert.Empty(t, Diff(&prev, current))
}

func TestDiffTextFieldNilToValue(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	prev.Bio = nil
	current := snapshot(100, 50, 1000, 10)

	events := Diff(&prev, current)
	require.Len(t, events, 1)
	assert.Equal(t, "bio", events[0].Field)
	assert.Nil(t, events[0].OldValue)
	assert.Equal(t, "hello", *events[0].NewValue)
	assert.Nil(t, events[0].Delta)
	assert.Equal(t, "bio changed.", events[0].Message)
}

func TestDiffVerifiedFlip(t *testing.T) {
	prev := snapshot(100, 50, 1000, 10)
	current := snapshot(100, 50, 1000, 10)
	current.Verified = true

	events := Diff(&prev, current)
	require.Len(t, events, 1)
	assert.Equal(t, "verified", events[0].Field)
	assert.Equal(t, "false", *events[0].OldValue)
	assert.Equal(t, "true", *events[0].NewValue)
	assert.Equal(t, "verified changed from false to true.", events[0].Message)
}
