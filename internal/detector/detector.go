// Package detector compares two consecutive snapshots of the same account
// and produces one change event per differing field. It is pure: no storage,
// no clock, no hidden state — replaying it over the stored snapshot sequence
// reproduces the stored event sequence exactly.
package detector

import (
	"fmt"
	"strconv"

	"iris-monitor/internal/models"
)

// numericFields and textFields fix the order events are emitted in when
// several fields change in the same check.
var numericFields = []struct {
	name string
	get  func(models.Snapshot) *int64
}{
	{"followers", func(s models.Snapshot) *int64 { return s.Followers }},
	{"following", func(s models.Snapshot) *int64 { return s.Following }},
	{"likes", func(s models.Snapshot) *int64 { return s.Likes }},
	{"videos", func(s models.Snapshot) *int64 { return s.Videos }},
}

var textFields = []struct {
	name string
	get  func(models.Snapshot) *string
}{
	{"bio", func(s models.Snapshot) *string { return s.Bio }},
	{"display_name", func(s models.Snapshot) *string { return s.DisplayName }},
}

// Diff returns the change events between the previous snapshot and the
// current one. A nil previous snapshot is the account's first observation
// and establishes the baseline: no events. Every observed difference is
// reported; there is no smoothing or thresholding.
func Diff(previous *models.Snapshot, current models.Snapshot) []models.ChangeEvent {
	if previous == nil {
		return nil
	}

	var events []models.ChangeEvent

	for _, f := range numericFields {
		oldVal, newVal := f.get(*previous), f.get(current)
		// a count missing on either side is not a change
		if oldVal == nil || newVal == nil || *oldVal == *newVal {
			continue
		}
		delta := *newVal - *oldVal
		events = append(events, models.ChangeEvent{
			AccountID:  current.AccountID,
			DetectedAt: current.CapturedAt,
			Field:      f.name,
			OldValue:   int64String(*oldVal),
			NewValue:   int64String(*newVal),
			Delta:      &delta,
			Message:    fmt.Sprintf("%s changed from %d to %d (%+d).", f.name, *oldVal, *newVal, delta),
		})
	}

	for _, f := range textFields {
		oldVal, newVal := f.get(*previous), f.get(current)
		if eqPtr(oldVal, newVal) {
			continue
		}
		events = append(events, models.ChangeEvent{
			AccountID:  current.AccountID,
			DetectedAt: current.CapturedAt,
			Field:      f.name,
			OldValue:   oldVal,
			NewValue:   newVal,
			Message:    fmt.Sprintf("%s changed.", f.name),
		})
	}

	if previous.Verified != current.Verified {
		events = append(events, models.ChangeEvent{
			AccountID:  current.AccountID,
			DetectedAt: current.CapturedAt,
			Field:      "verified",
			OldValue:   boolString(previous.Verified),
			NewValue:   boolString(current.Verified),
			Message:    fmt.Sprintf("verified changed from %t to %t.", previous.Verified, current.Verified),
		})
	}

	return events
}

func int64String(n int64) *string {
	s := strconv.FormatInt(n, 10)
	return &s
}

func boolString(b bool) *string {
	s := strconv.FormatBool(b)
	return &s
}

func eqPtr(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
