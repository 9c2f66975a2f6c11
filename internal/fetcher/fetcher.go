// Package fetcher is the profile-fetching collaborator boundary. The monitor
// scheduler only sees the ProfileFetcher interface and a categorized error;
// pacing, circuit breaking and upstream quirks stay behind it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"iris-monitor/internal/models"
)

// ProfileFetcher returns a structured profile snapshot for a handle, or a
// *FetchError carrying one of the failure categories from models.
type ProfileFetcher interface {
	Fetch(ctx context.Context, handle string) (*models.Profile, error)
}

// FetchError is a categorized fetch failure. The scheduler records it
// verbatim and moves on; it is never interpreted further.
type FetchError struct {
	Reason models.FailureReason
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed (%s): %s: %v", e.Reason, e.Detail, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Reason, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(reason models.FailureReason, detail string, err error) *FetchError {
	return &FetchError{Reason: reason, Detail: detail, Err: err}
}

// Classify maps any error from a Fetch call to a failure category and a
// human-readable detail for the failures table.
func Classify(err error) (models.FailureReason, string) {
	if err == nil {
		return models.FailureUnknown, ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason, fe.Detail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout, "fetch deadline exceeded"
	}
	if errors.Is(err, context.Canceled) {
		return models.FailureTimeout, "fetch canceled"
	}
	return models.FailureUnknown, err.Error()
}

var handlePattern = regexp.MustCompile(`^[a-z0-9._]{2,24}$`)

// ErrInvalidHandle rejects handles before any network traffic happens.
var ErrInvalidHandle = errors.New("invalid handle")

// NormalizeHandle lowercases and strips the leading @; handles are stored
// case-normalized so the watchlist unique constraint works.
func NormalizeHandle(handle string) (string, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !handlePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return normalized, nil
}
