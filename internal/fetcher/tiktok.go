package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"iris-monitor/internal/models"
)

const (
	maxPageBytes = 8 << 20 // profile pages are ~1-2MB; anything bigger is suspect
	browserUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// payloadScriptIDs are tried in order; TikTok has shipped all three over time.
var payloadScriptIDs = []string{
	"__UNIVERSAL_DATA_FOR_REHYDRATION__",
	"SIGI_STATE",
	"__NEXT_DATA__",
}

var scriptPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(payloadScriptIDs))
	for _, id := range payloadScriptIDs {
		out = append(out, regexp.MustCompile(`(?s)<script[^>]+id="`+regexp.QuoteMeta(id)+`"[^>]*>(.*?)</script>`))
	}
	return out
}()

// TikTokFetcher fetches public TikTok profile pages and extracts the embedded
// hydration payload. Outbound requests are paced with a token bucket and
// wrapped in a circuit breaker; when the breaker is open the failure is
// reported as rate_limited.
type TikTokFetcher struct {
	log     *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type Options struct {
	Timeout        time.Duration // per-request bound; 30s when zero
	RequestsPerSec float64       // outbound pacing; 1 rps when zero
	Burst          int
}

func NewTikTokFetcher(log *slog.Logger, opts Options) *TikTokFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tiktok-profile",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("fetcher_breaker_state_changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &TikTokFetcher{
		log:     log,
		client:  newHTTPClient(opts.Timeout),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		breaker: breaker,
	}
}

func (f *TikTokFetcher) Fetch(ctx context.Context, handle string) (*models.Profile, error) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return nil, newFetchError(models.FailureParseError, "invalid handle", err)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, newFetchError(models.FailureTimeout, "gave up waiting for fetch slot", err)
	}

	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetchPage(ctx, normalized)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, newFetchError(models.FailureRateLimited, "fetcher circuit open", err)
		}
		return nil, err
	}

	profile, err := extractProfile(normalized, res.([]byte))
	if err != nil {
		return nil, err
	}
	profile.FetchedAt = time.Now().UTC().Truncate(time.Second)
	return profile, nil
}

func (f *TikTokFetcher) fetchPage(ctx context.Context, handle string) ([]byte, error) {
	url := "https://www.tiktok.com/@" + handle

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newFetchError(models.FailureUnknown, "build request", err)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newFetchError(models.FailureTimeout, "request deadline exceeded", err)
		}
		return nil, newFetchError(models.FailureNetworkError, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, newFetchError(models.FailureNotFound, "profile page returned 404", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newFetchError(models.FailureRateLimited, "profile page returned 429", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, newFetchError(models.FailureNetworkError, fmt.Sprintf("profile page returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, newFetchError(models.FailureNetworkError, "read body", err)
	}
	return body, nil
}

// extractProfile pulls the embedded JSON payload out of the page and walks it
// for the account's user/stats objects.
func extractProfile(handle string, page []byte) (*models.Profile, error) {
	payload, raw, err := extractPayload(page)
	if err != nil {
		return nil, err
	}

	user, stats, found := findUserAndStats(payload, handle)
	if !found {
		return nil, newFetchError(models.FailureParseError, "account details not present in payload", nil)
	}

	profile := &models.Profile{
		Handle:       handle,
		DisplayName:  stringField(user, "nickname"),
		Bio:          stringField(user, "signature"),
		Verified:     boolField(user, "verified"),
		Followers:    intField(stats, "followerCount"),
		Following:    intField(stats, "followingCount"),
		Likes:        intField(stats, "heartCount"),
		Videos:       intField(stats, "videoCount"),
		AvatarRef:    stringField(user, "avatarLarger"),
		ProfileURL:   "https://www.tiktok.com/@" + handle,
		RecentVideos: extractRecentVideos(payload, 8),
		RawPayload:   raw,
	}
	if uid := stringField(user, "uniqueId"); uid != nil && *uid != "" {
		profile.Handle = *uid
	}
	return profile, nil
}

func extractPayload(page []byte) (map[string]any, []byte, error) {
	for _, pat := range scriptPatterns {
		m := pat.FindSubmatch(page)
		if m == nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(m[1], &payload); err != nil {
			continue
		}
		return payload, m[1], nil
	}
	return nil, nil, newFetchError(models.FailureParseError, "no hydration payload found in page", nil)
}

// findUserAndStats walks the payload tree for the first object that looks
// like {userInfo: {user, stats}} or a sibling {user, stats} pair.
func findUserAndStats(node any, handle string) (user, stats map[string]any, found bool) {
	switch v := node.(type) {
	case map[string]any:
		if ui, ok := v["userInfo"].(map[string]any); ok {
			u, _ := ui["user"].(map[string]any)
			st, _ := ui["stats"].(map[string]any)
			if u != nil && stringField(u, "uniqueId") != nil {
				if st == nil {
					st = map[string]any{}
				}
				return u, st, true
			}
		}
		u, uok := v["user"].(map[string]any)
		st, sok := v["stats"].(map[string]any)
		if uok && sok && stringField(u, "uniqueId") != nil {
			return u, st, true
		}
		for _, child := range v {
			if cu, cs, ok := findUserAndStats(child, handle); ok {
				return cu, cs, true
			}
		}
	case []any:
		for _, child := range v {
			if cu, cs, ok := findUserAndStats(child, handle); ok {
				return cu, cs, true
			}
		}
	}
	return nil, nil, false
}

func extractRecentVideos(node any, limit int) []models.RecentVideo {
	items := findItemModule(node)
	if items == nil {
		return nil
	}

	videos := make([]models.RecentVideo, 0, limit)
	for _, item := range items {
		im, ok := item.(map[string]any)
		if !ok {
			continue
		}
		st, _ := im["stats"].(map[string]any)
		video := models.RecentVideo{
			Description: stringOrEmpty(im, "desc"),
		}
		if id := stringField(im, "id"); id != nil {
			video.ID = *id
		}
		if st != nil {
			video.PlayCount = intField(st, "playCount")
			video.DiggCount = intField(st, "diggCount")
			video.CommentCount = intField(st, "commentCount")
			video.ShareCount = intField(st, "shareCount")
		}
		videos = append(videos, video)
		if len(videos) >= limit {
			break
		}
	}
	if len(videos) == 0 {
		return nil
	}
	return videos
}

func findItemModule(node any) map[string]any {
	switch v := node.(type) {
	case map[string]any:
		// SIGI_STATE ships "ItemModule", older payloads "itemModule"
		for _, key := range []string{"ItemModule", "itemModule"} {
			if im, ok := v[key].(map[string]any); ok && len(im) > 0 {
				return im
			}
		}
		for _, child := range v {
			if found := findItemModule(child); found != nil {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := findItemModule(child); found != nil {
				return found
			}
		}
	}
	return nil
}

func stringField(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	if s, ok := m[key].(string); ok {
		return &s
	}
	return nil
}

func stringOrEmpty(m map[string]any, key string) string {
	if s := stringField(m, key); s != nil {
		return *s
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]any, key string) *int64 {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case float64:
		n := int64(v)
		return &n
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return &n
		}
	}
	return nil
}
