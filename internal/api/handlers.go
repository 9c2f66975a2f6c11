package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"iris-monitor/internal/fetcher"
	"iris-monitor/internal/monitor"
	"iris-monitor/internal/settings"
	"iris-monitor/internal/store"
)

const lookupCacheTTL = 5 * time.Minute

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// parseLimit reads ?limit=. Non-integer values are treated as omitted; range
// handling happens in the query facade.
func parseLimit(c *gin.Context) *int64 {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func (s *Server) getStatus(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	report, err := s.facade.Status(ctx)
	if err != nil {
		s.log.Error("status_query_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load status")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getSettings(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	values, err := s.settings.All(ctx)
	if err != nil {
		s.log.Error("settings_query_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": values})
}

// putSettings accepts a JSON object of key -> value and applies each update.
// All-or-nothing is not promised; each key is validated and written in order
// and the first rejection stops the batch.
func (s *Server) putSettings(c *gin.Context) {
	var updates map[string]json.RawMessage
	if err := c.ShouldBindJSON(&updates); err != nil {
		apiError(c, http.StatusBadRequest, "invalid_body", "body must be a JSON object of setting updates")
		return
	}
	if len(updates) == 0 {
		apiError(c, http.StatusBadRequest, "invalid_body", "no settings provided")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	applied := make([]string, 0, len(updates))
	restartRequired := false
	for _, def := range settings.Definitions() {
		raw, ok := updates[def.Key]
		if !ok {
			continue
		}
		value, err := rawToString(raw)
		if err != nil {
			apiError(c, http.StatusBadRequest, "invalid_value", fmt.Sprintf("%s: unsupported value", def.Key))
			return
		}
		if err := s.settings.Set(ctx, def.Key, value); err != nil {
			switch {
			case errors.Is(err, settings.ErrTypeMismatch):
				apiError(c, http.StatusBadRequest, "invalid_value", err.Error())
			case errors.Is(err, settings.ErrUnknownKey):
				apiError(c, http.StatusBadRequest, "unknown_key", err.Error())
			default:
				s.log.Error("settings_write_failed", "key", def.Key, "error", err)
				apiError(c, http.StatusInternalServerError, "internal_error", "failed to write setting")
			}
			return
		}
		applied = append(applied, def.Key)
		if def.RestartRequired {
			restartRequired = true
		}
		delete(updates, def.Key)
	}

	// whatever is left did not match a known key
	for key := range updates {
		apiError(c, http.StatusBadRequest, "unknown_key", fmt.Sprintf("unknown settings key %q", key))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"updated":          applied,
		"restart_required": restartRequired,
	})
}

func rawToString(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "true", nil
		}
		return "false", nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported value type")
}

func (s *Server) getWatchlist(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	entries, err := s.facade.Watchlist(ctx)
	if err != nil {
		s.log.Error("watchlist_query_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load watchlist")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": entries, "count": len(entries)})
}

func (s *Server) addToWatchlist(c *gin.Context) {
	var body struct {
		Handle string `json:"handle"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Handle) == "" {
		apiError(c, http.StatusBadRequest, "invalid_body", "body must contain a handle")
		return
	}

	handle, err := fetcher.NormalizeHandle(body.Handle)
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_handle", "handle is not a valid profile name")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	acct, err := s.store.AddAccount(ctx, handle)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateHandle) {
			apiError(c, http.StatusConflict, "already_tracked", "handle is already on the watchlist")
			return
		}
		s.log.Error("watchlist_add_failed", "handle", handle, "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to add account")
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) removeFromWatchlist(c *gin.Context) {
	handle, err := fetcher.NormalizeHandle(c.Param("handle"))
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_handle", "handle is not a valid profile name")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.store.DeactivateAccount(ctx, handle); err != nil {
		if errors.Is(err, store.ErrUnknownAccount) {
			apiError(c, http.StatusNotFound, "not_tracked", "handle is not on the watchlist")
			return
		}
		s.log.Error("watchlist_remove_failed", "handle", handle, "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to remove account")
		return
	}
	c.Status(http.StatusNoContent)
}

// checkNow runs an immediate check for one tracked account and returns the
// stored snapshot plus any detected changes.
func (s *Server) checkNow(c *gin.Context) {
	handle, err := fetcher.NormalizeHandle(c.Param("handle"))
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_handle", "handle is not a valid profile name")
		return
	}

	snap, events, err := s.scheduler.CheckAccount(c.Request.Context(), handle)
	if err != nil {
		if errors.Is(err, store.ErrUnknownAccount) {
			apiError(c, http.StatusNotFound, "not_tracked", "handle is not on the watchlist")
			return
		}
		if errors.Is(err, monitor.ErrBusy) {
			apiError(c, http.StatusConflict, "cycle_in_progress", "a check cycle is already in progress")
			return
		}
		reason, detail := fetcher.Classify(err)
		apiError(c, http.StatusBadGateway, "check_failed", fmt.Sprintf("%s: %s", reason, detail))
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "changes": events})
}

func (s *Server) getEvents(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	events, err := s.facade.Events(ctx, parseLimit(c))
	if err != nil {
		s.log.Error("events_query_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) getFailures(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	failures, err := s.facade.Failures(ctx, parseLimit(c))
	if err != nil {
		s.log.Error("failures_query_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load failures")
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

func (s *Server) getHistory(c *gin.Context) {
	handle, err := fetcher.NormalizeHandle(c.Param("handle"))
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_handle", "handle is not a valid profile name")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	snapshots, err := s.facade.History(ctx, handle, parseLimit(c))
	if err != nil {
		if errors.Is(err, store.ErrUnknownAccount) {
			apiError(c, http.StatusNotFound, "not_tracked", "handle has never been tracked")
			return
		}
		s.log.Error("history_query_failed", "handle", handle, "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle, "snapshots": snapshots, "count": len(snapshots)})
}

func (s *Server) startMonitor(c *gin.Context) {
	if err := s.scheduler.Start(); err != nil {
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			apiError(c, http.StatusConflict, "already_running", "monitor is already running")
			return
		}
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to start monitor")
		return
	}
	c.JSON(http.StatusOK, s.scheduler.Status())
}

func (s *Server) stopMonitor(c *gin.Context) {
	if err := s.scheduler.Stop(c.Request.Context()); err != nil {
		if errors.Is(err, monitor.ErrNotRunning) {
			apiError(c, http.StatusConflict, "not_running", "monitor is not running")
			return
		}
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to stop monitor")
		return
	}
	c.JSON(http.StatusOK, s.scheduler.Status())
}

func (s *Server) runMonitor(c *gin.Context) {
	summary, err := s.scheduler.RunOnce()
	if err != nil {
		if errors.Is(err, monitor.ErrBusy) {
			apiError(c, http.StatusConflict, "cycle_in_progress", "a check cycle is already in progress")
			return
		}
		s.log.Error("manual_cycle_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "check cycle failed")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// adminReset wipes accounts, snapshots, events and failures. Settings are
// kept. Refused while the monitor runs.
func (s *Server) adminReset(c *gin.Context) {
	if s.scheduler.Running() {
		apiError(c, http.StatusConflict, "monitor_running", "stop the monitor before resetting data")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.store.ClearMonitorData(ctx); err != nil {
		s.log.Error("admin_reset_failed", "error", err)
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to reset data")
		return
	}
	s.log.Info("monitor_data_reset", "client_ip", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// lookup fetches a profile live without touching the watchlist. Results are
// cached briefly in redis when available.
func (s *Server) lookup(c *gin.Context) {
	handle, err := fetcher.NormalizeHandle(c.Param("handle"))
	if err != nil {
		apiError(c, http.StatusBadRequest, "invalid_handle", "handle is not a valid profile name")
		return
	}

	ctx := c.Request.Context()
	cacheKey := "lookup:" + handle

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey); err == nil && cached != "" {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json", []byte(cached))
			return
		}
	}

	profile, err := s.fetcher.Fetch(ctx, handle)
	if err != nil {
		reason, detail := fetcher.Classify(err)
		status := http.StatusBadGateway
		switch reason {
		case "not_found":
			status = http.StatusNotFound
		case "rate_limited":
			status = http.StatusTooManyRequests
		}
		apiError(c, status, string(reason), detail)
		return
	}

	body, err := json.Marshal(profile)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal_error", "failed to encode profile")
		return
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, cacheKey, string(body), lookupCacheTTL); err != nil {
			s.log.Debug("lookup_cache_write_failed", "handle", handle, "error", err)
		}
	}
	c.Header("X-Cache", "MISS")
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbOK := s.store.Ping(ctx) == nil

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "ok"
		if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
			redisStatus = "down"
		}
	}

	body := gin.H{
		"db":      dbOK,
		"redis":   redisStatus,
		"monitor": s.scheduler.Status().State,
	}

	if s.redis != nil && redisStatus == "ok" {
		day := time.Now().UTC().Format("20060102")
		today := gin.H{}
		for _, name := range []string{"checks", "changes", "failures"} {
			if n, err := s.redis.GetInt(ctx, "iris:counters:"+name+":"+day); err == nil {
				today[name] = n
			}
		}
		body["today"] = today
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
