// Package settings is the mutable runtime configuration of the monitor: a
// closed set of known keys with typed values, durable in the settings table
// and re-read at point of use so changes apply without a restart (except the
// keys marked restart-required).
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"iris-monitor/internal/models"
)

var (
	ErrUnknownKey   = errors.New("unknown settings key")
	ErrTypeMismatch = errors.New("settings value has wrong type or range")
)

type ValueType string

const (
	TypeInt  ValueType = "int"
	TypeBool ValueType = "bool"
)

// Definition describes one known key. Min/Max only apply to int keys.
type Definition struct {
	Key             string
	Label           string
	Description     string
	Type            ValueType
	DefaultInt      int64
	DefaultBool     bool
	Min, Max        int64
	RestartRequired bool
}

const (
	KeyAppPort                = "app_port"
	KeyDebugMode              = "debug_mode"
	KeyMonitorIntervalSeconds = "monitor_interval_seconds"
	KeyAutoStartMonitor       = "auto_start_monitor"
	KeyDashboardEventsLimit   = "dashboard_events_limit"
	KeyDashboardFailuresLimit = "dashboard_failures_limit"
	KeyAPIDefaultLimit        = "api_default_limit"
	KeyAPIMaxLimit            = "api_max_limit"
	KeyHistoryDefaultLimit    = "history_default_limit"
)

// definitions is the closed key set. Writes to anything else are rejected.
var definitions = []Definition{
	{Key: KeyAppPort, Label: "Web port", Type: TypeInt, DefaultInt: 8000, Min: 1, Max: 65535, RestartRequired: true,
		Description: "Port used by the HTTP server on next restart."},
	{Key: KeyDebugMode, Label: "Debug mode", Type: TypeBool, DefaultBool: true, RestartRequired: true,
		Description: "Enable debug logging and gin debug mode on next restart."},
	{Key: KeyMonitorIntervalSeconds, Label: "Monitor interval (seconds)", Type: TypeInt, DefaultInt: 900, Min: 30, Max: 86400,
		Description: "Time between periodic monitor cycles; applies from the next cycle."},
	{Key: KeyAutoStartMonitor, Label: "Auto-start monitor", Type: TypeBool, DefaultBool: true, RestartRequired: true,
		Description: "Start the monitor automatically when the process boots."},
	{Key: KeyDashboardEventsLimit, Label: "Dashboard events limit", Type: TypeInt, DefaultInt: 30, Min: 1, Max: 500,
		Description: "How many change events dashboard-style clients request."},
	{Key: KeyDashboardFailuresLimit, Label: "Dashboard failures limit", Type: TypeInt, DefaultInt: 20, Min: 1, Max: 500,
		Description: "How many failures dashboard-style clients request."},
	{Key: KeyAPIDefaultLimit, Label: "API default limit", Type: TypeInt, DefaultInt: 100, Min: 1, Max: 2000,
		Description: "Default list limit when the query param is omitted."},
	{Key: KeyAPIMaxLimit, Label: "API max limit", Type: TypeInt, DefaultInt: 500, Min: 1, Max: 5000,
		Description: "Maximum allowed list limit; larger requests are clamped."},
	{Key: KeyHistoryDefaultLimit, Label: "History default limit", Type: TypeInt, DefaultInt: 100, Min: 1, Max: 2000,
		Description: "Default number of snapshots returned for account history."},
}

var definitionsByKey = func() map[string]Definition {
	m := make(map[string]Definition, len(definitions))
	for _, d := range definitions {
		m[d.Key] = d
	}
	return m
}()

// Backend is the slice of the persistence layer the service needs.
type Backend interface {
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, key, value, valueType string) error
	AllSettings(ctx context.Context) (map[string]models.Setting, error)
}

type Service struct {
	log     *slog.Logger
	backend Backend
}

func NewService(log *slog.Logger, backend Backend) *Service {
	return &Service{log: log, backend: backend}
}

func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Int returns the current value of an int key, falling back to the
// documented default when unset or unreadable.
func (s *Service) Int(ctx context.Context, key string) (int64, error) {
	def, ok := definitionsByKey[key]
	if !ok || def.Type != TypeInt {
		return 0, ErrUnknownKey
	}

	raw, found, err := s.backend.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return def.DefaultInt, nil
	}
	n, perr := ParseInt(def, raw)
	if perr != nil {
		s.log.Warn("setting_value_invalid", "key", key, "value", raw)
		return def.DefaultInt, nil
	}
	return n, nil
}

func (s *Service) Bool(ctx context.Context, key string) (bool, error) {
	def, ok := definitionsByKey[key]
	if !ok || def.Type != TypeBool {
		return false, ErrUnknownKey
	}

	raw, found, err := s.backend.GetSetting(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return def.DefaultBool, nil
	}
	return parseBool(raw, def.DefaultBool), nil
}

// Interval is the monitor cycle interval, read fresh so interval changes
// apply to the next cycle without restart.
func (s *Service) Interval(ctx context.Context) (time.Duration, error) {
	secs, err := s.Int(ctx, KeyMonitorIntervalSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Set validates and durably writes one setting. Unknown keys and values that
// fail the key's type or range are rejected; nothing is clamped here.
func (s *Service) Set(ctx context.Context, key string, raw string) error {
	def, ok := definitionsByKey[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	switch def.Type {
	case TypeInt:
		n, err := ParseInt(def, raw)
		if err != nil {
			return err
		}
		if err := s.checkCrossKeyGuards(ctx, key, n); err != nil {
			return err
		}
		return s.backend.SetSetting(ctx, key, strconv.FormatInt(n, 10), string(TypeInt))
	case TypeBool:
		v, err := parseBoolStrict(raw)
		if err != nil {
			return fmt.Errorf("%w: %s must be a boolean", ErrTypeMismatch, def.Label)
		}
		return s.backend.SetSetting(ctx, key, serializeBool(v), string(TypeBool))
	}
	return fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// checkCrossKeyGuards keeps default limits below the configured maximum.
func (s *Service) checkCrossKeyGuards(ctx context.Context, key string, value int64) error {
	switch key {
	case KeyAPIDefaultLimit, KeyHistoryDefaultLimit:
		max, err := s.Int(ctx, KeyAPIMaxLimit)
		if err != nil {
			return err
		}
		if value > max {
			return fmt.Errorf("%w: %s cannot exceed api_max_limit (%d)", ErrTypeMismatch, key, max)
		}
	case KeyAPIMaxLimit:
		for _, depKey := range []string{KeyAPIDefaultLimit, KeyHistoryDefaultLimit} {
			dep, err := s.Int(ctx, depKey)
			if err != nil {
				return err
			}
			if dep > value {
				return fmt.Errorf("%w: api_max_limit cannot be below %s (%d)", ErrTypeMismatch, depKey, dep)
			}
		}
	}
	return nil
}

// Value is one key's current state as exposed by the settings API.
type Value struct {
	Key             string `json:"key"`
	Label           string `json:"label"`
	Description     string `json:"description"`
	Type            string `json:"type"`
	Value           any    `json:"value"`
	Min             *int64 `json:"min,omitempty"`
	Max             *int64 `json:"max,omitempty"`
	RestartRequired bool   `json:"restart_required"`
}

// All returns every known key with its effective value, in declaration order.
func (s *Service) All(ctx context.Context) ([]Value, error) {
	stored, err := s.backend.AllSettings(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Value, 0, len(definitions))
	for _, def := range definitions {
		v := Value{
			Key:             def.Key,
			Label:           def.Label,
			Description:     def.Description,
			Type:            string(def.Type),
			RestartRequired: def.RestartRequired,
		}
		if def.Type == TypeInt {
			min, max := def.Min, def.Max
			v.Min, v.Max = &min, &max
		}

		raw, found := stored[def.Key]
		switch def.Type {
		case TypeInt:
			v.Value = def.DefaultInt
			if found {
				if n, perr := ParseInt(def, raw.Value); perr == nil {
					v.Value = n
				}
			}
		case TypeBool:
			v.Value = def.DefaultBool
			if found {
				v.Value = parseBool(raw.Value, def.DefaultBool)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// Map returns key -> effective value, the shape embedded in status responses.
func (s *Service) Map(ctx context.Context) (map[string]any, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(all))
	for _, v := range all {
		m[v.Key] = v.Value
	}
	return m, nil
}

// Seed persists defaults for unset keys so the settings table is complete
// after first boot. Process-start env values override built-in defaults for
// the keys the config surface covers.
func (s *Service) Seed(ctx context.Context, overrides map[string]string) error {
	for _, def := range definitions {
		_, found, err := s.backend.GetSetting(ctx, def.Key)
		if err != nil {
			return err
		}
		if found {
			continue
		}

		value := defaultString(def)
		if ov, ok := overrides[def.Key]; ok {
			if _, err := ParseValue(def, ov); err == nil {
				value = ov
			}
		}
		if err := s.backend.SetSetting(ctx, def.Key, value, string(def.Type)); err != nil {
			return err
		}
	}
	return nil
}

func defaultString(def Definition) string {
	if def.Type == TypeBool {
		return serializeBool(def.DefaultBool)
	}
	return strconv.FormatInt(def.DefaultInt, 10)
}

// ParseInt parses and range-checks an int value against its definition.
func ParseInt(def Definition, raw string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a valid integer", ErrTypeMismatch, def.Label)
	}
	if n < def.Min || n > def.Max {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrTypeMismatch, def.Label, def.Min, def.Max)
	}
	return n, nil
}

// ParseValue validates a raw value against a definition without writing it.
func ParseValue(def Definition, raw string) (string, error) {
	switch def.Type {
	case TypeInt:
		n, err := ParseInt(def, raw)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case TypeBool:
		v, err := parseBoolStrict(raw)
		if err != nil {
			return "", err
		}
		return serializeBool(v), nil
	}
	return "", ErrUnknownKey
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func parseBoolStrict(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}

func serializeBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
