package settings

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris-monitor/internal/models"
)

type memBackend struct {
	values map[string]models.Setting
}

func newMemBackend() *memBackend {
	return &memBackend{values: make(map[string]models.Setting)}
}

func (m *memBackend) GetSetting(_ context.Context, key string) (string, bool, error) {
	s, ok := m.values[key]
	return s.Value, ok, nil
}

func (m *memBackend) SetSetting(_ context.Context, key, value, valueType string) error {
	m.values[key] = models.Setting{Key: key, Value: value, ValueType: valueType, UpdatedAt: time.Now()}
	return nil
}

func (m *memBackend) AllSettings(_ context.Context) (map[string]models.Setting, error) {
	out := make(map[string]models.Setting, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func newTestService() (*Service, *memBackend) {
	backend := newMemBackend()
	log := slog.New(slog.DiscardHandler)
	return NewService(log, backend), backend
}

func TestIntFallsBackToDefaultWhenUnset(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)

	n, err = svc.Int(ctx, KeyAPIMaxLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
}

func TestIntFallsBackToDefaultOnGarbageValue(t *testing.T) {
	svc, backend := newTestService()
	ctx := context.Background()

	backend.values[KeyMonitorIntervalSeconds] = models.Setting{Key: KeyMonitorIntervalSeconds, Value: "not a number"}

	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)
}

func TestSetAndReadBack(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, KeyMonitorIntervalSeconds, "300"))

	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(300), n)

	iv, err := svc.Interval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, iv)
}

func TestSetRejectsUnknownKey(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Set(context.Background(), "no_such_key", "1")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSetRejectsOutOfRange(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	err := svc.Set(ctx, KeyMonitorIntervalSeconds, "5")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	err = svc.Set(ctx, KeyMonitorIntervalSeconds, "100000")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// value unchanged
	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)
}

func TestSetRejectsWrongType(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	assert.ErrorIs(t, svc.Set(ctx, KeyMonitorIntervalSeconds, "yes"), ErrTypeMismatch)
	assert.ErrorIs(t, svc.Set(ctx, KeyDebugMode, "42"), ErrTypeMismatch)
}

func TestSetBoolAcceptsCommonSpellings(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for _, raw := range []string{"1", "true", "YES", "on"} {
		require.NoError(t, svc.Set(ctx, KeyDebugMode, raw))
		v, err := svc.Bool(ctx, KeyDebugMode)
		require.NoError(t, err)
		assert.True(t, v, "raw %q", raw)
	}
	for _, raw := range []string{"0", "false", "No", "off"} {
		require.NoError(t, svc.Set(ctx, KeyDebugMode, raw))
		v, err := svc.Bool(ctx, KeyDebugMode)
		require.NoError(t, err)
		assert.False(t, v, "raw %q", raw)
	}
}

func TestCrossKeyGuardDefaultCannotExceedMax(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// api_max_limit defaults to 500
	err := svc.Set(ctx, KeyAPIDefaultLimit, "600")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	require.NoError(t, svc.Set(ctx, KeyAPIDefaultLimit, "400"))

	// lowering max below an existing default is also rejected
	err = svc.Set(ctx, KeyAPIMaxLimit, "300")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	require.NoError(t, svc.Set(ctx, KeyAPIMaxLimit, "450"))
}

func TestAllReturnsEveryKeyInDeclarationOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	values, err := svc.All(ctx)
	require.NoError(t, err)
	require.Len(t, values, len(Definitions()))

	for i, def := range Definitions() {
		assert.Equal(t, def.Key, values[i].Key)
	}
}

func TestSeedWritesDefaultsAndHonorsOverrides(t *testing.T) {
	svc, backend := newTestService()
	ctx := context.Background()

	overrides := map[string]string{
		KeyMonitorIntervalSeconds: "120",
		KeyAutoStartMonitor:       "0",
	}
	require.NoError(t, svc.Seed(ctx, overrides))

	assert.Len(t, backend.values, len(Definitions()))
	assert.Equal(t, "120", backend.values[KeyMonitorIntervalSeconds].Value)
	assert.Equal(t, "0", backend.values[KeyAutoStartMonitor].Value)
	assert.Equal(t, "500", backend.values[KeyAPIMaxLimit].Value)

	// seeding again must not overwrite stored values
	require.NoError(t, svc.Set(ctx, KeyMonitorIntervalSeconds, "600"))
	require.NoError(t, svc.Seed(ctx, overrides))
	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(600), n)
}

func TestSeedIgnoresInvalidOverride(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx, map[string]string{KeyMonitorIntervalSeconds: "nope"}))

	n, err := svc.Int(ctx, KeyMonitorIntervalSeconds)
	require.NoError(t, err)
	assert.Equal(t, int64(900), n)
}
