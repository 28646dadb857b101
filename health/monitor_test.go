package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeroclaw/zeroclaw/store"
)

func newTestMonitor(t *testing.T, opts ...Option) (*Monitor, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	m := NewMonitor(s, 30*time.Minute, 5, opts...)
	return m, s
}

func TestAuthFailureParksExecutor(t *testing.T) {
	m, _ := newTestMonitor(t)

	require.NoError(t, m.RecordFailure(FailureAuth))

	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthAuthFailed, state)

	ok, err := m.Available()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimitOnlyDegradesWorkingExecutor(t *testing.T) {
	m, _ := newTestMonitor(t)

	require.NoError(t, m.RecordFailure(FailureRateLimit))
	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthDegraded, state)

	// DEGRADED is still invokable.
	ok, err := m.Available()
	require.NoError(t, err)
	require.True(t, ok)

	// A parked state is not overwritten by a later rate limit.
	require.NoError(t, m.RecordFailure(FailureAuth))
	require.NoError(t, m.RecordFailure(FailureRateLimit))
	state, err = m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthAuthFailed, state)
}

func TestConsecutiveErrorsBecomeUnavailable(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.RecordFailure(FailureError))
	}
	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, state)

	require.NoError(t, m.RecordFailure(FailureTimeout))
	state, err = m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthUnavailable, state)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, s := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.RecordFailure(FailureError))
	}
	require.NoError(t, m.RecordSuccess())

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, h.State)
	require.Equal(t, 0, h.ConsecutiveFailures)
	require.Equal(t, 5, h.DailyInvocations)

	// The consecutive window starts over after a success.
	require.NoError(t, m.RecordFailure(FailureError))
	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, state)
}

func TestDailyLimitRecoversAtResetTime(t *testing.T) {
	now := store.UTCNow()
	m, s := newTestMonitor(t, WithClock(func() time.Time { return now }))

	require.NoError(t, m.RecordFailure(FailureDaily))
	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthDailyLimitHit, state)

	// Pull the reset marker into the past.
	_, err = s.DB().Exec(`UPDATE claude_health SET daily_reset_at=? WHERE id=1`,
		store.FormatTime(now.Add(-time.Minute)))
	require.NoError(t, err)

	state, err = m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, state)

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, 0, h.DailyInvocations)
	require.NotNil(t, h.DailyResetAt)
	require.Equal(t, store.FormatTime(store.NextMidnightUTC(now)), *h.DailyResetAt)
}

func TestUnavailableRecoversAfterCooldown(t *testing.T) {
	now := store.UTCNow()
	m, _ := newTestMonitor(t, WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		require.NoError(t, m.RecordFailure(FailureError))
	}
	state, err := m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthUnavailable, state)

	now = now.Add(29 * time.Minute)
	state, err = m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthUnavailable, state)

	now = now.Add(2 * time.Minute)
	state, err = m.State()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, state)
}

func TestManualReset(t *testing.T) {
	m, s := newTestMonitor(t)

	require.NoError(t, m.RecordFailure(FailureAuth))
	require.NoError(t, m.ManualReset())

	h, err := s.GetHealth()
	require.NoError(t, err)
	require.Equal(t, store.HealthHealthy, h.State)
	require.Equal(t, 0, h.ConsecutiveFailures)
	require.Nil(t, h.LastFailureType)
}

func TestFullStatus(t *testing.T) {
	m, _ := newTestMonitor(t)

	require.NoError(t, m.RecordSuccess())
	require.NoError(t, m.RecordFailure(FailureRateLimit))

	st, err := m.FullStatus()
	require.NoError(t, err)
	require.Equal(t, store.HealthDegraded, st.State)
	require.True(t, st.Available)
	require.Equal(t, 2, st.DailyInvocations)
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.NotNil(t, st.LastFailureType)
	require.Equal(t, FailureRateLimit, *st.LastFailureType)
}
