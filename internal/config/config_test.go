package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadBookingConfigDefaults(t *testing.T) {
	cfg := LoadBookingConfig()

	assert.Equal(t, 20*time.Minute, cfg.CancelAfter)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 3, cfg.WebhookLookupAttempts)
	assert.Equal(t, time.Second, cfg.WebhookLookupBackoff)
	assert.Equal(t, 5, cfg.ReserveAttempts)
	assert.Equal(t, 8*time.Hour, cfg.ReminderLead)
}

func TestLoadBookingConfigOverrides(t *testing.T) {
	t.Setenv("CANCEL_AFTER", "5m")
	t.Setenv("RESERVE_MAX_ATTEMPTS", "0")
	t.Setenv("SCHEDULER_CONCURRENCY", "not-a-number")

	cfg := LoadBookingConfig()

	assert.Equal(t, 5*time.Minute, cfg.CancelAfter)
	assert.Equal(t, 1, cfg.ReserveAttempts)
	assert.Equal(t, 8, cfg.SchedulerConcurrency)
}

func TestLoadBookingConfigRejectsNonPositiveDurations(t *testing.T) {
	t.Setenv("SCHEDULER_POLL_INTERVAL", "0s")
	t.Setenv("SCHEDULER_LEASE", "-1m")
	t.Setenv("CANCEL_AFTER", "0")
	t.Setenv("REMINDER_LEAD", "-8h")
	t.Setenv("WEBHOOK_LOOKUP_BACKOFF", "-1s")

	cfg := LoadBookingConfig()

	assert.Equal(t, 5*time.Second, cfg.SchedulerPollInterval)
	assert.Equal(t, 2*time.Minute, cfg.SchedulerLease)
	assert.Equal(t, 20*time.Minute, cfg.CancelAfter)
	assert.Equal(t, 8*time.Hour, cfg.ReminderLead)
	assert.Zero(t, cfg.WebhookLookupBackoff)
}

func TestLoadRateLimitConfigClampsTTL(t *testing.T) {
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	cfg := LoadRateLimitConfig()

	assert.Equal(t, 5*time.Minute, cfg.TTL)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "off")
	t.Setenv("X_SET", " get, head ,")

	assert.False(t, envBool("X_BOOL", true))
	assert.True(t, envBool("X_MISSING", true))
	assert.Equal(t, map[string]bool{"GET": true, "HEAD": true}, envSet("X_SET", ""))
}
