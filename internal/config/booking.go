package config

import "time"

// BookingConfig carries the timing and retry knobs of the booking lifecycle.
type BookingConfig struct {
	CancelAfter     time.Duration // unpaid bookings are cancelled this long after creation
	SessionTTL      time.Duration // lifetime of a hosted checkout session
	ReserveAttempts int           // optimistic-write attempts before reporting contention

	WebhookLookupAttempts int           // reads of a not-yet-visible booking before falling back
	WebhookLookupBackoff  time.Duration // pause between those reads

	SchedulerPollInterval  time.Duration
	SchedulerBatchSize     int
	SchedulerLease         time.Duration // a claimed task re-fires after this if its worker died
	SchedulerConcurrency   int
	SchedulerAlertAttempts int // attempts after which a stuck task is logged at error level

	ReminderLead time.Duration // paid holders are reminded this long before the show
}

// LoadBookingConfig reads the booking lifecycle settings. Defaults: unpaid
// bookings are cancelled after 20 minutes and checkout sessions expire
// after 30. Reminders go out 8 hours before the show.
func LoadBookingConfig() BookingConfig {
	cfg := BookingConfig{
		CancelAfter:     envPosDur("CANCEL_AFTER", 20*time.Minute),
		SessionTTL:      envPosDur("PAYMENT_SESSION_TTL", 30*time.Minute),
		ReserveAttempts: envInt("RESERVE_MAX_ATTEMPTS", 5),

		WebhookLookupAttempts: envInt("WEBHOOK_LOOKUP_ATTEMPTS", 3),
		WebhookLookupBackoff:  envDur("WEBHOOK_LOOKUP_BACKOFF", time.Second),

		SchedulerPollInterval:  envPosDur("SCHEDULER_POLL_INTERVAL", 5*time.Second),
		SchedulerBatchSize:     envInt("SCHEDULER_BATCH_SIZE", 100),
		SchedulerLease:         envPosDur("SCHEDULER_LEASE", 2*time.Minute),
		SchedulerConcurrency:   envInt("SCHEDULER_CONCURRENCY", 8),
		SchedulerAlertAttempts: envInt("SCHEDULER_ALERT_ATTEMPTS", 5),

		ReminderLead: envPosDur("REMINDER_LEAD", 8*time.Hour),
	}
	if cfg.WebhookLookupBackoff < 0 {
		cfg.WebhookLookupBackoff = 0
	}
	if cfg.ReserveAttempts < 1 {
		cfg.ReserveAttempts = 1
	}
	if cfg.WebhookLookupAttempts < 1 {
		cfg.WebhookLookupAttempts = 1
	}
	if cfg.SchedulerBatchSize < 1 {
		cfg.SchedulerBatchSize = 1
	}
	if cfg.SchedulerConcurrency < 1 {
		cfg.SchedulerConcurrency = 1
	}
	return cfg
}
