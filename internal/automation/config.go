package automation

import "time"

// Defaults for Config.
const (
	DefaultWorkers           = 4
	DefaultPollInterval      = time.Second
	DefaultMaxAttempts       = 5
	DefaultRetryBase         = 30 * time.Second
	DefaultRetryMax          = time.Hour
	DefaultStaleClaimAfter   = 5 * time.Minute
	DefaultRecoveryInterval  = time.Minute
	DefaultRetentionDays     = 90
	DefaultRetentionSchedule = "0 3 * * *"
)

// Config tunes the scheduler and the background sweeps.
type Config struct {
	Workers      int
	PollInterval time.Duration

	// MaxAttempts is how many times a step may run before its flow is
	// stopped with a retry budget failure.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration

	// StaleClaimAfter is how long an item may stay claimed before recovery
	// hands it to another worker.
	StaleClaimAfter  time.Duration
	RecoveryInterval time.Duration

	// RetentionDays <= 0 disables retention.
	RetentionDays     int
	RetentionSchedule string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RetentionDays: DefaultRetentionDays}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = DefaultStaleClaimAfter
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	return c
}
