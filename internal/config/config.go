package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents <data_dir>/config.toml.
type Config struct {
	Log       Log       `toml:"log"`
	Store     Store     `toml:"store"`
	Session   Session   `toml:"session"`
	Reconnect Reconnect `toml:"reconnect"`
	Health    Health    `toml:"health"`
	Dedup     Dedup     `toml:"dedup"`
	Cache     Cache     `toml:"cache"`
	RateLimit RateLimit `toml:"ratelimit"`
	Processor Processor `toml:"processor"`
}

type Log struct {
	Level string `toml:"level"`
}

// Store selects where whatsmeow keeps device credentials. An empty address
// means <data_dir>/session.db.
type Store struct {
	CredentialDialect string `toml:"credential_dialect"`
	CredentialAddress string `toml:"credential_address"`
}

type Session struct {
	ReadyTimeout       time.Duration `toml:"ready_timeout"`
	DeletionGuard      time.Duration `toml:"deletion_guard"`
	QRTimeout          time.Duration `toml:"qr_timeout"`
	ReadyFallback      time.Duration `toml:"ready_fallback"`
	AutoMarkRead       bool          `toml:"auto_mark_read"`
	RestoreConcurrency int           `toml:"restore_concurrency"`
}

type Reconnect struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       float64       `toml:"jitter"`
	MaxFailures  int           `toml:"max_failures"`
	Cooldown     time.Duration `toml:"cooldown"`
}

type Health struct {
	CheckInterval       time.Duration `toml:"check_interval"`
	DegradedAfter       time.Duration `toml:"degraded_after"`
	UnhealthyAfter      time.Duration `toml:"unhealthy_after"`
	MaxFailures         int           `toml:"max_consecutive_failures"`
	MemoryInterval      time.Duration `toml:"memory_interval"`
	MemoryWarningMiB    uint64        `toml:"memory_warning_mib"`
	MemoryCriticalMiB   uint64        `toml:"memory_critical_mib"`
	MemoryAlertCooldown time.Duration `toml:"memory_alert_cooldown"`
}

type Dedup struct {
	TTL           time.Duration `toml:"ttl"`
	MaxEntries    int           `toml:"max_entries"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

type Cache struct {
	MetadataTTL        time.Duration `toml:"metadata_ttl"`
	MetadataPerAccount int           `toml:"metadata_per_account"`
	MessageTTL         time.Duration `toml:"message_ttl"`
	MessageMaxEntries  int           `toml:"message_max_entries"`
	SweepInterval      time.Duration `toml:"sweep_interval"`
}

type RateLimit struct {
	QueueCap              int           `toml:"queue_cap"`
	ReplyInterval         time.Duration `toml:"reply_interval"`
	BulkInterval          time.Duration `toml:"bulk_interval"`
	SameRecipientInterval time.Duration `toml:"same_recipient_interval"`
	PerMinute             int           `toml:"per_minute"`
	BatchSize             int           `toml:"batch_size"`
	BatchCooldown         time.Duration `toml:"batch_cooldown"`
	WarmUp                []WarmUpTier  `toml:"warm_up"`
}

// WarmUpTier caps new recipients per day for accounts younger than MaxAgeDays.
// A tier with MaxAgeDays 0 applies to every older account.
type WarmUpTier struct {
	MaxAgeDays       int `toml:"max_age_days"`
	NewRecipientsDay int `toml:"new_recipients_per_day"`
}

type Processor struct {
	SubBatchSize        int           `toml:"sub_batch_size"`
	Concurrency         int           `toml:"concurrency"`
	BacklogPause        time.Duration `toml:"backlog_pause"`
	HistorySubBatchSize int           `toml:"history_sub_batch_size"`
	FlushInterval       time.Duration `toml:"flush_interval"`
	MaxBatch            int           `toml:"max_batch"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log:   Log{Level: "info"},
		Store: Store{CredentialDialect: "sqlite3"},
		Session: Session{
			ReadyTimeout:       30 * time.Second,
			DeletionGuard:      10 * time.Second,
			QRTimeout:          60 * time.Second,
			ReadyFallback:      15 * time.Second,
			AutoMarkRead:       true,
			RestoreConcurrency: 4,
		},
		Reconnect: Reconnect{
			InitialDelay: 2 * time.Second,
			Multiplier:   2,
			MaxDelay:     2 * time.Minute,
			Jitter:       0.3,
			MaxFailures:  10,
			Cooldown:     5 * time.Minute,
		},
		Health: Health{
			CheckInterval:       60 * time.Second,
			DegradedAfter:       5 * time.Minute,
			UnhealthyAfter:      10 * time.Minute,
			MaxFailures:         3,
			MemoryInterval:      30 * time.Second,
			MemoryWarningMiB:    768,
			MemoryCriticalMiB:   1024,
			MemoryAlertCooldown: 10 * time.Minute,
		},
		Dedup: Dedup{
			TTL:           24 * time.Hour,
			MaxEntries:    100000,
			SweepInterval: 5 * time.Minute,
		},
		Cache: Cache{
			MetadataTTL:        5 * time.Minute,
			MetadataPerAccount: 500,
			MessageTTL:         30 * time.Minute,
			MessageMaxEntries:  20000,
			SweepInterval:      time.Minute,
		},
		RateLimit: RateLimit{
			QueueCap:              1000,
			ReplyInterval:         time.Second,
			BulkInterval:          4 * time.Second,
			SameRecipientInterval: 3 * time.Second,
			PerMinute:             15,
			BatchSize:             25,
			BatchCooldown:         20 * time.Second,
			WarmUp: []WarmUpTier{
				{MaxAgeDays: 3, NewRecipientsDay: 20},
				{MaxAgeDays: 7, NewRecipientsDay: 50},
				{MaxAgeDays: 30, NewRecipientsDay: 150},
				{MaxAgeDays: 0, NewRecipientsDay: 500},
			},
		},
		Processor: Processor{
			SubBatchSize:        20,
			Concurrency:         8,
			BacklogPause:        100 * time.Millisecond,
			HistorySubBatchSize: 200,
			FlushInterval:       50 * time.Millisecond,
			MaxBatch:            100,
		},
	}
}

// Load reads config from the given path on top of Default. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects settings the runtime components cannot work with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	atLeastOne := func(name string, n int) {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be >= 1, got %d", name, n))
		}
	}

	switch c.Store.CredentialDialect {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.credential_dialect must be sqlite3 or postgres, got %q", c.Store.CredentialDialect))
	}
	if c.Store.CredentialDialect == "postgres" && c.Store.CredentialAddress == "" {
		errs = append(errs, errors.New("store.credential_address is required for postgres"))
	}

	positive("session.ready_timeout", c.Session.ReadyTimeout)
	positive("session.deletion_guard", c.Session.DeletionGuard)
	positive("session.qr_timeout", c.Session.QRTimeout)
	positive("session.ready_fallback", c.Session.ReadyFallback)
	atLeastOne("session.restore_concurrency", c.Session.RestoreConcurrency)

	positive("reconnect.initial_delay", c.Reconnect.InitialDelay)
	positive("reconnect.max_delay", c.Reconnect.MaxDelay)
	positive("reconnect.cooldown", c.Reconnect.Cooldown)
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect.multiplier must be >= 1, got %g", c.Reconnect.Multiplier))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("reconnect.jitter must be in [0,1), got %g", c.Reconnect.Jitter))
	}
	atLeastOne("reconnect.max_failures", c.Reconnect.MaxFailures)

	positive("health.check_interval", c.Health.CheckInterval)
	positive("health.degraded_after", c.Health.DegradedAfter)
	positive("health.unhealthy_after", c.Health.UnhealthyAfter)
	positive("health.memory_interval", c.Health.MemoryInterval)
	positive("health.memory_alert_cooldown", c.Health.MemoryAlertCooldown)
	atLeastOne("health.max_consecutive_failures", c.Health.MaxFailures)
	if c.Health.UnhealthyAfter < c.Health.DegradedAfter {
		errs = append(errs, errors.New("health.unhealthy_after must not be shorter than health.degraded_after"))
	}
	if c.Health.MemoryCriticalMiB < c.Health.MemoryWarningMiB {
		errs = append(errs, errors.New("health.memory_critical_mib must not be below health.memory_warning_mib"))
	}

	positive("dedup.ttl", c.Dedup.TTL)
	positive("dedup.sweep_interval", c.Dedup.SweepInterval)
	atLeastOne("dedup.max_entries", c.Dedup.MaxEntries)

	positive("cache.metadata_ttl", c.Cache.MetadataTTL)
	positive("cache.message_ttl", c.Cache.MessageTTL)
	positive("cache.sweep_interval", c.Cache.SweepInterval)
	atLeastOne("cache.metadata_per_account", c.Cache.MetadataPerAccount)
	atLeastOne("cache.message_max_entries", c.Cache.MessageMaxEntries)

	atLeastOne("ratelimit.queue_cap", c.RateLimit.QueueCap)
	positive("ratelimit.reply_interval", c.RateLimit.ReplyInterval)
	positive("ratelimit.bulk_interval", c.RateLimit.BulkInterval)
	positive("ratelimit.same_recipient_interval", c.RateLimit.SameRecipientInterval)
	positive("ratelimit.batch_cooldown", c.RateLimit.BatchCooldown)
	atLeastOne("ratelimit.per_minute", c.RateLimit.PerMinute)
	atLeastOne("ratelimit.batch_size", c.RateLimit.BatchSize)
	for i, tier := range c.RateLimit.WarmUp {
		if tier.MaxAgeDays < 0 {
			errs = append(errs, fmt.Errorf("ratelimit.warm_up[%d].max_age_days must not be negative", i))
		}
		atLeastOne(fmt.Sprintf("ratelimit.warm_up[%d].new_recipients_per_day", i), tier.NewRecipientsDay)
	}

	atLeastOne("processor.sub_batch_size", c.Processor.SubBatchSize)
	atLeastOne("processor.concurrency", c.Processor.Concurrency)
	atLeastOne("processor.history_sub_batch_size", c.Processor.HistorySubBatchSize)
	atLeastOne("processor.max_batch", c.Processor.MaxBatch)
	positive("processor.backlog_pause", c.Processor.BacklogPause)
	positive("processor.flush_interval", c.Processor.FlushInterval)

	return errors.Join(errs...)
}
