package taskflow

import (
	"time"

	"github.com/mtlprog/taskflow/internal/backpressure"
	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/flush"
	"github.com/mtlprog/taskflow/internal/slots"
)

// Config holds every engine setting. Each section maps to a YAML block.
type Config struct {
	EventLog     EventLogConfig      `yaml:"eventlog"`
	Flush        flush.Config        `yaml:"flush"`
	Backpressure backpressure.Config `yaml:"backpressure"`
	Slots        slots.Config        `yaml:"slots"`
	DLQ          dlq.Config          `yaml:"dlq"`
	Executor     ExecutorConfig      `yaml:"executor"`
	Shutdown     ShutdownConfig      `yaml:"shutdown"`
	Stream       StreamConfig        `yaml:"stream"`
	Recovery     RecoveryConfig      `yaml:"recovery"`
}

type EventLogConfig struct {
	Dir          string `yaml:"dir"`
	FileName     string `yaml:"file_name"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	// FsyncOnCreate fsyncs the log and rewrites the checkpoint for every
	// TASK_CREATED entry.
	FsyncOnCreate       bool          `yaml:"fsync_on_create"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type ExecutorConfig struct {
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	// RetryBaseDelay is multiplied by attempt² between attempts.
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MinHeartbeatInterval time.Duration `yaml:"min_heartbeat_interval"`
	// AbortTimeout is how long a cancelled handler may take to return before
	// the executor stops waiting for it.
	AbortTimeout  time.Duration `yaml:"abort_timeout"`
	MaxInputBytes int           `yaml:"max_input_bytes"`
}

type ShutdownConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type StreamConfig struct {
	// BufferSize is how many recent events each task keeps for replay.
	BufferSize int `yaml:"buffer_size"`
	// SubscriberBuffer is the channel depth of one subscriber; a subscriber
	// that falls further behind is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// Retention keeps finished tasks in memory for dedup and reattachment.
	Retention time.Duration `yaml:"retention"`
}

type RecoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	Interval       time.Duration `yaml:"interval"`
}

// DefaultConfig returns a complete configuration with the WAL under dir.
func DefaultConfig(dir string) Config {
	return Config{
		EventLog: EventLogConfig{
			Dir:                 dir,
			FileName:            eventlog.DefaultFileName,
			MaxFileBytes:        eventlog.DefaultMaxFileBytes,
			FsyncOnCreate:       true,
			MaintenanceInterval: time.Minute,
		},
		Flush: flush.Config{
			BatchSize:        100,
			PollInterval:     250 * time.Millisecond,
			MaxRestarts:      5,
			RestartBaseDelay: 100 * time.Millisecond,
			RestartMaxDelay:  5 * time.Second,
		},
		Backpressure: backpressure.DefaultConfig(),
		Slots:        slots.DefaultConfig(),
		DLQ:          dlq.DefaultConfig(),
		Executor: ExecutorConfig{
			DefaultMaxRetries:    3,
			DefaultTimeout:       5 * time.Minute,
			RetryBaseDelay:       time.Second,
			HeartbeatInterval:    10 * time.Second,
			MinHeartbeatInterval: time.Second,
			AbortTimeout:         time.Second,
			MaxInputBytes:        domain.DefaultMaxInputBytes,
		},
		Shutdown: ShutdownConfig{
			GracePeriod:  30 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Stream: StreamConfig{
			BufferSize:       100,
			SubscriberBuffer: 64,
			Retention:        5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			Enabled:        true,
			StaleThreshold: time.Minute,
			Interval:       30 * time.Second,
		},
	}
}

// Validate checks the configuration and names the first offending field.
func (c Config) Validate() error {
	if c.EventLog.Dir == "" {
		return domain.NewConfigValidationError("eventlog.dir", "is required")
	}
	if c.EventLog.MaxFileBytes <= 0 {
		return domain.NewConfigValidationError("eventlog.max_file_bytes", "must be positive")
	}
	if c.EventLog.MaintenanceInterval <= 0 {
		return domain.NewConfigValidationError("eventlog.maintenance_interval", "must be positive")
	}
	if c.Flush.MaxRestarts < 0 {
		return domain.NewConfigValidationError("flush.max_restarts", "must not be negative")
	}
	if err := c.Backpressure.Validate(); err != nil {
		return err
	}
	if err := c.Slots.Validate(); err != nil {
		return err
	}
	if err := c.DLQ.Validate(); err != nil {
		return err
	}

	e := c.Executor
	switch {
	case e.DefaultMaxRetries < 0:
		return domain.NewConfigValidationError("executor.default_max_retries", "must not be negative")
	case e.DefaultTimeout < 0:
		return domain.NewConfigValidationError("executor.default_timeout", "must not be negative")
	case e.RetryBaseDelay < 0:
		return domain.NewConfigValidationError("executor.retry_base_delay", "must not be negative")
	case e.HeartbeatInterval <= 0:
		return domain.NewConfigValidationError("executor.heartbeat_interval", "must be positive")
	case e.MinHeartbeatInterval < 0:
		return domain.NewConfigValidationError("executor.min_heartbeat_interval", "must not be negative")
	case e.AbortTimeout <= 0:
		return domain.NewConfigValidationError("executor.abort_timeout", "must be positive")
	case e.MaxInputBytes <= 0:
		return domain.NewConfigValidationError("executor.max_input_bytes", "must be positive")
	}

	switch {
	case c.Shutdown.GracePeriod < 0:
		return domain.NewConfigValidationError("shutdown.grace_period", "must not be negative")
	case c.Shutdown.PollInterval <= 0:
		return domain.NewConfigValidationError("shutdown.poll_interval", "must be positive")
	case c.Stream.BufferSize <= 0:
		return domain.NewConfigValidationError("stream.buffer_size", "must be positive")
	case c.Stream.SubscriberBuffer <= 0:
		return domain.NewConfigValidationError("stream.subscriber_buffer", "must be positive")
	case c.Stream.Retention < 0:
		return domain.NewConfigValidationError("stream.retention", "must not be negative")
	}

	if c.Recovery.Enabled {
		if c.Recovery.StaleThreshold <= c.Executor.HeartbeatInterval {
			return domain.NewConfigValidationError("recovery.stale_threshold",
				"must be longer than executor.heartbeat_interval")
		}
		if c.Recovery.Interval <= 0 {
			return domain.NewConfigValidationError("recovery.interval", "must be positive")
		}
	}
	return nil
}
