package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrcast/pkg/delivery"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/membership"
	"github.com/ryandielhenn/zephyrcast/pkg/retry"
	"github.com/ryandielhenn/zephyrcast/pkg/sink"
)

// Config holds every engine knob. Start from DefaultConfig.
type Config struct {
	NodeID envelope.NodeID // generated when empty

	FailureThreshold int
	SuspicionTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	SinkQueueCapacity       int
	SinkBackpressurePolicy  sink.Policy
	SinkBackpressureTimeout time.Duration

	PendingPerProducerCap int
	OutboundQueueCapacity int

	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	ProducerRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:        membership.DefaultFailureThreshold,
		SuspicionTimeout:        membership.DefaultSuspicionTimeout,
		RetryAttempts:           3,
		RetryBaseDelay:          100 * time.Millisecond,
		RetryMaxDelay:           2 * time.Second,
		SinkQueueCapacity:       sink.DefaultQueueCapacity,
		SinkBackpressurePolicy:  sink.DisconnectSlowSubscriber,
		SinkBackpressureTimeout: sink.DefaultBackpressureTimeout,
		PendingPerProducerCap:   delivery.DefaultPendingCap,
		OutboundQueueCapacity:   4096,
		SweepInterval:           time.Second,
		HeartbeatInterval:       time.Second,
		ProducerRetention:       10 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold <= 0 {
		errs = append(errs, errors.New("FailureThreshold must be positive"))
	}
	if c.SuspicionTimeout <= 0 {
		errs = append(errs, errors.New("SuspicionTimeout must be positive"))
	}
	if err := c.schedule().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SinkQueueCapacity <= 0 {
		errs = append(errs, errors.New("SinkQueueCapacity must be positive"))
	}
	if c.SinkBackpressureTimeout < 0 {
		errs = append(errs, errors.New("SinkBackpressureTimeout cannot be negative"))
	}
	switch c.SinkBackpressurePolicy {
	case sink.DisconnectSlowSubscriber, sink.DropOldest:
	default:
		errs = append(errs, fmt.Errorf("unknown SinkBackpressurePolicy %d", c.SinkBackpressurePolicy))
	}
	if c.PendingPerProducerCap <= 0 {
		errs = append(errs, errors.New("PendingPerProducerCap must be positive"))
	}
	if c.OutboundQueueCapacity <= 0 {
		errs = append(errs, errors.New("OutboundQueueCapacity must be positive"))
	}
	if c.SweepInterval <= 0 || c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("SweepInterval and HeartbeatInterval must be positive"))
	}
	if c.ProducerRetention < 0 {
		errs = append(errs, errors.New("ProducerRetention cannot be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid broadcast config: %w", err)
	}
	return nil
}

func (c Config) schedule() retry.Schedule {
	return retry.Schedule{Attempts: c.RetryAttempts, BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}
}

func (c Config) membership() membership.Config {
	return membership.Config{
		FailureThreshold: c.FailureThreshold,
		SuspicionTimeout: c.SuspicionTimeout,
		Retention:        c.ProducerRetention,
	}
}

func (c Config) sink() sink.Config {
	return sink.Config{
		QueueCapacity:       c.SinkQueueCapacity,
		BackpressureTimeout: c.SinkBackpressureTimeout,
		Policy:              c.SinkBackpressurePolicy,
	}
}
