// Package config loads the server's settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ryandielhenn/zephyrcast/pkg/broadcast"
	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
	"github.com/ryandielhenn/zephyrcast/pkg/sink"
)

type Config struct {
	SelfID     string `env:"SELF_ID"`
	SelfAddr   string `env:"SELF_ADDR"` // advertised transport address, defaults to ListenAddr
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":7946"`
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	Transport  string `env:"TRANSPORT" envDefault:"tcp"`
	LogDev     bool   `env:"LOG_DEV"`

	EtcdEndpoints []string `env:"ETCD_ENDPOINTS" envSeparator:","`
	DiscoveryTTL  int64    `env:"DISCOVERY_TTL" envDefault:"10"`

	Engine Engine `envPrefix:"BROADCAST_"`
}

// Engine mirrors broadcast.Config. Unset values keep broadcast.DefaultConfig.
type Engine struct {
	FailureThreshold        int           `env:"FAILURE_THRESHOLD"`
	SuspicionTimeout        time.Duration `env:"SUSPICION_TIMEOUT"`
	RetryAttempts           *int          `env:"RETRY_ATTEMPTS"`
	RetryBaseDelay          time.Duration `env:"RETRY_BASE_DELAY"`
	RetryMaxDelay           time.Duration `env:"RETRY_MAX_DELAY"`
	SinkQueueCapacity       int           `env:"SINK_QUEUE_CAPACITY"`
	SinkBackpressurePolicy  *sink.Policy  `env:"SINK_BACKPRESSURE_POLICY"`
	SinkBackpressureTimeout time.Duration `env:"SINK_BACKPRESSURE_TIMEOUT"`
	PendingPerProducerCap   int           `env:"PENDING_PER_PRODUCER_CAP"`
	OutboundQueueCapacity   int           `env:"OUTBOUND_QUEUE_CAPACITY"`
	SweepInterval           time.Duration `env:"SWEEP_INTERVAL"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL"`
	ProducerRetention       time.Duration `env:"PRODUCER_RETENTION"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Transport {
	case "tcp", "websocket":
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be tcp or websocket, got %q", c.Transport))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}
	if len(c.EtcdEndpoints) > 0 && c.DiscoveryTTL <= 0 {
		errs = append(errs, errors.New("DISCOVERY_TTL must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Advertised is the transport address peers should dial.
func (c Config) Advertised() string {
	if c.SelfAddr != "" {
		return c.SelfAddr
	}
	return c.ListenAddr
}

// Broadcast overlays the configured knobs on broadcast.DefaultConfig.
func (c Config) Broadcast() broadcast.Config {
	b := broadcast.DefaultConfig()
	b.NodeID = envelope.NodeID(c.SelfID)
	e := c.Engine
	setInt(&b.FailureThreshold, e.FailureThreshold)
	setDur(&b.SuspicionTimeout, e.SuspicionTimeout)
	if e.RetryAttempts != nil {
		b.RetryAttempts = *e.RetryAttempts
	}
	setDur(&b.RetryBaseDelay, e.RetryBaseDelay)
	setDur(&b.RetryMaxDelay, e.RetryMaxDelay)
	setInt(&b.SinkQueueCapacity, e.SinkQueueCapacity)
	if e.SinkBackpressurePolicy != nil {
		b.SinkBackpressurePolicy = *e.SinkBackpressurePolicy
	}
	setDur(&b.SinkBackpressureTimeout, e.SinkBackpressureTimeout)
	setInt(&b.PendingPerProducerCap, e.PendingPerProducerCap)
	setInt(&b.OutboundQueueCapacity, e.OutboundQueueCapacity)
	setDur(&b.SweepInterval, e.SweepInterval)
	setDur(&b.HeartbeatInterval, e.HeartbeatInterval)
	setDur(&b.ProducerRetention, e.ProducerRetention)
	return b
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDur(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
