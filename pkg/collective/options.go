package collective

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	TlsConfig        *tls.Config
	HandshakeTimeout time.Duration
	MetricLabels     []metrics.Label
	MetricSink       metrics.MetricSink
	LogHandler       slog.Handler
}

type Option func(*config) error

func defaultConfig(opts []Option) (*config, error) {
	cfg := &config{HandshakeTimeout: 30 * time.Second}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArg, err)
		}
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.Default()
	}
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

// WithTlsConfig secures the rendezvous. Without it a self-signed
// certificate is used and peers are not verified.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf != nil {
			c.TlsConfig = tlsConf.Clone()
		}
		return nil
	}
}

// WithHandshakeTimeout bounds how long joining the rendezvous may take.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("handshake timeout must be positive, got %s", timeout)
		}
		c.HandshakeTimeout = timeout
		return nil
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.LogHandler = handler
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.MetricSink = ms
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.MetricLabels = labels
		return nil
	}
}
