// Package pubsub carries remote open commands to door controllers.
package pubsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// OpenCommand is the payload a door treats as a locally granted read.
const OpenCommand = "OPEN"

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("pubsub: publish not acknowledged in time")

// Publisher sends payload on channel and returns once the broker has
// acknowledged it, or fails.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Handler receives one message.
type Handler func(channel string, payload []byte)

// Subscriber delivers messages on channel to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, h Handler) error
}

// Config is shared by the broker-backed transports. TLS requires an
// encrypted connection regardless of URL scheme. CAFile adds a PEM bundle to
// the system roots for TLS brokers.
type Config struct {
	URL      string
	Username string
	Password string
	TLS      bool
	CAFile   string
	Timeout  time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

// deadline is the earlier of ctx's deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if rem := time.Until(d); rem < timeout {
			return rem
		}
	}
	return timeout
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("ca file: no certificates found")
	}
	cfg.RootCAs = pool
	return cfg, nil
}
