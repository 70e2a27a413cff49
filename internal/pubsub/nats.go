package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSPublisher connects per call, publishes, flushes and closes. The
// flush round trip is the broker acknowledgement.
type NATSPublisher struct {
	cfg Config
}

func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats: url is required")
	}
	if _, err := natsOptions(cfg, "limen-pub"); err != nil {
		return nil, err
	}
	return &NATSPublisher{cfg: cfg}, nil
}

func natsOptions(cfg Config, name string) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(cfg.timeout()),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	switch {
	case cfg.TLS:
		tc, err := tlsConfig(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("nats tls: %w", err)
		}
		opts = append(opts, nats.Secure(tc))
	case cfg.CAFile != "":
		opts = append(opts, nats.RootCAs(cfg.CAFile))
	}
	return opts, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts, err := natsOptions(p.cfg, "limen-pub")
	if err != nil {
		return err
	}
	nc, err := nats.Connect(p.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := nc.FlushTimeout(deadline(ctx, p.cfg.timeout())); err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("nats flush: %w", ErrPublishTimeout)
		}
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// NATSSubscriber keeps one reconnecting connection per Subscribe call.
type NATSSubscriber struct {
	cfg Config
}

func NewNATSSubscriber(cfg Config) (*NATSSubscriber, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats: url is required")
	}
	return &NATSSubscriber{cfg: cfg}, nil
}

func (s *NATSSubscriber) Subscribe(ctx context.Context, channel string, h Handler) error {
	opts, err := natsOptions(s.cfg, "limen-door")
	if err != nil {
		return err
	}
	nc, err := nats.Connect(s.cfg.URL, append(opts, nats.MaxReconnects(-1))...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(channel, func(m *nats.Msg) { h(m.Subject, m.Data) })
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}
