package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTPublisher opens a fresh client per Publish: connect, QoS 1 publish,
// wait for PUBACK, disconnect. No connection is held between calls.
type MQTTPublisher struct {
	cfg Config
}

func NewMQTTPublisher(cfg Config) (*MQTTPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if _, err := mqttOptions(cfg, "limen-pub"); err != nil {
		return nil, err
	}
	return &MQTTPublisher{cfg: cfg}, nil
}

func mqttOptions(cfg Config, clientPrefix string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientPrefix + "-" + uuid.NewString()).
		SetCleanSession(true).
		SetConnectTimeout(cfg.timeout()).
		SetConnectRetry(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	secure := secureMQTT(cfg.URL)
	if cfg.TLS && !secure {
		return nil, errors.New("mqtt: tls required but broker url scheme is plaintext")
	}
	if secure {
		tc, err := tlsConfig(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt tls: %w", err)
		}
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}

// secureMQTT reports whether paho will dial TLS for url.
func secureMQTT(url string) bool {
	u := strings.ToLower(url)
	for _, p := range []string{"tls://", "ssl://", "mqtts://", "wss://"} {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

func (p *MQTTPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts, err := mqttOptions(p.cfg, "limen-pub")
	if err != nil {
		return err
	}
	opts.SetAutoReconnect(false)
	wait := deadline(ctx, p.cfg.timeout())

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(wait) {
		return fmt.Errorf("mqtt connect: %w", ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer c.Disconnect(250)

	pt := c.Publish(channel, 1, false, payload)
	if !pt.WaitTimeout(deadline(ctx, p.cfg.timeout())) {
		return fmt.Errorf("mqtt publish: %w", ErrPublishTimeout)
	}
	if err := pt.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// MQTTSubscriber holds one long-lived, auto-reconnecting client per
// Subscribe call and resubscribes after every reconnect.
type MQTTSubscriber struct {
	cfg Config
}

func NewMQTTSubscriber(cfg Config) (*MQTTSubscriber, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	return &MQTTSubscriber{cfg: cfg}, nil
}

func (s *MQTTSubscriber) Subscribe(ctx context.Context, channel string, h Handler) error {
	opts, err := mqttOptions(s.cfg, "limen-door")
	if err != nil {
		return err
	}
	onMsg := func(_ mqtt.Client, m mqtt.Message) { h(m.Topic(), m.Payload()) }
	opts.SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			c.Subscribe(channel, 1, onMsg)
		})

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		c.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	c.Unsubscribe(channel).WaitTimeout(s.cfg.timeout())
	c.Disconnect(250)
	return nil
}
