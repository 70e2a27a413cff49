package pubsub

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_DeliversToSubscribers(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 1)

	go func() {
		_ = bus.Subscribe(ctx, "door/front-door", func(_ string, p []byte) { got <- string(p) })
	}()
	require.Eventually(t, func() bool { return bus.Subscribers("door/front-door") == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "door/front-door", []byte(OpenCommand)))
	require.Equal(t, OpenCommand, <-got)

	require.NoError(t, bus.Publish(context.Background(), "door/back-door", []byte(OpenCommand)))
	require.Len(t, bus.Published(), 2)

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers("door/front-door") == 0 },
		time.Second, time.Millisecond)
}

func TestMemory_FailWith(t *testing.T) {
	bus := NewMemory()
	boom := errors.New("broker down")
	bus.FailWith(boom)
	require.ErrorIs(t, bus.Publish(context.Background(), "door/x", []byte(OpenCommand)), boom)
	require.Empty(t, bus.Published())
}

func TestConstructors_RequireURL(t *testing.T) {
	_, err := NewMQTTPublisher(Config{})
	require.Error(t, err)
	_, err = NewNATSPublisher(Config{})
	require.Error(t, err)
	_, err = NewMQTTSubscriber(Config{})
	require.Error(t, err)
	_, err = NewNATSSubscriber(Config{})
	require.Error(t, err)
}

func TestMQTTPublisher_UnreachableBrokerFails(t *testing.T) {
	p, err := NewMQTTPublisher(Config{URL: "tcp://127.0.0.1:1", Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Error(t, p.Publish(context.Background(), "door/front-door", []byte(OpenCommand)))
}

func TestNATSPublisher_UnreachableBrokerFails(t *testing.T) {
	p, err := NewNATSPublisher(Config{URL: "nats://127.0.0.1:1", Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.Error(t, p.Publish(context.Background(), "door/front-door", []byte(OpenCommand)))
}

func TestMQTT_TLSRequiresSecureScheme(t *testing.T) {
	_, err := NewMQTTPublisher(Config{URL: "tcp://broker:1883", TLS: true})
	require.Error(t, err)

	opts, err := mqttOptions(Config{URL: "mqtts://broker:8883", TLS: true}, "t")
	require.NoError(t, err)
	require.NotNil(t, opts.TLSConfig)
	require.Equal(t, uint16(tls.VersionTLS12), opts.TLSConfig.MinVersion)

	opts, err = mqttOptions(Config{URL: "tcp://broker:1883"}, "t")
	require.NoError(t, err)
	require.Nil(t, opts.TLSConfig)
}

func TestNATS_TLSBadCAFileRejected(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))

	_, err := NewNATSPublisher(Config{URL: "nats://broker:4222", TLS: true, CAFile: bad})
	require.Error(t, err)

	opts, err := natsOptions(Config{URL: "nats://broker:4222", TLS: true}, "t")
	require.NoError(t, err)
	require.Len(t, opts, 3)
}

func TestTLSConfig_BadCAFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))

	_, err := tlsConfig(bad)
	require.Error(t, err)

	_, err = NewMQTTPublisher(Config{URL: "tls://broker:8883", CAFile: bad})
	require.Error(t, err)

	cfg, err := tlsConfig("")
	require.NoError(t, err)
	require.Nil(t, cfg.RootCAs)
}

func TestDeadline_UsesEarlierOfCtxAndTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.LessOrEqual(t, deadline(ctx, time.Minute), 50*time.Millisecond)
	require.Equal(t, time.Second, deadline(context.Background(), time.Second))
}
