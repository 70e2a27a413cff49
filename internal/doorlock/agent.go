// Package doorlock is the device side of remote unlock: it listens on the
// door's channel and drives the lock actuator.
package doorlock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/pubsub"
)

// Actuator engages and releases a physical lock.
type Actuator interface {
	Engage() error
	Release() error
}

// LogActuator stands in for real hardware by logging transitions.
type LogActuator struct {
	Logger *zap.Logger
}

func (a LogActuator) Engage() error {
	a.Logger.Info("lock engaged")
	return nil
}

func (a LogActuator) Release() error {
	a.Logger.Info("lock released")
	return nil
}

type AgentConfig struct {
	DeviceName string
	// UnlockDuration is how long the lock stays open. Defaults to 3s.
	UnlockDuration time.Duration
	// ResubscribeDelay is waited after the subscription drops. Defaults to 2s.
	ResubscribeDelay time.Duration
}

// Agent opens the door for UnlockDuration on every OPEN received. An OPEN
// that arrives while the door is already open is dropped, not queued.
// Nothing is written to the audit trail from here.
type Agent struct {
	sub      pubsub.Subscriber
	act      Actuator
	channel  string
	hold     time.Duration
	retry    time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	releases sync.WaitGroup

	mu   sync.Mutex
	open bool
}

func NewAgent(sub pubsub.Subscriber, act Actuator, cfg AgentConfig, logger *zap.Logger) *Agent {
	if cfg.UnlockDuration <= 0 {
		cfg.UnlockDuration = 3 * time.Second
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		sub:     sub,
		act:     act,
		channel: store.UnlockChannel(cfg.DeviceName),
		hold:    cfg.UnlockDuration,
		retry:   cfg.ResubscribeDelay,
		logger:  logger.With(zap.String("device", cfg.DeviceName)),
		done:    make(chan struct{}),
	}
}

// Start subscribes in the background until ctx is cancelled or Stop is
// called.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.loop(ctx)
	a.logger.Info("door agent started",
		zap.String("channel", a.channel),
		zap.Duration("unlock_duration", a.hold),
	)
}

// Stop ends the subscription and waits for a pending release.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
	a.releases.Wait()
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	for {
		err := a.sub.Subscribe(ctx, a.channel, a.onMessage)
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("subscription ended, retrying", zap.Error(err))

		t := time.NewTimer(a.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (a *Agent) onMessage(_ string, payload []byte) {
	if string(payload) != pubsub.OpenCommand {
		a.logger.Debug("ignoring unknown command", zap.Int("bytes", len(payload)))
		return
	}
	a.Open()
}

// Open engages the lock and schedules its release. It reports false when
// the door was already open or the actuator failed.
func (a *Agent) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return false
	}
	if err := a.act.Engage(); err != nil {
		a.logger.Error("engage failed", zap.Error(err))
		return false
	}
	a.open = true
	a.releases.Add(1)
	time.AfterFunc(a.hold, a.release)
	return true
}

func (a *Agent) release() {
	defer a.releases.Done()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.act.Release(); err != nil {
		a.logger.Error("release failed", zap.Error(err))
	}
	a.open = false
}
