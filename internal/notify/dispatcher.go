package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DispatcherConfig tunes NewDispatcher. Zero values pick defaults.
type DispatcherConfig struct {
	// MaxAttempts bounds delivery tries per message. Defaults to 5.
	MaxAttempts int
	// PollWait is how long one Dequeue blocks. Defaults to 2s.
	PollWait time.Duration
	// RetryDelay is slept after a failed send. Defaults to 1s.
	RetryDelay time.Duration
	// CodeTTL is shown in the email body.
	CodeTTL time.Duration
}

type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Dispatcher drains a Queue into a Mailer in the background. It is stopped
// via its context or Stop.
type Dispatcher struct {
	queue  Queue
	mailer Mailer
	cfg    DispatcherConfig
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(q Queue, m Mailer, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  q,
		mailer: m,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the loop. In-flight messages left by a previous process
// are requeued first when the queue supports it.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	if r, ok := d.queue.(recoverer); ok {
		if n, err := r.Recover(ctx); err != nil {
			d.logger.Warn("notify: recover in-flight messages", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("notify: requeued in-flight messages", zap.Int("count", n))
		}
	}

	go d.loop(ctx)
	d.logger.Info("notify dispatcher started", zap.Int("max_attempts", d.cfg.MaxAttempts))
}

// Stop signals the loop to exit and waits for it.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	for {
		if ctx.Err() != nil {
			return
		}
		m, ok, err := d.queue.Dequeue(ctx, d.cfg.PollWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Warn("notify: dequeue failed", zap.Error(err))
			d.sleep(ctx, d.cfg.RetryDelay)
			continue
		}
		if !ok {
			continue
		}
		d.deliver(ctx, m)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m Message) {
	log := d.logger.With(
		zap.String("message_id", m.ID),
		zap.String("kind", m.Kind),
		zap.Int("attempt", m.Attempts+1),
	)

	sendErr := d.send(ctx, m)
	if sendErr == nil {
		if err := d.queue.Ack(ctx, m); err != nil {
			log.Warn("notify: ack failed", zap.Error(err))
		}
		log.Info("notify: delivered")
		return
	}

	if m.Attempts+1 >= d.cfg.MaxAttempts {
		log.Error("notify: giving up", zap.Error(sendErr))
		if err := d.queue.Ack(ctx, m); err != nil {
			log.Warn("notify: ack failed", zap.Error(err))
		}
		return
	}

	log.Warn("notify: send failed, will retry", zap.Error(sendErr))
	if err := d.queue.Nack(ctx, m); err != nil {
		log.Warn("notify: nack failed", zap.Error(err))
	}
	d.sleep(ctx, d.cfg.RetryDelay)
}

func (d *Dispatcher) send(ctx context.Context, m Message) error {
	switch m.Kind {
	case KindVerificationCode:
		subject, text, html := VerificationEmail(m.Name, m.Code, d.cfg.CodeTTL)
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return d.mailer.Send(sendCtx, m.To, m.Name, subject, text, html)
	default:
		d.logger.Warn("notify: dropping unknown message kind", zap.String("kind", m.Kind))
		return nil
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
