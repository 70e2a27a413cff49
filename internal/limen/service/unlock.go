package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/pubsub"
)

// UnlockStatus is the machine-readable outcome of a remote unlock.
type UnlockStatus string

const (
	UnlockSuccess         UnlockStatus = "SUCCESS"
	UnlockNotBound        UnlockStatus = "NOT_BOUND"
	UnlockUserDisabled    UnlockStatus = "USER_DISABLED"
	UnlockNoPermission    UnlockStatus = "NO_PERMISSION"
	UnlockDeviceDisabled  UnlockStatus = "DEVICE_DISABLED"
	UnlockDispatchFailure UnlockStatus = "DISPATCH_FAILURE"
)

// UnlockResult is echoed to the chat user. Device is the name of the door
// that was targeted, if one was resolved.
type UnlockResult struct {
	Success bool
	Status  UnlockStatus
	Message string
	Device  string
}

type UnlockConfig struct {
	// PublishTimeout bounds one publish. Defaults to 5s.
	PublishTimeout time.Duration
}

// UnlockDispatcher sends OPEN to a door on behalf of a bound chat
// identity. Only an acknowledged publish is written to the audit trail.
type UnlockDispatcher struct {
	store     store.Store
	publisher pubsub.Publisher
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewUnlockDispatcher(st store.Store, pub pubsub.Publisher, cfg UnlockConfig, logger *zap.Logger) *UnlockDispatcher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnlockDispatcher{
		store:     st,
		publisher: pub,
		logger:    logger,
		timeout:   cfg.PublishTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Unlock opens deviceName for the user bound to chatID. An empty
// deviceName selects the first device in the user's grant order.
func (d *UnlockDispatcher) Unlock(ctx context.Context, chatID, deviceName string) (UnlockResult, error) {
	chatID = strings.TrimSpace(chatID)
	deviceName = strings.TrimSpace(deviceName)
	if chatID == "" {
		return UnlockResult{}, ErrInvalidChatIdentity
	}

	user, err := d.store.UserByChatIdentity(ctx, chatID)
	if errors.Is(err, errs.ErrNotFound) {
		return UnlockResult{Status: UnlockNotBound, Message: "You are not logged in. Use /login first."}, nil
	}
	if err != nil {
		return UnlockResult{}, fmt.Errorf("unlock: %w", err)
	}
	if !user.Active {
		return UnlockResult{Status: UnlockUserDisabled, Message: "Your account is disabled."}, nil
	}

	devices, err := d.store.UserDevices(ctx, user.ID)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("unlock: %w", err)
	}
	target, ok := pickDevice(devices, deviceName)
	if !ok {
		return UnlockResult{Status: UnlockNoPermission, Message: "You have no permission for this door."}, nil
	}
	if !target.Active {
		return UnlockResult{
			Status:  UnlockDeviceDisabled,
			Message: fmt.Sprintf("%s is currently disabled.", target.Name),
			Device:  target.Name,
		}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.publisher.Publish(pctx, target.UnlockChannel, []byte(pubsub.OpenCommand)); err != nil {
		d.logger.Warn("unlock publish failed",
			zap.String("device", target.Name),
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		)
		return UnlockResult{
			Status:  UnlockDispatchFailure,
			Message: "Could not reach the door. Please try again.",
			Device:  target.Name,
		}, nil
	}

	uid := user.ID
	err = d.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Timestamp: d.now(),
			UserID:    &uid,
			Method:    store.MethodRemoteChat,
			Status:    store.StatusSuccess,
			Details:   "Remote unlock: " + target.Name,
		})
	})
	if err != nil {
		// The door has already been told to open; report what happened.
		d.logger.Error("remote unlock not audited",
			zap.String("device", target.Name),
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		)
	}

	return UnlockResult{
		Success: true,
		Status:  UnlockSuccess,
		Message: fmt.Sprintf("%s unlocked.", target.Name),
		Device:  target.Name,
	}, nil
}

// pickDevice returns the named device from the grant list, or the first
// one when name is empty.
func pickDevice(devices []store.Device, name string) (store.Device, bool) {
	if len(devices) == 0 {
		return store.Device{}, false
	}
	if name == "" {
		return devices[0], true
	}
	for _, dev := range devices {
		if dev.Name == name {
			return dev, true
		}
	}
	return store.Device{}, false
}
