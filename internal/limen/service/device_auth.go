package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

// Device authentication failures. They are distinct so they can be logged
// apart; the HTTP layer folds NotFound and InvalidSecret together.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidSecret  = errors.New("invalid device secret")
	ErrDeviceDisabled = errors.New("device disabled")
)

// DeviceReader is the lookup DeviceAuthenticator needs.
type DeviceReader interface {
	DeviceByName(ctx context.Context, name string) (store.Device, error)
}

type DeviceAuthenticator struct {
	devices DeviceReader
	logger  *zap.Logger
}

func NewDeviceAuthenticator(devices DeviceReader, logger *zap.Logger) *DeviceAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceAuthenticator{devices: devices, logger: logger}
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// equalizer returns a valid hash to verify against when the device does
// not exist, so unknown names cost the same as wrong secrets.
func equalizer() string {
	dummyOnce.Do(func() {
		dummyHash, _ = credential.HashSecret("limen-unknown-device")
	})
	return dummyHash
}

// Authenticate returns the device when secret matches its stored hash and
// the device is active. Any other error is an infrastructure fault.
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, name, secret string) (store.Device, error) {
	name = strings.TrimSpace(name)

	d, err := a.devices.DeviceByName(ctx, name)
	if errors.Is(err, errs.ErrNotFound) {
		_, _ = credential.VerifySecret(secret, equalizer())
		a.warn(name, "unknown_device")
		return store.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return store.Device{}, fmt.Errorf("authenticate device: %w", err)
	}

	ok, err := credential.VerifySecret(secret, d.SecretHash)
	if err != nil {
		a.logger.Error("device secret hash unreadable", zap.String("device", name))
		return store.Device{}, ErrInvalidSecret
	}
	if !ok {
		a.warn(name, "invalid_secret")
		return store.Device{}, ErrInvalidSecret
	}

	if !d.Active {
		a.warn(name, "device_disabled")
		return store.Device{}, ErrDeviceDisabled
	}
	return d, nil
}

func (a *DeviceAuthenticator) warn(device, reason string) {
	a.logger.Warn("device authentication failed",
		zap.String("device", device),
		zap.String("reason", reason),
	)
}
