package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

type SeedDevOptions struct {
	// DeviceSecret is the bearer secret for the starter door. It is hashed
	// before storage and never written anywhere else.
	DeviceSecret string
}

// SeedDev creates a starter door and one user who may open it. Rows that
// already exist are left alone, so it is safe on every startup.
func SeedDev(ctx context.Context, p store.Provisioner, opt SeedDevOptions) error {
	secret := opt.DeviceSecret
	if secret == "" {
		secret = "S1"
	}
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("seed device secret: %w", err)
	}

	if _, err := p.CreateDevice(ctx, "front-door", "Dev", hash); ignoreExisting(err) != nil {
		return fmt.Errorf("seed device front-door: %w", err)
	}
	if _, err := p.CreateUser(ctx, "dev-0001", "Alice", "alice@example.com"); ignoreExisting(err) != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if _, err := p.CreateCard(ctx, "AA11", "dev-0001"); ignoreExisting(err) != nil {
		return fmt.Errorf("seed card AA11: %w", err)
	}
	if err := p.GrantDevice(ctx, "dev-0001", "front-door"); err != nil {
		return fmt.Errorf("seed grant: %w", err)
	}
	return nil
}

func ignoreExisting(err error) error {
	if errors.Is(err, errs.ErrAlreadyExists) {
		return nil
	}
	return err
}
