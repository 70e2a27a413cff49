package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

const insertDeviceSQL = `
INSERT INTO devices (name, location, active, secret_hash, unlock_channel, created_at)
VALUES ($1, $2, TRUE, $3, $4, $5)
RETURNING ` + deviceCols

func (s *Store) CreateDevice(ctx context.Context, name, location, secretHash string) (store.Device, error) {
	name = strings.TrimSpace(name)
	d, err := scanDevice(s.pool.QueryRow(ctx, insertDeviceSQL,
		name, location, secretHash, store.UnlockChannel(name), s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Device{}, errs.ErrAlreadyExists
		}
		return store.Device{}, fmt.Errorf("CreateDevice: %w", err)
	}
	return d, nil
}

const renameDeviceSQL = `
UPDATE devices SET name = $2, unlock_channel = $3
WHERE name = $1
RETURNING ` + deviceCols

func (s *Store) RenameDevice(ctx context.Context, oldName, newName string) (store.Device, error) {
	newName = strings.TrimSpace(newName)
	d, err := scanDevice(s.pool.QueryRow(ctx, renameDeviceSQL,
		oldName, newName, store.UnlockChannel(newName)))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Device{}, errs.ErrAlreadyExists
		}
		return store.Device{}, notFound(err, "RenameDevice")
	}
	return d, nil
}

func (s *Store) ResetDeviceSecret(ctx context.Context, name, secretHash string) error {
	return s.execOne(ctx, "ResetDeviceSecret",
		`UPDATE devices SET secret_hash = $2 WHERE name = $1`, name, secretHash)
}

func (s *Store) SetDeviceActive(ctx context.Context, name string, active bool) error {
	return s.execOne(ctx, "SetDeviceActive",
		`UPDATE devices SET active = $2 WHERE name = $1`, name, active)
}

const insertUserSQL = `
INSERT INTO users (student_id, name, email, active, created_at)
VALUES ($1, $2, $3, TRUE, $4)
RETURNING ` + userCols

func (s *Store) CreateUser(ctx context.Context, studentID, name, email string) (store.User, error) {
	var emailArg *string
	if e := strings.TrimSpace(email); e != "" {
		emailArg = &e
	}
	u, err := scanUser(s.pool.QueryRow(ctx, insertUserSQL,
		strings.TrimSpace(studentID), name, emailArg, s.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, errs.ErrAlreadyExists
		}
		return store.User{}, fmt.Errorf("CreateUser: %w", err)
	}
	return u, nil
}

func (s *Store) SetUserActive(ctx context.Context, studentID string, active bool) error {
	return s.execOne(ctx, "SetUserActive",
		`UPDATE users SET active = $2 WHERE student_id = $1`, studentID, active)
}

func (s *Store) CreateCard(ctx context.Context, uid, studentID string) (c store.Card, err error) {
	uid = strings.TrimSpace(uid)
	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var owner *int64
		if studentID != "" {
			var id int64
			if err := tx.QueryRow(ctx,
				`SELECT id FROM users WHERE student_id = $1`, studentID).Scan(&id); err != nil {
				return notFound(err, "CreateCard owner")
			}
			owner = &id
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO cards (uid, user_id, active) VALUES ($1, $2, TRUE) RETURNING id`,
			uid, owner).Scan(&c.ID); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return fmt.Errorf("CreateCard: %w", err)
		}
		c.UID = uid
		c.UserID = owner
		c.Active = true
		return nil
	})
	return c, err
}

func (s *Store) SetCardActive(ctx context.Context, uid string, active bool) error {
	return s.execOne(ctx, "SetCardActive",
		`UPDATE cards SET active = $2 WHERE uid = $1`, uid, active)
}

// GrantDevice is idempotent; a repeated grant keeps its original order.
func (s *Store) GrantDevice(ctx context.Context, studentID, deviceName string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var userID, deviceID int64
		if err := tx.QueryRow(ctx,
			`SELECT id FROM users WHERE student_id = $1`, studentID).Scan(&userID); err != nil {
			return notFound(err, "GrantDevice user")
		}
		if err := tx.QueryRow(ctx,
			`SELECT id FROM devices WHERE name = $1`, deviceName).Scan(&deviceID); err != nil {
			return notFound(err, "GrantDevice device")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_devices (user_id, device_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, deviceID); err != nil {
			return fmt.Errorf("GrantDevice insert: %w", err)
		}
		return nil
	})
}

func (s *Store) execOne(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
