package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

func (s *Store) CreateDevice(ctx context.Context, name, location, secretHash string) (store.Device, error) {
	name = strings.TrimSpace(name)
	var d store.Device
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO devices(name, location, active, secret_hash, unlock_channel, created_at_ms)
VALUES (?, ?, 1, ?, ?, ?);
`, name, location, secretHash, store.UnlockChannel(name), s.now().UnixMilli())
		if err != nil {
			return mapConstraint(err, "CreateDevice")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("CreateDevice id: %w", err)
		}
		d, err = scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceCols+` FROM devices WHERE id = ?;`, id))
		return err
	})
	return d, err
}

func (s *Store) RenameDevice(ctx context.Context, oldName, newName string) (store.Device, error) {
	newName = strings.TrimSpace(newName)
	var d store.Device
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET name = ?, unlock_channel = ? WHERE name = ?;`,
			newName, store.UnlockChannel(newName), oldName)
		if err != nil {
			return mapConstraint(err, "RenameDevice")
		}
		if err := requireOne(res); err != nil {
			return err
		}
		d, err = (&txView{q: tx}).DeviceByName(ctx, newName)
		return err
	})
	return d, err
}

func (s *Store) ResetDeviceSecret(ctx context.Context, name, secretHash string) error {
	return s.exec(ctx, "ResetDeviceSecret",
		`UPDATE devices SET secret_hash = ? WHERE name = ?;`, secretHash, name)
}

func (s *Store) SetDeviceActive(ctx context.Context, name string, active bool) error {
	return s.exec(ctx, "SetDeviceActive",
		`UPDATE devices SET active = ? WHERE name = ?;`, boolInt(active), name)
}

func (s *Store) CreateUser(ctx context.Context, studentID, name, email string) (store.User, error) {
	studentID = strings.TrimSpace(studentID)
	var emailArg any
	if e := strings.TrimSpace(email); e != "" {
		emailArg = e
	}
	var u store.User
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO users(student_id, name, email, active, created_at_ms)
VALUES (?, ?, ?, 1, ?);
`, studentID, name, emailArg, s.now().UnixMilli())
		if err != nil {
			return mapConstraint(err, "CreateUser")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("CreateUser id: %w", err)
		}
		u, err = (&txView{q: tx}).UserByID(ctx, id)
		return err
	})
	return u, err
}

func (s *Store) SetUserActive(ctx context.Context, studentID string, active bool) error {
	return s.exec(ctx, "SetUserActive",
		`UPDATE users SET active = ? WHERE student_id = ?;`, boolInt(active), studentID)
}

func (s *Store) CreateCard(ctx context.Context, uid, studentID string) (store.Card, error) {
	uid = strings.TrimSpace(uid)
	var c store.Card
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var userID any
		if studentID != "" {
			var id int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM users WHERE student_id = ?;`, studentID).Scan(&id)
			if err != nil {
				return notFound(err, "CreateCard owner")
			}
			userID = id
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cards(uid, user_id, active) VALUES (?, ?, 1);`, uid, userID); err != nil {
			return mapConstraint(err, "CreateCard")
		}
		var err error
		c, err = (&txView{q: tx}).CardByUID(ctx, uid)
		return err
	})
	return c, err
}

func (s *Store) SetCardActive(ctx context.Context, uid string, active bool) error {
	return s.exec(ctx, "SetCardActive",
		`UPDATE cards SET active = ? WHERE uid = ?;`, boolInt(active), uid)
}

// GrantDevice is idempotent; a repeated grant keeps its original order.
func (s *Store) GrantDevice(ctx context.Context, studentID, deviceName string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var userID, deviceID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM users WHERE student_id = ?;`, studentID).Scan(&userID); err != nil {
			return notFound(err, "GrantDevice user")
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM devices WHERE name = ?;`, deviceName).Scan(&deviceID); err != nil {
			return notFound(err, "GrantDevice device")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_devices(user_id, device_id) VALUES (?, ?);`,
			userID, deviceID); err != nil {
			return fmt.Errorf("GrantDevice insert: %w", err)
		}
		return nil
	})
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return requireOne(res)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
