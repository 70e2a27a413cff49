// Package sqlite is the SQLite-backed credential store. Reads go straight to
// the pool; every transaction runs on the single-writer db.Worker.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Limen/server/internal/db"
	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AccessLogReader = (*Store)(nil)
	_ store.Provisioner     = (*Store)(nil)
)

func New(db *sql.DB, writer *dbpkg.Worker) *Store {
	return &Store{
		db:     db,
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) InTx(ctx context.Context, fn store.TxFunc) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &txView{q: tx})
	})
}

func (s *Store) view() *txView { return &txView{q: s.db} }

func (s *Store) DeviceByName(ctx context.Context, name string) (store.Device, error) {
	return s.view().DeviceByName(ctx, name)
}

func (s *Store) CardByUID(ctx context.Context, uid string) (store.Card, error) {
	return s.view().CardByUID(ctx, uid)
}

func (s *Store) UserByID(ctx context.Context, id int64) (store.User, error) {
	return s.view().UserByID(ctx, id)
}

func (s *Store) UsersByEmail(ctx context.Context, email string) ([]store.User, error) {
	return s.view().UsersByEmail(ctx, email)
}

func (s *Store) UserByChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	return s.view().UserByChatIdentity(ctx, chatID)
}

func (s *Store) UserByPendingCode(ctx context.Context, code string) (store.User, error) {
	return s.view().UserByPendingCode(ctx, code)
}

func (s *Store) UserByPendingChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	return s.view().UserByPendingChatIdentity(ctx, chatID)
}

func (s *Store) UserDevices(ctx context.Context, userID int64) ([]store.Device, error) {
	return s.view().UserDevices(ctx, userID)
}

func (s *Store) UserCanAccess(ctx context.Context, userID, deviceID int64) (bool, error) {
	return s.view().UserCanAccess(ctx, userID, deviceID)
}

// ListAccessLogs returns up to limit rows, newest first.
func (s *Store) ListAccessLogs(ctx context.Context, limit int) ([]store.AccessLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp_ms, user_id, card_uid, method, status, details
FROM access_logs
ORDER BY timestamp_ms DESC, id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListAccessLogs query: %w", err)
	}
	defer rows.Close()

	var out []store.AccessLogRecord
	for rows.Next() {
		var (
			rec     store.AccessLogRecord
			tsMs    int64
			userID  sql.NullInt64
			cardUID sql.NullString
			method  string
			status  string
		)
		if err := rows.Scan(&rec.ID, &tsMs, &userID, &cardUID, &method, &status, &rec.Details); err != nil {
			return nil, fmt.Errorf("ListAccessLogs scan: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMs).UTC()
		if userID.Valid {
			id := userID.Int64
			rec.UserID = &id
		}
		rec.CardUID = cardUID.String
		rec.Method = store.AccessMethod(method)
		rec.Status = store.AccessStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── Transactional view ──────────────────────────────────────────────────────

type txView struct {
	q querier
}

const deviceCols = `id, name, location, active, secret_hash, unlock_channel, created_at_ms`

func scanDevice(row interface{ Scan(...any) error }) (store.Device, error) {
	var (
		d      store.Device
		active int
		ms     int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Location, &active, &d.SecretHash, &d.UnlockChannel, &ms); err != nil {
		return store.Device{}, err
	}
	d.Active = active == 1
	d.CreatedAt = time.UnixMilli(ms).UTC()
	return d, nil
}

const userCols = `id, student_id, name, email, chat_identity, active, pending_code, pending_code_expiry_ms, pending_chat_identity, created_at_ms`

func scanUser(row interface{ Scan(...any) error }) (store.User, error) {
	var (
		u         store.User
		email     sql.NullString
		chatID    sql.NullString
		active    int
		code      sql.NullString
		expiryMs  sql.NullInt64
		pendChat  sql.NullString
		createdMs int64
	)
	if err := row.Scan(&u.ID, &u.StudentID, &u.Name, &email, &chatID, &active, &code, &expiryMs, &pendChat, &createdMs); err != nil {
		return store.User{}, err
	}
	u.Email = email.String
	u.ChatIdentity = chatID.String
	u.Active = active == 1
	u.PendingCode = code.String
	if expiryMs.Valid {
		exp := time.UnixMilli(expiryMs.Int64).UTC()
		u.PendingCodeExpiry = &exp
	}
	u.PendingChatIdentity = pendChat.String
	u.CreatedAt = time.UnixMilli(createdMs).UTC()
	return u, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (t *txView) DeviceByName(ctx context.Context, name string) (store.Device, error) {
	d, err := scanDevice(t.q.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE name = ?;`, name))
	if err != nil {
		return store.Device{}, notFound(err, "DeviceByName")
	}
	return d, nil
}

func (t *txView) CardByUID(ctx context.Context, uid string) (store.Card, error) {
	var (
		c      store.Card
		userID sql.NullInt64
		active int
	)
	err := t.q.QueryRowContext(ctx,
		`SELECT id, uid, user_id, active FROM cards WHERE uid = ?;`, uid,
	).Scan(&c.ID, &c.UID, &userID, &active)
	if err != nil {
		return store.Card{}, notFound(err, "CardByUID")
	}
	if userID.Valid {
		id := userID.Int64
		c.UserID = &id
	}
	c.Active = active == 1
	return c, nil
}

func (t *txView) UserByID(ctx context.Context, id int64) (store.User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?;`, id))
	if err != nil {
		return store.User{}, notFound(err, "UserByID")
	}
	return u, nil
}

func (t *txView) UsersByEmail(ctx context.Context, email string) ([]store.User, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ? ORDER BY id;`, email)
	if err != nil {
		return nil, fmt.Errorf("UsersByEmail query: %w", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("UsersByEmail scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *txView) UserByChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	if chatID == "" {
		return store.User{}, errs.ErrNotFound
	}
	u, err := scanUser(t.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE chat_identity = ?;`, chatID))
	if err != nil {
		return store.User{}, notFound(err, "UserByChatIdentity")
	}
	return u, nil
}

func (t *txView) UserByPendingCode(ctx context.Context, code string) (store.User, error) {
	if code == "" {
		return store.User{}, errs.ErrNotFound
	}
	u, err := scanUser(t.q.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE pending_code = ? ORDER BY id LIMIT 1;`, code))
	if err != nil {
		return store.User{}, notFound(err, "UserByPendingCode")
	}
	return u, nil
}

func (t *txView) UserByPendingChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	if chatID == "" {
		return store.User{}, errs.ErrNotFound
	}
	u, err := scanUser(t.q.QueryRowContext(ctx, `
SELECT `+userCols+` FROM users
WHERE pending_chat_identity = ? AND pending_code IS NOT NULL
ORDER BY id LIMIT 1;
`, chatID))
	if err != nil {
		return store.User{}, notFound(err, "UserByPendingChatIdentity")
	}
	return u, nil
}

func (t *txView) UserDevices(ctx context.Context, userID int64) ([]store.Device, error) {
	rows, err := t.q.QueryContext(ctx, `
SELECT d.id, d.name, d.location, d.active, d.secret_hash, d.unlock_channel, d.created_at_ms
FROM user_devices ud
JOIN devices d ON d.id = ud.device_id
WHERE ud.user_id = ?
ORDER BY ud.id;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("UserDevices query: %w", err)
	}
	defer rows.Close()

	var out []store.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("UserDevices scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *txView) UserCanAccess(ctx context.Context, userID, deviceID int64) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_devices WHERE user_id = ? AND device_id = ?;`,
		userID, deviceID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("UserCanAccess: %w", err)
	}
	return n > 0, nil
}

// LockChatIdentity is a no-op: the Worker already serializes every
// transaction against this database.
func (t *txView) LockChatIdentity(context.Context, string) error { return nil }

func (t *txView) SetPendingCode(ctx context.Context, userID int64, chatID, code string, expiry time.Time) error {
	if chatID != "" {
		if _, err := t.q.ExecContext(ctx, `
UPDATE users
SET pending_code = NULL, pending_code_expiry_ms = NULL, pending_chat_identity = NULL
WHERE pending_chat_identity = ? AND id <> ?;
`, chatID, userID); err != nil {
			return fmt.Errorf("SetPendingCode clear: %w", err)
		}
	}
	var chatArg any
	if chatID != "" {
		chatArg = chatID
	}
	res, err := t.q.ExecContext(ctx, `
UPDATE users
SET pending_code = ?, pending_code_expiry_ms = ?, pending_chat_identity = ?
WHERE id = ?;
`, code, expiry.UTC().UnixMilli(), chatArg, userID)
	if err != nil {
		return fmt.Errorf("SetPendingCode: %w", err)
	}
	return requireOne(res)
}

func (t *txView) BindChatIdentity(ctx context.Context, userID int64, chatID string) error {
	res, err := t.q.ExecContext(ctx, `
UPDATE users
SET chat_identity = ?, pending_code = NULL, pending_code_expiry_ms = NULL, pending_chat_identity = NULL
WHERE id = ?;
`, chatID, userID)
	if err != nil {
		return mapConstraint(err, "BindChatIdentity")
	}
	return requireOne(res)
}

func (t *txView) ClearChatIdentity(ctx context.Context, chatID string) (bool, error) {
	if chatID == "" {
		return false, nil
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE users SET chat_identity = NULL WHERE chat_identity = ?;`, chatID)
	if err != nil {
		return false, fmt.Errorf("ClearChatIdentity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ClearChatIdentity rows: %w", err)
	}
	return n > 0, nil
}

func (t *txView) AppendAccessLog(ctx context.Context, rec store.AccessLogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var userID, cardUID any
	if rec.UserID != nil {
		userID = *rec.UserID
	}
	if rec.CardUID != "" {
		cardUID = rec.CardUID
	}
	if _, err := t.q.ExecContext(ctx, `
INSERT INTO access_logs(timestamp_ms, user_id, card_uid, method, status, details)
VALUES (?, ?, ?, ?, ?, ?);
`, rec.Timestamp.UTC().UnixMilli(), userID, cardUID, string(rec.Method), string(rec.Status), rec.Details); err != nil {
		return fmt.Errorf("AppendAccessLog insert: %w", err)
	}
	return nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// mapConstraint turns a SQLite unique violation into errs.ErrAlreadyExists.
func mapConstraint(err error, what string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errs.ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", what, err)
}
