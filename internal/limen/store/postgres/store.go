package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

type Store struct {
	pool PgxPool
	now  func() time.Time
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AccessLogReader = (*Store)(nil)
	_ store.Provisioner     = (*Store)(nil)
)

func New(pool PgxPool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// InTx runs fn in a read-committed transaction. User lookups inside fn take
// row locks, so two transactions on the same user serialize.
func (s *Store) InTx(ctx context.Context, fn store.TxFunc) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txView{q: tx, forUpdate: true})
	})
}

func (s *Store) view() *txView { return &txView{q: s.pool} }

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

const listLogsSQL = `
SELECT id, timestamp, user_id, card_uid, method, status, details
FROM access_logs
ORDER BY timestamp DESC, id DESC
LIMIT $1`

// ListAccessLogs returns up to limit rows, newest first.
func (s *Store) ListAccessLogs(ctx context.Context, limit int) ([]store.AccessLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, listLogsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("ListAccessLogs query: %w", err)
	}
	defer rows.Close()

	var out []store.AccessLogRecord
	for rows.Next() {
		var (
			rec     store.AccessLogRecord
			userID  sql.NullInt64
			cardUID sql.NullString
			method  string
			status  string
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &userID, &cardUID, &method, &status, &rec.Details); err != nil {
			return nil, fmt.Errorf("ListAccessLogs scan: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
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
	q         querier
	forUpdate bool
}

func (t *txView) lockSuffix() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const deviceCols = `id, name, location, active, secret_hash, unlock_channel, created_at`

func scanDevice(row pgx.Row) (store.Device, error) {
	var d store.Device
	if err := row.Scan(&d.ID, &d.Name, &d.Location, &d.Active, &d.SecretHash, &d.UnlockChannel, &d.CreatedAt); err != nil {
		return store.Device{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

const userCols = `id, student_id, name, email, chat_identity, active, pending_code, pending_code_expiry, pending_chat_identity, created_at`

func scanUser(row pgx.Row) (store.User, error) {
	var (
		u        store.User
		email    sql.NullString
		chatID   sql.NullString
		code     sql.NullString
		expiry   sql.NullTime
		pendChat sql.NullString
	)
	if err := row.Scan(&u.ID, &u.StudentID, &u.Name, &email, &chatID, &u.Active, &code, &expiry, &pendChat, &u.CreatedAt); err != nil {
		return store.User{}, err
	}
	u.Email = email.String
	u.ChatIdentity = chatID.String
	u.PendingCode = code.String
	if expiry.Valid {
		exp := expiry.Time.UTC()
		u.PendingCodeExpiry = &exp
	}
	u.PendingChatIdentity = pendChat.String
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (t *txView) DeviceByName(ctx context.Context, name string) (store.Device, error) {
	d, err := scanDevice(t.q.QueryRow(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE name = $1`, name))
	if err != nil {
		return store.Device{}, notFound(err, "DeviceByName")
	}
	return d, nil
}

func (t *txView) CardByUID(ctx context.Context, uid string) (store.Card, error) {
	var (
		c      store.Card
		userID sql.NullInt64
	)
	err := t.q.QueryRow(ctx,
		`SELECT id, uid, user_id, active FROM cards WHERE uid = $1`, uid,
	).Scan(&c.ID, &c.UID, &userID, &c.Active)
	if err != nil {
		return store.Card{}, notFound(err, "CardByUID")
	}
	if userID.Valid {
		id := userID.Int64
		c.UserID = &id
	}
	return c, nil
}

func (t *txView) UserByID(ctx context.Context, id int64) (store.User, error) {
	u, err := scanUser(t.q.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`+t.lockSuffix(), id))
	if err != nil {
		return store.User{}, notFound(err, "UserByID")
	}
	return u, nil
}

func (t *txView) UsersByEmail(ctx context.Context, email string) ([]store.User, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := t.q.Query(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1 ORDER BY id`+t.lockSuffix(), email)
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
	u, err := scanUser(t.q.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE chat_identity = $1`+t.lockSuffix(), chatID))
	if err != nil {
		return store.User{}, notFound(err, "UserByChatIdentity")
	}
	return u, nil
}

func (t *txView) UserByPendingCode(ctx context.Context, code string) (store.User, error) {
	if code == "" {
		return store.User{}, errs.ErrNotFound
	}
	u, err := scanUser(t.q.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE pending_code = $1 ORDER BY id LIMIT 1`+t.lockSuffix(), code))
	if err != nil {
		return store.User{}, notFound(err, "UserByPendingCode")
	}
	return u, nil
}

func (t *txView) UserByPendingChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	if chatID == "" {
		return store.User{}, errs.ErrNotFound
	}
	u, err := scanUser(t.q.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE pending_chat_identity = $1 AND pending_code IS NOT NULL ORDER BY id LIMIT 1`+t.lockSuffix(),
		chatID))
	if err != nil {
		return store.User{}, notFound(err, "UserByPendingChatIdentity")
	}
	return u, nil
}

const userDevicesSQL = `
SELECT d.id, d.name, d.location, d.active, d.secret_hash, d.unlock_channel, d.created_at
FROM user_devices ud
JOIN devices d ON d.id = ud.device_id
WHERE ud.user_id = $1
ORDER BY ud.id`

func (t *txView) UserDevices(ctx context.Context, userID int64) ([]store.Device, error) {
	rows, err := t.q.Query(ctx, userDevicesSQL, userID)
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
	var ok bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_devices WHERE user_id = $1 AND device_id = $2)`,
		userID, deviceID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("UserCanAccess: %w", err)
	}
	return ok, nil
}

// LockChatIdentity takes a transaction-scoped advisory lock keyed on the
// identity. Row locks alone cannot cover a bind where the identity is not
// yet on any row.
func (t *txView) LockChatIdentity(ctx context.Context, chatID string) error {
	if !t.forUpdate {
		return nil
	}
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chatID); err != nil {
		return fmt.Errorf("LockChatIdentity: %w", err)
	}
	return nil
}

const clearChatCodesSQL = `
UPDATE users
SET pending_code = NULL, pending_code_expiry = NULL, pending_chat_identity = NULL
WHERE pending_chat_identity = $1 AND id <> $2`

const setPendingCodeSQL = `
UPDATE users
SET pending_code = $2, pending_code_expiry = $3, pending_chat_identity = $4
WHERE id = $1`

func (t *txView) SetPendingCode(ctx context.Context, userID int64, chatID, code string, expiry time.Time) error {
	var chatArg *string
	if chatID != "" {
		if _, err := t.q.Exec(ctx, clearChatCodesSQL, chatID, userID); err != nil {
			return fmt.Errorf("SetPendingCode clear: %w", err)
		}
		chatArg = &chatID
	}
	tag, err := t.q.Exec(ctx, setPendingCodeSQL, userID, code, expiry.UTC(), chatArg)
	if err != nil {
		return fmt.Errorf("SetPendingCode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *txView) BindChatIdentity(ctx context.Context, userID int64, chatID string) error {
	tag, err := t.q.Exec(ctx, `
UPDATE users
SET chat_identity = $2, pending_code = NULL, pending_code_expiry = NULL, pending_chat_identity = NULL
WHERE id = $1`, userID, chatID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return fmt.Errorf("BindChatIdentity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *txView) ClearChatIdentity(ctx context.Context, chatID string) (bool, error) {
	if chatID == "" {
		return false, nil
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET chat_identity = NULL WHERE chat_identity = $1`, chatID)
	if err != nil {
		return false, fmt.Errorf("ClearChatIdentity: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const appendLogSQL = `
INSERT INTO access_logs (timestamp, user_id, card_uid, method, status, details)
VALUES ($1, $2, $3, $4, $5, $6)`

func (t *txView) AppendAccessLog(ctx context.Context, rec store.AccessLogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var cardUID *string
	if rec.CardUID != "" {
		cardUID = &rec.CardUID
	}
	if _, err := t.q.Exec(ctx, appendLogSQL,
		rec.Timestamp.UTC(), rec.UserID, cardUID, string(rec.Method), string(rec.Status), rec.Details,
	); err != nil {
		return fmt.Errorf("AppendAccessLog insert: %w", err)
	}
	return nil
}
