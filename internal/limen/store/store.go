package store

import (
	"context"
	"time"
)

// Reader holds the lookups used by the decision and binding paths. Every
// method returns errs.ErrNotFound when the row is absent.
type Reader interface {
	DeviceByName(ctx context.Context, name string) (Device, error)
	CardByUID(ctx context.Context, uid string) (Card, error)
	UserByID(ctx context.Context, id int64) (User, error)
	// UsersByEmail returns every user registered under email. Email is not
	// unique, so callers decide what an ambiguous match means.
	UsersByEmail(ctx context.Context, email string) ([]User, error)
	UserByChatIdentity(ctx context.Context, chatID string) (User, error)
	UserByPendingCode(ctx context.Context, code string) (User, error)
	// UserByPendingChatIdentity returns the user holding a code that chatID
	// requested, expired or not.
	UserByPendingChatIdentity(ctx context.Context, chatID string) (User, error)
	// UserDevices returns the devices a user may open in grant order.
	// The order is stable for a given store.
	UserDevices(ctx context.Context, userID int64) ([]Device, error)
	UserCanAccess(ctx context.Context, userID, deviceID int64) (bool, error)
}

// Tx is a Reader plus the mutations the core is allowed to make. All calls
// on one Tx commit or roll back together.
type Tx interface {
	Reader

	// LockChatIdentity serializes concurrent transactions that act on the
	// same chat identity, even when they touch different user rows.
	LockChatIdentity(ctx context.Context, chatID string) error

	// SetPendingCode stores a code requested by chatID on userID and drops
	// any other code the same chat requested, so a chat has at most one.
	SetPendingCode(ctx context.Context, userID int64, chatID, code string, expiry time.Time) error
	// BindChatIdentity sets the identity and clears the pending code
	// fields. Returns errs.ErrAlreadyExists if the identity is taken.
	BindChatIdentity(ctx context.Context, userID int64, chatID string) error
	// ClearChatIdentity unbinds chatID and reports whether a row changed.
	ClearChatIdentity(ctx context.Context, chatID string) (bool, error)
	AppendAccessLog(ctx context.Context, rec AccessLogRecord) error
}

// TxFunc is the unit of work passed to Store.InTx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the credential store consumed by the services. InTx is the only
// serialization point for read-then-write sequences.
type Store interface {
	Reader
	InTx(ctx context.Context, fn TxFunc) error
}

// AccessLogReader exposes the audit trail read-only.
type AccessLogReader interface {
	ListAccessLogs(ctx context.Context, limit int) ([]AccessLogRecord, error)
}

// Provisioner is the narrow write surface used by seeding and the
// provisioning CLI. The decision core never calls it.
type Provisioner interface {
	CreateDevice(ctx context.Context, name, location, secretHash string) (Device, error)
	// RenameDevice changes the name and recomputes the unlock channel in
	// the same statement.
	RenameDevice(ctx context.Context, oldName, newName string) (Device, error)
	ResetDeviceSecret(ctx context.Context, name, secretHash string) error
	SetDeviceActive(ctx context.Context, name string, active bool) error
	CreateUser(ctx context.Context, studentID, name, email string) (User, error)
	SetUserActive(ctx context.Context, studentID string, active bool) error
	// CreateCard registers a card; an empty studentID leaves it orphaned.
	CreateCard(ctx context.Context, uid, studentID string) (Card, error)
	SetCardActive(ctx context.Context, uid string, active bool) error
	GrantDevice(ctx context.Context, studentID, deviceName string) error
}

// Backend is the full surface every concrete store provides.
type Backend interface {
	Store
	AccessLogReader
	Provisioner
}
