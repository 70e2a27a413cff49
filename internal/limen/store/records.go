package store

import "time"

// Device is a door controller. SecretHash is an argon2id encoding of the
// bearer secret the unit presents; the plaintext is never stored.
type Device struct {
	ID            int64
	Name          string
	Location      string
	Active        bool
	SecretHash    string
	UnlockChannel string
	CreatedAt     time.Time
}

// User is a person who may hold cards and a bound chat identity.
// PendingCode and PendingCodeExpiry are either both set or both empty.
// PendingChatIdentity records which chat asked for the pending code.
type User struct {
	ID                  int64
	StudentID           string
	Name                string
	Email               string
	ChatIdentity        string
	Active              bool
	PendingCode         string
	PendingCodeExpiry   *time.Time
	PendingChatIdentity string
	CreatedAt           time.Time
}

// Bound reports whether a chat identity is linked to the account.
func (u User) Bound() bool { return u.ChatIdentity != "" }

// HasPendingCode reports whether a verification code has been issued and
// not yet consumed. It says nothing about expiry.
func (u User) HasPendingCode() bool {
	return u.PendingCode != "" && u.PendingCodeExpiry != nil
}

// Card is an RFID credential. A nil UserID is a valid orphaned card.
type Card struct {
	ID     int64
	UID    string
	UserID *int64
	Active bool
}

// AccessMethod identifies how an access attempt entered the system.
type AccessMethod string

const (
	MethodCardPresent AccessMethod = "card-present"
	MethodRemoteChat  AccessMethod = "remote-chat"
)

// AccessStatus is the outcome taxonomy recorded on every audit row.
type AccessStatus string

const (
	StatusUnknownCard        AccessStatus = "UNKNOWN_CARD"
	StatusUnknownOwner       AccessStatus = "UNKNOWN_OWNER"
	StatusDeniedUserInactive AccessStatus = "DENIED_USER_INACTIVE"
	StatusDeniedDevice       AccessStatus = "DENIED_DEVICE"
	StatusSuccess            AccessStatus = "SUCCESS"
)

// AccessLogRecord is one immutable audit row. Empty CardUID and nil UserID
// are persisted as NULL.
type AccessLogRecord struct {
	ID        int64
	Timestamp time.Time
	UserID    *int64
	CardUID   string
	Method    AccessMethod
	Status    AccessStatus
	Details   string
}

// UnlockChannel derives the pub/sub topic a device listens on for remote
// open commands. Publishers and subscribers must both use this.
func UnlockChannel(deviceName string) string {
	return "door/" + deviceName
}
