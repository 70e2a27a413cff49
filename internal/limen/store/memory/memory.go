// Package memory is an in-process credential store for tests and dev.
// A single mutex stands in for the row locking a relational store gives.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

type grant struct {
	seq      int64
	userID   int64
	deviceID int64
}

type state struct {
	devices map[int64]store.Device
	users   map[int64]store.User
	cards   map[int64]store.Card
	grants  []grant
	logs    []store.AccessLogRecord
	nextID  int64
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) clone() *state {
	c := &state{
		devices: make(map[int64]store.Device, len(s.devices)),
		users:   make(map[int64]store.User, len(s.users)),
		cards:   make(map[int64]store.Card, len(s.cards)),
		grants:  append([]grant(nil), s.grants...),
		logs:    append([]store.AccessLogRecord(nil), s.logs...),
		nextID:  s.nextID,
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.cards {
		c.cards[k] = v
	}
	return c
}

// Store implements store.Store, store.AccessLogReader and store.Provisioner.
type Store struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AccessLogReader = (*Store)(nil)
	_ store.Provisioner     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		st: &state{
			devices: make(map[int64]store.Device),
			users:   make(map[int64]store.User),
			cards:   make(map[int64]store.Card),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// InTx runs fn with exclusive access. Changes are discarded if fn fails.
func (s *Store) InTx(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read() *tx {
	return &tx{st: s.st}
}

func (s *Store) DeviceByName(ctx context.Context, name string) (store.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().DeviceByName(ctx, name)
}

func (s *Store) CardByUID(ctx context.Context, uid string) (store.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().CardByUID(ctx, uid)
}

func (s *Store) UserByID(ctx context.Context, id int64) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserByID(ctx, id)
}

func (s *Store) UsersByEmail(ctx context.Context, email string) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UsersByEmail(ctx, email)
}

func (s *Store) UserByChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserByChatIdentity(ctx, chatID)
}

func (s *Store) UserByPendingCode(ctx context.Context, code string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserByPendingCode(ctx, code)
}

func (s *Store) UserByPendingChatIdentity(ctx context.Context, chatID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserByPendingChatIdentity(ctx, chatID)
}

func (s *Store) UserDevices(ctx context.Context, userID int64) ([]store.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserDevices(ctx, userID)
}

func (s *Store) UserCanAccess(ctx context.Context, userID, deviceID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().UserCanAccess(ctx, userID, deviceID)
}

// ListAccessLogs returns the newest rows first.
func (s *Store) ListAccessLogs(_ context.Context, limit int) ([]store.AccessLogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.st.logs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]store.AccessLogRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.st.logs[i])
	}
	return out, nil
}

// AccessLogs returns every audit row in insertion order. Test-only helper.
func (s *Store) AccessLogs() []store.AccessLogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.AccessLogRecord, len(s.st.logs))
	copy(out, s.st.logs)
	return out
}

// tx operates on a state snapshot. Locking is done by the owning Store.
type tx struct {
	st *state
}

func (t *tx) DeviceByName(_ context.Context, name string) (store.Device, error) {
	for _, d := range t.st.devices {
		if d.Name == name {
			return d, nil
		}
	}
	return store.Device{}, errs.ErrNotFound
}

func (t *tx) CardByUID(_ context.Context, uid string) (store.Card, error) {
	for _, c := range t.st.cards {
		if c.UID == uid {
			return c, nil
		}
	}
	return store.Card{}, errs.ErrNotFound
}

func (t *tx) UserByID(_ context.Context, id int64) (store.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return store.User{}, errs.ErrNotFound
	}
	return u, nil
}

func (t *tx) UsersByEmail(_ context.Context, email string) ([]store.User, error) {
	var out []store.User
	for _, u := range t.st.users {
		if u.Email != "" && u.Email == email {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UserByChatIdentity(_ context.Context, chatID string) (store.User, error) {
	if chatID == "" {
		return store.User{}, errs.ErrNotFound
	}
	for _, u := range t.st.users {
		if u.ChatIdentity == chatID {
			return u, nil
		}
	}
	return store.User{}, errs.ErrNotFound
}

func (t *tx) UserByPendingCode(_ context.Context, code string) (store.User, error) {
	if code == "" {
		return store.User{}, errs.ErrNotFound
	}
	var (
		found store.User
		ok    bool
	)
	for _, u := range t.st.users {
		if u.PendingCode == code && (!ok || u.ID < found.ID) {
			found, ok = u, true
		}
	}
	if !ok {
		return store.User{}, errs.ErrNotFound
	}
	return found, nil
}

func (t *tx) UserByPendingChatIdentity(_ context.Context, chatID string) (store.User, error) {
	if chatID == "" {
		return store.User{}, errs.ErrNotFound
	}
	var (
		found store.User
		ok    bool
	)
	for _, u := range t.st.users {
		if u.PendingChatIdentity == chatID && u.HasPendingCode() && (!ok || u.ID < found.ID) {
			found, ok = u, true
		}
	}
	if !ok {
		return store.User{}, errs.ErrNotFound
	}
	return found, nil
}

func (t *tx) UserDevices(_ context.Context, userID int64) ([]store.Device, error) {
	gs := make([]grant, 0)
	for _, g := range t.st.grants {
		if g.userID == userID {
			gs = append(gs, g)
		}
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].seq < gs[j].seq })

	out := make([]store.Device, 0, len(gs))
	for _, g := range gs {
		if d, ok := t.st.devices[g.deviceID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *tx) UserCanAccess(_ context.Context, userID, deviceID int64) (bool, error) {
	for _, g := range t.st.grants {
		if g.userID == userID && g.deviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) LockChatIdentity(context.Context, string) error { return nil }

func (t *tx) SetPendingCode(_ context.Context, userID int64, chatID, code string, expiry time.Time) error {
	u, ok := t.st.users[userID]
	if !ok {
		return errs.ErrNotFound
	}
	for id, other := range t.st.users {
		if id != userID && chatID != "" && other.PendingChatIdentity == chatID {
			other.PendingCode = ""
			other.PendingCodeExpiry = nil
			other.PendingChatIdentity = ""
			t.st.users[id] = other
		}
	}
	exp := expiry.UTC()
	u.PendingCode = code
	u.PendingCodeExpiry = &exp
	u.PendingChatIdentity = chatID
	t.st.users[userID] = u
	return nil
}

func (t *tx) BindChatIdentity(_ context.Context, userID int64, chatID string) error {
	u, ok := t.st.users[userID]
	if !ok {
		return errs.ErrNotFound
	}
	for id, other := range t.st.users {
		if id != userID && other.ChatIdentity == chatID {
			return errs.ErrAlreadyExists
		}
	}
	u.ChatIdentity = chatID
	u.PendingCode = ""
	u.PendingCodeExpiry = nil
	u.PendingChatIdentity = ""
	t.st.users[userID] = u
	return nil
}

func (t *tx) ClearChatIdentity(_ context.Context, chatID string) (bool, error) {
	if chatID == "" {
		return false, nil
	}
	changed := false
	for id, u := range t.st.users {
		if u.ChatIdentity == chatID {
			u.ChatIdentity = ""
			t.st.users[id] = u
			changed = true
		}
	}
	return changed, nil
}

func (t *tx) AppendAccessLog(_ context.Context, rec store.AccessLogRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.ID = t.st.id()
	t.st.logs = append(t.st.logs, rec)
	return nil
}

// ── Provisioning ─────────────────────────────────────────────────────────────

func (s *Store) CreateDevice(_ context.Context, name, location, secretHash string) (store.Device, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.st.devices {
		if d.Name == name {
			return store.Device{}, errs.ErrAlreadyExists
		}
	}
	d := store.Device{
		ID:            s.st.id(),
		Name:          name,
		Location:      location,
		Active:        true,
		SecretHash:    secretHash,
		UnlockChannel: store.UnlockChannel(name),
		CreatedAt:     s.now(),
	}
	s.st.devices[d.ID] = d
	return d, nil
}

func (s *Store) RenameDevice(_ context.Context, oldName, newName string) (store.Device, error) {
	newName = strings.TrimSpace(newName)
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *store.Device
	for _, d := range s.st.devices {
		if d.Name == newName && d.Name != oldName {
			return store.Device{}, errs.ErrAlreadyExists
		}
		if d.Name == oldName {
			dc := d
			target = &dc
		}
	}
	if target == nil {
		return store.Device{}, errs.ErrNotFound
	}
	target.Name = newName
	target.UnlockChannel = store.UnlockChannel(newName)
	s.st.devices[target.ID] = *target
	return *target, nil
}

func (s *Store) ResetDeviceSecret(_ context.Context, name, secretHash string) error {
	return s.updateDevice(name, func(d *store.Device) { d.SecretHash = secretHash })
}

func (s *Store) SetDeviceActive(_ context.Context, name string, active bool) error {
	return s.updateDevice(name, func(d *store.Device) { d.Active = active })
}

func (s *Store) updateDevice(name string, fn func(*store.Device)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.st.devices {
		if d.Name == name {
			fn(&d)
			s.st.devices[id] = d
			return nil
		}
	}
	return errs.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, studentID, name, email string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.st.users {
		if u.StudentID == studentID {
			return store.User{}, errs.ErrAlreadyExists
		}
	}
	u := store.User{
		ID:        s.st.id(),
		StudentID: studentID,
		Name:      name,
		Email:     strings.TrimSpace(email),
		Active:    true,
		CreatedAt: s.now(),
	}
	s.st.users[u.ID] = u
	return u, nil
}

func (s *Store) SetUserActive(_ context.Context, studentID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.st.users {
		if u.StudentID == studentID {
			u.Active = active
			s.st.users[id] = u
			return nil
		}
	}
	return errs.ErrNotFound
}

func (s *Store) CreateCard(_ context.Context, uid, studentID string) (store.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.st.cards {
		if c.UID == uid {
			return store.Card{}, errs.ErrAlreadyExists
		}
	}
	c := store.Card{UID: uid, Active: true}
	if studentID != "" {
		owner, ok := s.userByStudentID(studentID)
		if !ok {
			return store.Card{}, errs.ErrNotFound
		}
		c.UserID = &owner.ID
	}
	c.ID = s.st.id()
	s.st.cards[c.ID] = c
	return c, nil
}

func (s *Store) SetCardActive(_ context.Context, uid string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.st.cards {
		if c.UID == uid {
			c.Active = active
			s.st.cards[id] = c
			return nil
		}
	}
	return errs.ErrNotFound
}

func (s *Store) GrantDevice(_ context.Context, studentID, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.userByStudentID(studentID)
	if !ok {
		return errs.ErrNotFound
	}
	var dev *store.Device
	for _, d := range s.st.devices {
		if d.Name == deviceName {
			dc := d
			dev = &dc
		}
	}
	if dev == nil {
		return errs.ErrNotFound
	}
	for _, g := range s.st.grants {
		if g.userID == u.ID && g.deviceID == dev.ID {
			return nil
		}
	}
	s.st.grants = append(s.st.grants, grant{seq: s.st.id(), userID: u.ID, deviceID: dev.ID})
	return nil
}

func (s *Store) userByStudentID(studentID string) (store.User, bool) {
	for _, u := range s.st.users {
		if u.StudentID == studentID {
			return u, true
		}
	}
	return store.User{}, false
}
