package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
)

// ErrInvalidCardUID is returned for an empty card uid.
var ErrInvalidCardUID = fmt.Errorf("card_uid is required: %w", errs.ErrInvalidInput)

// Decision is the outcome of one card read. UserName and StudentID are
// empty when no owner was resolved.
type Decision struct {
	Granted   bool
	Status    store.AccessStatus
	Message   string
	UserName  string
	StudentID string
}

type AccessDecisionEngine struct {
	store store.Store
	now   func() time.Time
}

func NewAccessDecisionEngine(st store.Store) *AccessDecisionEngine {
	return &AccessDecisionEngine{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Decide resolves cardUID against device and appends exactly one audit
// row. The decision and the row commit together; on a store fault neither
// is visible and the error is returned.
func (e *AccessDecisionEngine) Decide(ctx context.Context, cardUID string, device store.Device) (Decision, error) {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return Decision{}, ErrInvalidCardUID
	}

	var dec Decision
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var userID *int64
		var err error
		dec, userID, err = resolve(ctx, tx, cardUID, device)
		if err != nil {
			return err
		}
		return tx.AppendAccessLog(ctx, store.AccessLogRecord{
			Timestamp: e.now(),
			UserID:    userID,
			CardUID:   cardUID,
			Method:    store.MethodCardPresent,
			Status:    dec.Status,
			Details:   fmt.Sprintf("Device: %s | %s", device.Name, dec.Message),
		})
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decide: %w", err)
	}
	return dec, nil
}

// resolve applies the checks in order; the first failing one decides.
func resolve(ctx context.Context, tx store.Tx, cardUID string, device store.Device) (Decision, *int64, error) {
	card, err := tx.CardByUID(ctx, cardUID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return deny(store.StatusUnknownCard, "Unknown card"), nil, nil
	case err != nil:
		return Decision{}, nil, err
	case !card.Active:
		return deny(store.StatusUnknownCard, "Unknown card"), nil, nil
	case card.UserID == nil:
		return deny(store.StatusUnknownOwner, "Card has no owner"), nil, nil
	}

	user, err := tx.UserByID(ctx, *card.UserID)
	if errors.Is(err, errs.ErrNotFound) {
		return deny(store.StatusUnknownOwner, "Card has no owner"), nil, nil
	}
	if err != nil {
		return Decision{}, nil, err
	}
	uid := user.ID

	if !user.Active {
		d := deny(store.StatusDeniedUserInactive, "User inactive")
		d.UserName, d.StudentID = user.Name, user.StudentID
		return d, &uid, nil
	}

	ok, err := tx.UserCanAccess(ctx, user.ID, device.ID)
	if err != nil {
		return Decision{}, nil, err
	}
	if !ok {
		d := deny(store.StatusDeniedDevice, "No permission for this door")
		d.UserName, d.StudentID = user.Name, user.StudentID
		return d, &uid, nil
	}

	return Decision{
		Granted:   true,
		Status:    store.StatusSuccess,
		Message:   "Welcome, " + user.Name,
		UserName:  user.Name,
		StudentID: user.StudentID,
	}, &uid, nil
}

func deny(status store.AccessStatus, msg string) Decision {
	return Decision{Granted: false, Status: status, Message: msg}
}
