package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/credential"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/notify"
)

// BindStatus is the machine-readable outcome of a binding operation.
type BindStatus string

const (
	BindCodeSent            BindStatus = "CODE_SENT"
	BindAlreadyBound        BindStatus = "ALREADY_BOUND"
	BindEmailNotFound       BindStatus = "EMAIL_NOT_FOUND"
	BindEmailBoundElsewhere BindStatus = "EMAIL_BOUND_ELSEWHERE"
	BindCodeInvalid         BindStatus = "CODE_INVALID"
	BindCodeExpired         BindStatus = "CODE_EXPIRED"
	BindBound               BindStatus = "BOUND"
	BindUnbound             BindStatus = "UNBOUND"
	BindNotBound            BindStatus = "NOT_BOUND"
	BindRateLimited         BindStatus = "RATE_LIMITED"
)

// BindResult is echoed to the chat user; Message is display text.
type BindResult struct {
	Success bool
	Status  BindStatus
	Message string
}

// BindingStatus is the pure-read view of one chat identity.
type BindingStatus struct {
	Bound        bool
	UserName     string
	AwaitingCode bool
}

// CodeQueue accepts verification messages for out-of-band delivery.
type CodeQueue interface {
	Enqueue(ctx context.Context, m notify.Message) error
}

// Limiter bounds attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// enqueueTimeout bounds how long a code request waits on the mail queue.
const enqueueTimeout = 2 * time.Second

type BindingConfig struct {
	// CodeTTL is how long an issued code stays valid. Defaults to 3m.
	CodeTTL time.Duration
}

// BindingService runs the UNBOUND -> CODE_PENDING -> BOUND state machine.
// Every read-then-write runs inside one store transaction.
type BindingService struct {
	store   store.Store
	queue   CodeQueue
	limiter Limiter
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
	newCode func() (string, error)
}

func NewBindingService(st store.Store, q CodeQueue, lim Limiter, cfg BindingConfig, logger *zap.Logger) *BindingService {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BindingService{
		store:   st,
		queue:   q,
		limiter: lim,
		logger:  logger,
		ttl:     cfg.CodeTTL,
		now:     func() time.Time { return time.Now().UTC() },
		newCode: credential.NewVerificationCode,
	}
}

// Status reports whether chatID is bound and whether it has a live code
// outstanding. It never writes.
func (s *BindingService) Status(ctx context.Context, chatID string) (BindingStatus, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return BindingStatus{}, ErrInvalidChatIdentity
	}

	u, err := s.store.UserByChatIdentity(ctx, chatID)
	switch {
	case err == nil:
		return BindingStatus{Bound: true, UserName: u.Name}, nil
	case !errors.Is(err, errs.ErrNotFound):
		return BindingStatus{}, fmt.Errorf("binding status: %w", err)
	}

	p, err := s.store.UserByPendingChatIdentity(ctx, chatID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return BindingStatus{}, nil
	case err != nil:
		return BindingStatus{}, fmt.Errorf("binding status: %w", err)
	}
	live := p.HasPendingCode() && !s.now().After(*p.PendingCodeExpiry)
	return BindingStatus{AwaitingCode: live}, nil
}

// IsBound is Status reduced to its first field.
func (s *BindingService) IsBound(ctx context.Context, chatID string) (bool, error) {
	st, err := s.Status(ctx, chatID)
	return st.Bound, err
}

// ErrInvalidChatIdentity is returned for an empty chat identity.
var ErrInvalidChatIdentity = fmt.Errorf("chat identity is required: %w", errs.ErrInvalidInput)

// RequestCode issues a code for the account registered under email and
// queues it for delivery. A chat already bound to a different account is
// rejected before any write.
func (s *BindingService) RequestCode(ctx context.Context, chatID, email string) (BindResult, error) {
	chatID = strings.TrimSpace(chatID)
	email = strings.TrimSpace(email)
	if chatID == "" {
		return BindResult{}, ErrInvalidChatIdentity
	}
	if email == "" {
		return BindResult{}, fmt.Errorf("email is required: %w", errs.ErrInvalidInput)
	}
	if s.limited(ctx, "request-code:"+chatID) {
		return rateLimited(), nil
	}

	var (
		res    BindResult
		target store.User
		expiry time.Time
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockChatIdentity(ctx, chatID); err != nil {
			return err
		}
		bound, err := lookupOptional(tx.UserByChatIdentity(ctx, chatID))
		if err != nil {
			return err
		}
		users, err := tx.UsersByEmail(ctx, email)
		if err != nil {
			return err
		}
		if len(users) > 1 {
			s.logger.Warn("email matches several accounts", zap.Int("count", len(users)))
		}

		switch {
		case bound != nil && (len(users) != 1 || users[0].ID != bound.ID):
			res = BindResult{Status: BindAlreadyBound, Message: "You are already logged in. Use /logout first to switch accounts."}
			return nil
		case len(users) != 1:
			res = BindResult{Status: BindEmailNotFound, Message: "No account is registered under that email."}
			return nil
		case users[0].ChatIdentity != "" && users[0].ChatIdentity != chatID:
			res = BindResult{Status: BindEmailBoundElsewhere, Message: "That email is already bound to another chat account."}
			return nil
		}

		target = users[0]
		code, err := s.uniqueCode(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		expiry = s.now().Add(s.ttl)
		if err := tx.SetPendingCode(ctx, target.ID, chatID, code, expiry); err != nil {
			return err
		}
		target.PendingCode = code
		res = BindResult{
			Success: true,
			Status:  BindCodeSent,
			Message: fmt.Sprintf("A verification code was sent to %s. Reply with /code <code> within %d minutes.",
				email, int(s.ttl/time.Minute)),
		}
		return nil
	})
	if err != nil {
		return BindResult{}, fmt.Errorf("request code: %w", err)
	}

	if res.Status == BindCodeSent {
		// Delivery is detached from the binding: a failed enqueue is logged
		// and the persisted code stays valid.
		msg := notify.NewVerificationMessage(email, target.Name, target.PendingCode, expiry)
		enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cancel()
		if err := s.queue.Enqueue(enqCtx, msg); err != nil {
			s.logger.Error("verification email not queued",
				zap.Int64("user_id", target.ID), zap.Error(err))
		}
	}
	return res, nil
}

// uniqueCode draws codes until one is not held by another user.
func (s *BindingService) uniqueCode(ctx context.Context, tx store.Tx, userID int64) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		holder, err := lookupOptional(tx.UserByPendingCode(ctx, code))
		if err != nil {
			return "", err
		}
		if holder == nil || holder.ID == userID {
			return code, nil
		}
	}
	return "", errors.New("could not draw an unused verification code")
}

// VerifyCode consumes a code and binds chatID to its owner. Expiry is
// inclusive; an expired code is left in place.
func (s *BindingService) VerifyCode(ctx context.Context, chatID, code string) (BindResult, error) {
	chatID = strings.TrimSpace(chatID)
	code = credential.NormalizeCode(code)
	if chatID == "" {
		return BindResult{}, ErrInvalidChatIdentity
	}
	if s.limited(ctx, "verify-code:"+chatID) {
		return rateLimited(), nil
	}
	invalid := BindResult{Status: BindCodeInvalid, Message: "That verification code is not valid."}
	if code == "" {
		return invalid, nil
	}

	var res BindResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockChatIdentity(ctx, chatID); err != nil {
			return err
		}
		bound, err := lookupOptional(tx.UserByChatIdentity(ctx, chatID))
		if err != nil {
			return err
		}
		target, err := lookupOptional(tx.UserByPendingCode(ctx, code))
		if err != nil {
			return err
		}

		switch {
		case bound != nil && (target == nil || target.ID != bound.ID):
			res = BindResult{Status: BindAlreadyBound, Message: "You are already logged in."}
			return nil
		case target == nil:
			res = invalid
			return nil
		case target.PendingCodeExpiry == nil || s.now().After(*target.PendingCodeExpiry):
			res = BindResult{Status: BindCodeExpired, Message: "That code has expired. Use /login to request a new one."}
			return nil
		case target.ChatIdentity != "" && target.ChatIdentity != chatID:
			res = BindResult{Status: BindEmailBoundElsewhere, Message: "That account is already bound to another chat account."}
			return nil
		}

		if err := tx.BindChatIdentity(ctx, target.ID, chatID); err != nil {
			if errors.Is(err, errs.ErrAlreadyExists) {
				res = BindResult{Status: BindAlreadyBound, Message: "You are already logged in."}
				return nil
			}
			return err
		}
		res = BindResult{
			Success: true,
			Status:  BindBound,
			Message: fmt.Sprintf("Bound! Hello %s. You can now use /unlock.", target.Name),
		}
		return nil
	})
	if err != nil {
		return BindResult{}, fmt.Errorf("verify code: %w", err)
	}
	return res, nil
}

// Unbind clears chatID from whichever account holds it. Unbinding an
// identity that is not bound succeeds without side effects.
func (s *BindingService) Unbind(ctx context.Context, chatID string) (BindResult, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return BindResult{}, ErrInvalidChatIdentity
	}

	var changed bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockChatIdentity(ctx, chatID); err != nil {
			return err
		}
		var err error
		changed, err = tx.ClearChatIdentity(ctx, chatID)
		return err
	})
	if err != nil {
		return BindResult{}, fmt.Errorf("unbind: %w", err)
	}
	if !changed {
		return BindResult{Success: true, Status: BindNotBound, Message: "You were not logged in."}, nil
	}
	return BindResult{Success: true, Status: BindUnbound, Message: "Logged out. The chat is no longer bound."}, nil
}

// limited reports whether key is over budget. Limiter faults fail open.
func (s *BindingService) limited(ctx context.Context, key string) bool {
	if s.limiter == nil {
		return false
	}
	ok, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.Error(err))
		return false
	}
	return !ok
}

func rateLimited() BindResult {
	return BindResult{Status: BindRateLimited, Message: "Too many attempts. Please wait a minute and try again."}
}

// lookupOptional turns ErrNotFound into a nil user.
func lookupOptional(u store.User, err error) (*store.User, error) {
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
