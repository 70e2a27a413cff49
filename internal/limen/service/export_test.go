package service

import "time"

// SetClock replaces the time source used for expiry and audit timestamps.
func (s *BindingService) SetClock(now func() time.Time) { s.now = now }

// SetCodeSource replaces the verification code generator.
func (s *BindingService) SetCodeSource(gen func() (string, error)) { s.newCode = gen }

func (e *AccessDecisionEngine) SetClock(now func() time.Time) { e.now = now }

func (d *UnlockDispatcher) SetClock(now func() time.Time) { d.now = now }
