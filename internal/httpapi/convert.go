package httpapi

import (
	"github.com/BrandonDHaskell/Limen/server/internal/limen/service"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

// ── Access ───────────────────────────────────────────────────────────────────

func accessResponseFromDecision(d service.Decision) types.AccessResponse {
	return types.AccessResponse{
		Access:    d.Granted,
		Status:    string(d.Status),
		Message:   d.Message,
		UserName:  d.UserName,
		StudentID: d.StudentID,
	}
}

func accessLogEntries(recs []store.AccessLogRecord) []types.AccessLogEntry {
	out := make([]types.AccessLogEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.AccessLogEntry{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			UserID:    r.UserID,
			CardUID:   r.CardUID,
			Method:    string(r.Method),
			Status:    string(r.Status),
			Details:   r.Details,
		})
	}
	return out
}

// ── Bot ──────────────────────────────────────────────────────────────────────

func botResponseFromBind(r service.BindResult) types.BotResponse {
	return types.BotResponse{
		Success: r.Success,
		Message: r.Message,
		Status:  string(r.Status),
	}
}

func botResponseFromUnlock(r service.UnlockResult) types.BotResponse {
	return types.BotResponse{
		Success: r.Success,
		Message: r.Message,
		Status:  string(r.Status),
		Device:  r.Device,
	}
}

func botStatusResponse(s service.BindingStatus) types.BotStatusResponse {
	resp := types.BotStatusResponse{
		IsLoggedIn:   s.Bound,
		AwaitingCode: s.AwaitingCode,
		UserName:     s.UserName,
	}
	switch {
	case s.Bound:
		resp.Message = "You are logged in as " + s.UserName + ". Use /logout to switch accounts."
	case s.AwaitingCode:
		resp.Message = "A verification code is waiting. Reply with /code <code>."
	default:
		resp.Message = "Not logged in."
	}
	return resp
}
