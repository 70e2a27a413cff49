package httpapi

import (
	"errors"
	"net/http"

	"github.com/BrandonDHaskell/Limen/server/internal/errs"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

// readBotRequest decodes the body and requires telegram_id. It writes the
// 400 itself and reports false when the request is unusable.
func readBotRequest(w http.ResponseWriter, r *http.Request) (types.BotRequest, bool) {
	var req types.BotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return req, false
	}
	if req.TelegramID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "telegram_id is required")
		return req, false
	}
	return req, true
}

// botFault maps a service error to a response. Invalid input is the
// caller's problem; everything else is ours.
func (s *Server) botFault(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, errs.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing or empty field")
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) handleBotCheckStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readBotRequest(w, r)
	if !ok {
		return
	}
	st, err := s.binding.Status(r.Context(), req.TelegramID)
	if err != nil {
		s.botFault(w, r, "bot check-status", err)
		return
	}
	writeJSON(w, http.StatusOK, botStatusResponse(st))
}

func (s *Server) handleBotRequestCode(w http.ResponseWriter, r *http.Request) {
	req, ok := readBotRequest(w, r)
	if !ok {
		return
	}
	res, err := s.binding.RequestCode(r.Context(), req.TelegramID, req.Email)
	if err != nil {
		s.botFault(w, r, "bot request-code", err)
		return
	}
	writeJSON(w, http.StatusOK, botResponseFromBind(res))
}

func (s *Server) handleBotVerifyCode(w http.ResponseWriter, r *http.Request) {
	req, ok := readBotRequest(w, r)
	if !ok {
		return
	}
	res, err := s.binding.VerifyCode(r.Context(), req.TelegramID, req.Code)
	if err != nil {
		s.botFault(w, r, "bot verify-code", err)
		return
	}
	writeJSON(w, http.StatusOK, botResponseFromBind(res))
}

func (s *Server) handleBotUnlock(w http.ResponseWriter, r *http.Request) {
	req, ok := readBotRequest(w, r)
	if !ok {
		return
	}
	res, err := s.unlocker.Unlock(r.Context(), req.TelegramID, req.Device)
	if err != nil {
		s.botFault(w, r, "bot unlock", err)
		return
	}
	writeJSON(w, http.StatusOK, botResponseFromUnlock(res))
}

func (s *Server) handleBotLogout(w http.ResponseWriter, r *http.Request) {
	req, ok := readBotRequest(w, r)
	if !ok {
		return
	}
	res, err := s.binding.Unbind(r.Context(), req.TelegramID)
	if err != nil {
		s.botFault(w, r, "bot logout", err)
		return
	}
	writeJSON(w, http.StatusOK, botResponseFromBind(res))
}
