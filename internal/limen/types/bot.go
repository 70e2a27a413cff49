package types

// BotRequest is the body of every bot endpoint. Only the fields an
// endpoint needs are read.
type BotRequest struct {
	TelegramID string `json:"telegram_id"`
	Email      string `json:"email,omitempty"`
	Code       string `json:"code,omitempty"`
	Device     string `json:"device,omitempty"`
}

// BotResponse is echoed to the chat user as-is.
type BotResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
	Device  string `json:"device,omitempty"`
}

// BotStatusResponse answers check-status.
type BotStatusResponse struct {
	IsLoggedIn   bool   `json:"is_logged_in"`
	AwaitingCode bool   `json:"awaiting_code"`
	UserName     string `json:"user_name,omitempty"`
	Message      string `json:"message"`
}
