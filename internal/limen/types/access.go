package types

import "time"

// AccessRequest is sent by a door controller for every card read.
type AccessRequest struct {
	DeviceID string `json:"device_id"`
	CardUID  string `json:"card_uid"`
}

// AccessResponse carries the decision back to the controller. Access is
// the field firmware acts on; anything else is display text.
type AccessResponse struct {
	Access    bool   `json:"access"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	UserName  string `json:"user_name"`
	StudentID string `json:"student_id"`
}

// AccessLogEntry is one audit row as listed over HTTP.
type AccessLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    *int64    `json:"user_id,omitempty"`
	CardUID   string    `json:"card_uid,omitempty"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	Details   string    `json:"details"`
}

// ErrorResponse is the envelope for every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
