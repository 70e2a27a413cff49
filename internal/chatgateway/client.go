// Package chatgateway bridges a chat protocol to the backend's bot
// endpoints. It holds no binding state of its own.
package chatgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

// Backend is the bot surface of the access server.
type Backend interface {
	CheckStatus(ctx context.Context, chatID string) (types.BotStatusResponse, error)
	RequestCode(ctx context.Context, chatID, email string) (types.BotResponse, error)
	VerifyCode(ctx context.Context, chatID, code string) (types.BotResponse, error)
	Unlock(ctx context.Context, chatID, device string) (types.BotResponse, error)
	Logout(ctx context.Context, chatID string) (types.BotResponse, error)
}

// Client calls the bot endpoints over HTTP with the shared bot token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Backend = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) CheckStatus(ctx context.Context, chatID string) (types.BotStatusResponse, error) {
	var out types.BotStatusResponse
	err := c.post(ctx, "check-status", types.BotRequest{TelegramID: chatID}, &out)
	return out, err
}

func (c *Client) RequestCode(ctx context.Context, chatID, email string) (types.BotResponse, error) {
	var out types.BotResponse
	err := c.post(ctx, "request-code", types.BotRequest{TelegramID: chatID, Email: email}, &out)
	return out, err
}

func (c *Client) VerifyCode(ctx context.Context, chatID, code string) (types.BotResponse, error) {
	var out types.BotResponse
	err := c.post(ctx, "verify-code", types.BotRequest{TelegramID: chatID, Code: code}, &out)
	return out, err
}

func (c *Client) Unlock(ctx context.Context, chatID, device string) (types.BotResponse, error) {
	var out types.BotResponse
	err := c.post(ctx, "unlock", types.BotRequest{TelegramID: chatID, Device: device}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, chatID string) (types.BotResponse, error) {
	var out types.BotResponse
	err := c.post(ctx, "logout", types.BotRequest{TelegramID: chatID}, &out)
	return out, err
}

// StatusError is a non-200 reply from the backend.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bot %s: backend returned %d", e.Endpoint, e.Code)
}

// post never includes the request body in its errors; it may hold a code.
func (c *Client) post(ctx context.Context, endpoint string, body types.BotRequest, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bot %s: encode: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/bot/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("bot %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bot-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bot %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bot %s: decode: %w", endpoint, err)
	}
	return nil
}
