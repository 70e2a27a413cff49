package chatgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

type call struct {
	op, chatID, arg string
}

// fakeBackend answers from fixed state and records calls.
type fakeBackend struct {
	status types.BotStatusResponse
	err    error
	calls  []call
}

func (f *fakeBackend) CheckStatus(_ context.Context, chatID string) (types.BotStatusResponse, error) {
	f.calls = append(f.calls, call{"check-status", chatID, ""})
	return f.status, f.err
}

func (f *fakeBackend) RequestCode(_ context.Context, chatID, email string) (types.BotResponse, error) {
	f.calls = append(f.calls, call{"request-code", chatID, email})
	return types.BotResponse{Success: true, Message: "code sent"}, f.err
}

func (f *fakeBackend) VerifyCode(_ context.Context, chatID, code string) (types.BotResponse, error) {
	f.calls = append(f.calls, call{"verify-code", chatID, code})
	return types.BotResponse{Success: true, Message: "bound"}, f.err
}

func (f *fakeBackend) Unlock(_ context.Context, chatID, device string) (types.BotResponse, error) {
	f.calls = append(f.calls, call{"unlock", chatID, device})
	return types.BotResponse{Success: true, Message: "opened"}, f.err
}

func (f *fakeBackend) Logout(_ context.Context, chatID string) (types.BotResponse, error) {
	f.calls = append(f.calls, call{"logout", chatID, ""})
	return types.BotResponse{Success: true, Message: "bye"}, f.err
}

func (f *fakeBackend) last() call { return f.calls[len(f.calls)-1] }

func TestRouter_Commands(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		status types.BotStatusResponse
		text   string
		reply  string
		last   call
	}{
		{name: "help", text: "/help", reply: helpText},
		{name: "login with email", text: "/login alice@example.com", reply: "code sent",
			last: call{"request-code", "100", "alice@example.com"}},
		{name: "login while bound", status: types.BotStatusResponse{IsLoggedIn: true, Message: "already"},
			text: "/login alice@example.com", reply: "already", last: call{"check-status", "100", ""}},
		{name: "code with arg", text: "/code ab12cd", reply: "bound", last: call{"verify-code", "100", "ab12cd"}},
		{name: "bare code while awaiting", status: types.BotStatusResponse{AwaitingCode: true},
			text: " AB12CD ", reply: "bound", last: call{"verify-code", "100", "AB12CD"}},
		{name: "bare code while not awaiting", text: "AB12CD", reply: unknownText,
			last: call{"check-status", "100", ""}},
		{name: "bare email while unbound", text: "alice@example.com", reply: "code sent",
			last: call{"request-code", "100", "alice@example.com"}},
		{name: "unlock with door and bot suffix", text: "/unlock@LimenBot back-door", reply: "opened",
			last: call{"unlock", "100", "back-door"}},
		{name: "logout", text: "/logout", reply: "bye", last: call{"logout", "100", ""}},
		{name: "unknown command", text: "/dance", reply: unknownText},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			be := &fakeBackend{status: tc.status}
			r := NewRouter(be, nil)

			require.Equal(t, tc.reply, r.Handle(ctx, "100", tc.text))
			if tc.last.op == "" {
				require.Empty(t, be.calls)
				return
			}
			require.Equal(t, tc.last, be.last())
		})
	}
}

func TestRouter_CodeWithoutArg(t *testing.T) {
	be := &fakeBackend{status: types.BotStatusResponse{AwaitingCode: true}}
	r := NewRouter(be, nil)
	require.Contains(t, r.Handle(context.Background(), "100", "/code"), "6-character code")

	be.status = types.BotStatusResponse{}
	require.Contains(t, r.Handle(context.Background(), "100", "/code"), "/login first")
}

func TestRouter_BackendDown(t *testing.T) {
	be := &fakeBackend{err: errors.New("connection refused")}
	r := NewRouter(be, nil)
	require.Equal(t, unavailableText, r.Handle(context.Background(), "100", "/unlock"))
	require.Equal(t, unavailableText, r.Handle(context.Background(), "100", "/login a@b.c"))
}

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	var got types.BotRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/bot/verify-code" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Bot-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(types.BotResponse{Success: true, Message: "ok", Status: "BOUND"})
	}))
	defer ts.Close()

	resp, err := NewClient(ts.URL+"/", "tok", time.Second).VerifyCode(context.Background(), "100", "AB12CD")
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "BOUND", resp.Status)
	require.Equal(t, types.BotRequest{TelegramID: "100", Code: "AB12CD"}, got)

	_, err = NewClient(ts.URL, "wrong", time.Second).VerifyCode(context.Background(), "100", "AB12CD")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.Code)
	require.NotContains(t, err.Error(), "AB12CD")
}

type fakeTelegram struct {
	updates chan tgbotapi.Update
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	stopped bool
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegram) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegram_RepliesPerMessage(t *testing.T) {
	api := &fakeTelegram{updates: make(chan tgbotapi.Update, 2)}
	tg := newTelegram(api, NewRouter(&fakeBackend{}, nil), nil)

	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}, Text: "/logout"}}
	api.updates <- tgbotapi.Update{}
	close(api.updates)

	require.NoError(t, tg.Run(context.Background()))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.True(t, api.stopped)
	require.Len(t, api.sent, 1)
	require.Equal(t, int64(42), api.sent[0].ChatID)
	require.Equal(t, "bye", api.sent[0].Text)
}
