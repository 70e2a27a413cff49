package chatgateway

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/limen/types"
)

const (
	helpText = "Limen door access\n\n" +
		"/login <email> - link this chat to your account\n" +
		"/code <code> - confirm the code sent to your email\n" +
		"/unlock [door] - open a door remotely\n" +
		"/logout - unlink this chat\n" +
		"/help - show this list"

	unavailableText = "The access service is unavailable. Please try again."
	unknownText     = "Unknown command. Send /help for the list of commands."
)

var codePattern = regexp.MustCompile(`^[0-9A-Fa-f]{6}$`)

// Router turns one chat message into one reply. Whether a bare message is
// a code answer is decided from the backend's status on every call, so a
// restart loses nothing.
type Router struct {
	backend Backend
	logger  *zap.Logger
}

func NewRouter(backend Backend, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{backend: backend, logger: logger}
}

// Handle returns the reply for text sent by chatID. Message text is never
// logged since it may be a verification code.
func (r *Router) Handle(ctx context.Context, chatID, text string) string {
	cmd, arg := parseCommand(text)
	switch cmd {
	case "/start", "/help":
		return helpText
	case "/login":
		return r.login(ctx, chatID, arg)
	case "/code":
		return r.code(ctx, chatID, arg)
	case "/unlock":
		return r.reply(r.backend.Unlock(ctx, chatID, arg))
	case "/logout":
		return r.reply(r.backend.Logout(ctx, chatID))
	case "":
		return r.bare(ctx, chatID, arg)
	default:
		return unknownText
	}
}

func (r *Router) login(ctx context.Context, chatID, email string) string {
	st, err := r.backend.CheckStatus(ctx, chatID)
	if err != nil {
		return r.fail("check-status", err)
	}
	if st.IsLoggedIn {
		return st.Message
	}
	if email == "" {
		return "Send /login followed by your registered email, for example /login alice@example.com"
	}
	return r.reply(r.backend.RequestCode(ctx, chatID, email))
}

func (r *Router) code(ctx context.Context, chatID, code string) string {
	st, err := r.backend.CheckStatus(ctx, chatID)
	if err != nil {
		return r.fail("check-status", err)
	}
	switch {
	case st.IsLoggedIn:
		return st.Message
	case code != "":
		return r.reply(r.backend.VerifyCode(ctx, chatID, code))
	case st.AwaitingCode:
		return "Reply with the 6-character code from your email."
	default:
		return "You have not requested a code yet. Use /login first."
	}
}

// bare handles text that is not a command: a code while one is pending,
// or an email while unbound.
func (r *Router) bare(ctx context.Context, chatID, text string) string {
	if text == "" {
		return unknownText
	}
	st, err := r.backend.CheckStatus(ctx, chatID)
	if err != nil {
		return r.fail("check-status", err)
	}
	switch {
	case st.IsLoggedIn:
		return unknownText
	case st.AwaitingCode && codePattern.MatchString(text):
		return r.reply(r.backend.VerifyCode(ctx, chatID, text))
	case strings.Contains(text, "@") && !strings.ContainsAny(text, " \t"):
		return r.reply(r.backend.RequestCode(ctx, chatID, text))
	default:
		return unknownText
	}
}

func (r *Router) reply(resp types.BotResponse, err error) string {
	if err != nil {
		return r.fail("backend call", err)
	}
	return resp.Message
}

func (r *Router) fail(op string, err error) string {
	r.logger.Warn("backend unavailable", zap.String("op", op), zap.Error(err))
	return unavailableText
}

// parseCommand splits "/cmd@bot arg" into "/cmd" and "arg". Plain text
// comes back with an empty command.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
