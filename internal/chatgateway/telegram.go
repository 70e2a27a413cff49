package chatgateway

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram long-polls for messages and answers each through a Router.
type Telegram struct {
	api    botAPI
	router *Router
	logger *zap.Logger
}

func NewTelegram(token string, router *Router, logger *zap.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newTelegram(api, router, logger), nil
}

func newTelegram(api botAPI, router *Router, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{api: api, router: router, logger: logger}
}

// Run answers messages until ctx is done.
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			t.handle(ctx, upd)
		}
	}
}

func (t *Telegram) handle(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	reply := t.router.Handle(ctx, strconv.FormatInt(chatID, 10), msg.Text)
	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, reply)); err != nil {
		t.logger.Warn("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
