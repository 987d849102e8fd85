package deliver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegram captions are capped by the Bot API.
const maxCaptionLength = 1024

// TelegramSender is the subset of the bot API used for delivery.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends answers to chats through a bot.
type Telegram struct {
	bot TelegramSender
}

// NewTelegram creates a Telegram transport. The token is checked against the API.
func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot), nil
}

// NewTelegramWithSender creates a Telegram transport with a custom sender for testing
func NewTelegramWithSender(bot TelegramSender) *Telegram {
	return &Telegram{bot: bot}
}

// Send posts the answer, as a photo caption when a screenshot is attached.
func (t *Telegram) Send(ctx context.Context, to Recipient, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chattable, err := t.build(to.Address, msg)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(chattable); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

func (t *Telegram) build(address string, msg Message) (tgbotapi.Chattable, error) {
	text := renderText(msg)
	address = strings.TrimSpace(address)

	var chatID int64
	channel := ""
	if strings.HasPrefix(address, "@") {
		channel = address
	} else {
		id, err := strconv.ParseInt(address, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing chat id: %w", err)
		}
		chatID = id
	}

	if len(msg.Screenshot) == 0 || len(text) > maxCaptionLength {
		if channel != "" {
			return tgbotapi.NewMessageToChannel(channel, text), nil
		}
		return tgbotapi.NewMessage(chatID, text), nil
	}

	file := tgbotapi.FileBytes{Name: "screenshot.png", Bytes: msg.Screenshot}
	var photo tgbotapi.PhotoConfig
	if channel != "" {
		photo = tgbotapi.NewPhotoToChannel(channel, file)
	} else {
		photo = tgbotapi.NewPhoto(chatID, file)
	}
	photo.Caption = text
	return photo, nil
}
