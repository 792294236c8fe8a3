package telegram

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Client is the Telegram messaging endpoint. Only the send path is used;
// the pipeline never receives updates.
type Client struct {
	bot *tele.Bot
}

func New(token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Client{bot: b}, nil
}

// SendPhotoURL delivers an image by URL; Telegram fetches it server-side.
func (c *Client) SendPhotoURL(chatID int64, url, caption string) (string, error) {
	msg, err := c.bot.Send(tele.ChatID(chatID), &tele.Photo{
		File:    tele.FromURL(url),
		Caption: caption,
	})
	if err != nil {
		return "", fmt.Errorf("telegram photo send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}

// SendVideo uploads video bytes as a file payload. Telegram's own fetcher
// cannot reach the provider's signed URLs, so callers must download first.
func (c *Client) SendVideo(chatID int64, media io.Reader, name, caption string) (string, error) {
	msg, err := c.bot.Send(tele.ChatID(chatID), &tele.Video{
		File:     tele.FromReader(media),
		FileName: name,
		Caption:  caption,
	})
	if err != nil {
		return "", fmt.Errorf("telegram video send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}
