// Package telegram publishes content items to a Telegram channel via the Bot
// API. It is the reference publisher adapter: everything platform-specific
// (error shapes, rate-limit signals, post URLs) is normalized here so the
// scheduler never sees raw telebot types.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/content"
	"crosspost/internal/publisher"
	logx "crosspost/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64

	// ClientTimeout bounds the underlying HTTP client, and with it every Send
	// call: telebot does not propagate context deadlines, so this is the only
	// effective per-call bound. Zero falls back to 30s.
	ClientTimeout time.Duration
}

type Publisher struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is not set")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, log: log, bot: b}, nil
}

func (p *Publisher) Platform() content.Platform { return content.PlatformTelegram }

func (p *Publisher) Publish(ctx context.Context, item *content.ContentItem) (publisher.Result, error) {
	select {
	case <-ctx.Done():
		return publisher.Failure("network timeout: " + ctx.Err().Error()), nil
	default:
	}

	chat := &tele.Chat{ID: p.cfg.ChatID}
	msg, err := p.bot.Send(chat, sendable(item))
	if err != nil {
		return normalizeError(err), nil
	}

	url := postURL(p.cfg.ChatID, msg.ID)
	p.log.Debug("telegram message sent",
		logx.String("content", item.ID),
		logx.Int("message_id", msg.ID))
	return publisher.Success(url), nil
}

// sendable picks the Telegram payload type for the item. Media items become
// photo/video uploads from URL; everything else is a plain text message.
func sendable(item *content.ContentItem) interface{} {
	media := strings.TrimSpace(item.MediaURL)
	if media == "" {
		return item.Body
	}
	if item.Kind == content.KindVideo {
		return &tele.Video{File: tele.FromURL(media), Caption: item.Body}
	}
	return &tele.Photo{File: tele.FromURL(media), Caption: item.Body}
}

// postURL builds the canonical t.me link for a message in a channel or
// supergroup. Internal chat IDs carry a -100 prefix that the link form drops.
func postURL(chatID int64, messageID int) string {
	s := strconv.FormatInt(chatID, 10)
	s = strings.TrimPrefix(s, "-100")
	s = strings.TrimPrefix(s, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", s, messageID)
}

// normalizeError maps telebot errors onto the scheduler's failure taxonomy.
// Flood waits are transient (retried on a later tick); 4xx API errors are
// phrased to match the default critical-error patterns so the filter stops
// retrying them. Telegram has no posting quota, so QuotaExceeded is never set
// here.
func normalizeError(err error) publisher.Result {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return publisher.Failure(fmt.Sprintf("rate limited: retry after %ds", flood.RetryAfter))
	}

	var api *tele.Error
	if errors.As(err, &api) {
		desc := api.Description
		if desc == "" {
			desc = api.Error()
		}
		switch {
		case api.Code == 401:
			return publisher.Failure("authorization failed: " + desc)
		case api.Code == 403:
			return publisher.Failure("permission denied: " + desc)
		case api.Code == 400:
			return publisher.Failure("bad request - " + desc)
		default:
			return publisher.Failure(desc)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return publisher.Failure("network timeout: " + err.Error())
	}
	return publisher.Failure(err.Error())
}
