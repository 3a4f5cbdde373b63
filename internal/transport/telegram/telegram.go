package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string        `yaml:"token"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RatePerSec  int           `yaml:"rate_per_sec"`
}

// Messenger is a send-only Telegram client. Sends go through a process-wide
// limiter kept under Telegram's ~30 msg/s bot ceiling, so a burst of change
// messages degrades to queueing instead of 429 bans.
type Messenger struct {
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return &Messenger{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (m *Messenger) Deliver(ctx context.Context, userID int64, text string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}
	_, err := m.bot.Send(&tele.User{ID: userID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	return errors.Wrap(err, "telegram send")
}
