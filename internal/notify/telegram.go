package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	tele "gopkg.in/telebot.v4"

	logx "puddlejobs/pkg/logx"
)

// ErrBreakerOpen is returned while the breaker rejects sends.
var ErrBreakerOpen = errors.New("notify: circuit breaker open")

type TelegramConfig struct {
	Token string
	// Timeout bounds one Bot API call.
	Timeout time.Duration
	// API overrides the Bot API URL (tests, local bot servers).
	API string
}

// TelegramSender delivers messages with the Bot API sendMessage call.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.API,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: m.ChatID}, m.Text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              m.ThreadID,
	})
	return err
}

type BreakerConfig struct {
	// Failures is the consecutive failure count that opens the breaker.
	Failures int
	// Timeout is how long the breaker stays open before a trial request.
	Timeout time.Duration
}

// BreakerSender wraps a Sender in a circuit breaker.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerSender(next Sender, cfg BreakerConfig, log logx.Logger) *BreakerSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	failures := cfg.Failures
	if failures <= 0 {
		failures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("notify breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return &BreakerSender{next: next, cb: cb}
}

func (b *BreakerSender) Send(ctx context.Context, m Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrBreakerOpen, err)
	}
	return err
}

func (b *BreakerSender) State() string { return b.cb.State().String() }
