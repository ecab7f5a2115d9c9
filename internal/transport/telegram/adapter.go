// Package telegram adapts the bot's transport seam to Telegram via telebot
// long polling, and hosts the chat command handlers.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"unlockbot/internal/transport"
	logx "unlockbot/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	OwnerUserIDs []int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Start begins long polling in the background; ctx cancellation stops it.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.runMu.Unlock()

	go func() {
		defer close(done)
		a.bot.Start()
	}()
	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	a.log.Info("telegram adapter started", logx.Duration("poll_timeout", a.cfg.PollTimeout))
}

// Stop halts polling and waits for the poll loop to exit (bounded by ctx).
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	done := a.done
	a.runMu.Unlock()

	a.bot.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.log.Info("telegram adapter stopped")
}

// SendText implements transport.Sender.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sendOpts := &tele.SendOptions{}
	if opt != nil {
		if opt.Markdown {
			sendOpts.ParseMode = tele.ModeMarkdown
		}
		sendOpts.DisableWebPagePreview = opt.DisablePreview
	}
	_, err := a.bot.Send(tele.ChatID(chatID), text, sendOpts)
	return err
}

// isOwner reports whether the user may change the shared endpoint config.
// An empty allowlist means everyone may.
func (a *Adapter) isOwner(userID int64) bool {
	if len(a.cfg.OwnerUserIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
