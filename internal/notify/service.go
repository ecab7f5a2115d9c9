// Package notify renders and delivers unlock notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"unlockbot/internal/transport"
	logx "unlockbot/pkg/logx"
)

type Config struct {
	// RatePerSec caps outbound sends (Telegram flood protection). Default 3.
	RatePerSec int
}

// Service sends notifications through the transport adapter with a token
// bucket in front. Safe for concurrent use.
type Service struct {
	sender transport.Sender
	log    logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, sender transport.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	s.mu.Lock()
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

// Send delivers a Markdown message to the chat, honoring the rate limit.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	err := s.sender.SendText(ctx, chatID, text, &transport.SendOptions{
		Markdown:       true,
		DisablePreview: true,
	})
	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return err
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", chatID))
	return nil
}

// Unlocked renders and delivers the unlock notification for one account.
func (s *Service) Unlocked(ctx context.Context, chatID int64, account string) error {
	return s.Send(ctx, chatID, Render(account, true, time.Now()))
}
