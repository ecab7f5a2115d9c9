// Package watcher drives the periodic sweep: enumerate subscribers, probe
// their tracked accounts, detect unlock transitions and notify.
package watcher

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"unlockbot/internal/detect"
	"unlockbot/internal/probe"
	"unlockbot/internal/store"
	logx "unlockbot/pkg/logx"
)

// Prober performs one status check. Implemented by *probe.Client.
type Prober interface {
	Check(ctx context.Context, ep store.Endpoint, account string) probe.Result
}

// Notifier delivers one unlock notification. Implemented by *notify.Service.
type Notifier interface {
	Unlocked(ctx context.Context, chatID int64, account string) error
}

type Config struct {
	// Tick is the global scheduler cadence (default 1m). Per-subscriber
	// intervals are honored at this granularity.
	Tick     time.Duration
	Timezone string
	// Concurrency bounds probes in flight within one sweep (default 4).
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Status is a point-in-time operational snapshot for /status.
type Status struct {
	LastSweep    time.Time
	LastDuration time.Duration
	LastProbed   int
	LastNotified int
}

// Service runs the sweep on a fixed cron trigger. Ticks are strictly
// serialized: a tick that fires while a sweep is still running is skipped.
type Service struct {
	log      logx.Logger
	store    store.Store
	prober   Prober
	notifier Notifier

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	running atomic.Bool

	// lastRun tracks when each subscriber was last swept, for per-subscriber
	// interval gating. In-memory only: after a restart every subscriber is
	// due on the first tick.
	lrMu    sync.Mutex
	lastRun map[int64]time.Time
	status  Status
}

func New(cfg Config, st store.Store, prober Prober, notifier Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		store:    st,
		prober:   prober,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		lastRun:  map[int64]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(loc))
	_, _ = s.c.AddFunc("@every "+s.cfg.Tick.String(), func() { s.tick(ctx) })
	s.c.Start()
	s.log.Info("watcher started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("concurrency", s.cfg.Concurrency),
		logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	// Let an in-flight sweep finish (bounded by ctx).
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("watcher stopped")
}

// Apply updates the sweep settings; a changed tick or timezone restarts the
// trigger.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	restart := cfg.Tick != s.cfg.Tick ||
		!strings.EqualFold(strings.TrimSpace(cfg.Timezone), strings.TrimSpace(s.cfg.Timezone))
	s.cfg = cfg
	c := s.c
	if !restart || c == nil {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// Wait outside s.mu: an in-flight sweep needs the lock to finish.
	<-c.Stop().Done()

	s.mu.Lock()
	if s.c == nil {
		s.startLocked(ctx)
	}
	s.mu.Unlock()
	s.log.Info("watcher restarted", logx.Duration("tick", cfg.Tick))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local",
			logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Status() Status {
	s.lrMu.Lock()
	defer s.lrMu.Unlock()
	return s.status
}

func (s *Service) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("sweep still running; skipping tick")
		return
	}
	defer s.running.Store(false)
	s.Sweep(ctx)
}

type sweepItem struct {
	chatID  int64
	account string
}

// Sweep performs one full pass: probe every due subscriber's accounts,
// notify on unlock transitions, persist the cache write-after-notify. A
// failure at any single (subscriber, account) step is logged and the sweep
// continues.
func (s *Service) Sweep(ctx context.Context) {
	start := time.Now()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.log.Error("sweep: loading state failed", logx.Err(err))
		return
	}
	if !snap.Endpoint.Configured() {
		s.log.Debug("sweep: endpoint not configured; nothing to do")
		return
	}

	s.mu.Lock()
	tick := s.cfg.Tick
	concurrency := s.cfg.Concurrency
	s.mu.Unlock()

	// Subscriber insertion order, then account insertion order.
	var items []sweepItem
	for _, sub := range snap.SubscribersInOrder() {
		if !s.due(sub, start, tick) {
			continue
		}
		s.lrMu.Lock()
		s.lastRun[sub.ChatID] = start
		s.lrMu.Unlock()
		for _, acc := range sub.Accounts {
			items = append(items, sweepItem{chatID: sub.ChatID, account: acc})
		}
	}

	// Probe with bounded fan-out; results land in their slot so application
	// below stays in insertion order.
	results := make([]probe.Result, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, it sweepItem) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.prober.Check(ctx, snap.Endpoint, it.account)
		}(i, it)
	}
	wg.Wait()

	// Detection reads the sweep-start snapshot of the cache, so when several
	// subscribers track the same account each still gets its notification in
	// this sweep; the cache entry is persisted once, after the first
	// confirmed delivery.
	marked := map[string]bool{}
	notified := 0
	for i, it := range items {
		res := results[i]
		if res.Status == probe.StatusError {
			s.log.Warn("probe failed",
				logx.String("account", it.account),
				logx.Int64("chat_id", it.chatID),
				logx.String("raw", res.Raw))
			continue
		}
		if !res.OK {
			s.log.Debug("probe returned non-success status",
				logx.String("account", it.account),
				logx.String("status", res.Status))
		}

		d := detect.Evaluate(snap.Unlocked[it.account], res)
		if !d.Fire {
			continue
		}
		if err := s.notifier.Unlocked(ctx, it.chatID, it.account); err != nil {
			// Delivery failed: leave the cache untouched so the next sweep
			// retries this subscriber.
			s.log.Warn("unlock notification failed",
				logx.String("account", it.account),
				logx.Int64("chat_id", it.chatID),
				logx.Err(err))
			continue
		}
		notified++
		s.log.Info("unlock notified",
			logx.String("account", it.account),
			logx.Int64("chat_id", it.chatID))
		if !marked[it.account] {
			marked[it.account] = true
			if err := s.store.MarkUnlocked(ctx, it.account); err != nil {
				s.log.Error("persisting unlocked cache failed",
					logx.String("account", it.account), logx.Err(err))
			}
		}
	}

	s.lrMu.Lock()
	s.status = Status{
		LastSweep:    start,
		LastDuration: time.Since(start),
		LastProbed:   len(items),
		LastNotified: notified,
	}
	s.lrMu.Unlock()

	if len(items) > 0 {
		s.log.Debug("sweep done",
			logx.Int("probed", len(items)),
			logx.Int("notified", notified),
			logx.Duration("took", time.Since(start)))
	}
}

// due gates a subscriber on its own interval. Half a tick of slack keeps
// scheduling jitter from pushing a sweep one whole tick late.
func (s *Service) due(sub *store.Subscriber, now time.Time, tick time.Duration) bool {
	interval := sub.Interval.Std()
	if interval <= 0 {
		return true
	}
	s.lrMu.Lock()
	last, ok := s.lastRun[sub.ChatID]
	s.lrMu.Unlock()
	if !ok {
		return true
	}
	return now.Sub(last) >= interval-tick/2
}
