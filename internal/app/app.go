// Package app wires configuration, logging, storage, transport and the
// sweep watcher into one process.
package app

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"sync"

	"unlockbot/internal/config"
	"unlockbot/internal/notify"
	"unlockbot/internal/probe"
	"unlockbot/internal/store"
	"unlockbot/internal/transport/telegram"
	"unlockbot/internal/watcher"
	logx "unlockbot/pkg/logx"
)

const defaultStatePath = "./unlockbot_state.json"

type App struct {
	log    logx.Logger
	logSvc *logx.Service

	cfgMgr  *config.Manager
	store   store.Store
	adapter *telegram.Adapter
	notify  *notify.Service
	prober  *probe.Client
	watcher *watcher.Service

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the whole app. The Telegram token comes from the caller (env);
// the config file is optional and defaults apply when it is absent.
func New(cfgPath, tgToken string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
		cfgMgr.Commit(cfg)
	case err != nil:
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	// Validate resolved these at load; resolve them all before any resource
	// is acquired so error paths have nothing to release.
	busyTimeout, err := cfg.StorageBusyTimeout()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	probeTimeout, err := cfg.ProbeTimeout()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	tick, err := cfg.WatcherTick()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	statePath := cfg.Storage.Path
	if statePath == "" {
		statePath = defaultStatePath
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        statePath,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:        tgToken,
		PollTimeout:  pollTimeout,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	notifySvc := notify.New(notify.Config{RatePerSec: cfg.Notify.RatePerSec},
		adapter, log.With(logx.String("comp", "notify")))

	prober := probe.New(probeTimeout, log.With(logx.String("comp", "probe")))

	w := watcher.New(watcher.Config{
		Tick:        tick,
		Timezone:    cfg.Watcher.Timezone,
		Concurrency: cfg.Probe.Concurrency,
	}, st, prober, notifySvc, log.With(logx.String("comp", "watcher")))

	adapter.RegisterCommands(telegram.Deps{
		Store:   st,
		Notify:  notifySvc,
		Watcher: w,
	})

	return &App{
		log:     log,
		logSvc:  logSvc,
		cfgMgr:  cfgMgr,
		store:   st,
		adapter: adapter,
		notify:  notifySvc,
		prober:  prober,
		watcher: w,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.adapter.Start(ctx)
	a.watcher.Start(ctx)

	a.goNamed(ctx, "config.watch", func() { _ = a.cfgMgr.Watch(ctx) })
	a.goNamed(ctx, "config.apply", func() { a.applyLoop(ctx) })

	a.log.Info("unlockbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.watcher.Stop(ctx)
	a.adapter.Stop(ctx)
	a.wg.Wait()
	err := a.store.Close()
	_ = a.logSvc.Close()
	return err
}

// applyLoop pushes hot-reloaded config into the running services.
// The storage driver and the bot token are fixed at startup.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-ch:
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.notify.Apply(notify.Config{RatePerSec: cfg.Notify.RatePerSec})
			if d, err := cfg.ProbeTimeout(); err == nil {
				a.prober.SetTimeout(d)
			}
			tick, terr := cfg.WatcherTick()
			if terr == nil {
				a.watcher.Apply(ctx, watcher.Config{
					Tick:        tick,
					Timezone:    cfg.Watcher.Timezone,
					Concurrency: cfg.Probe.Concurrency,
				})
			}
			a.log.Info("config applied")
		}
	}
}

// goNamed runs fn under the app's waitgroup with panic recovery, so one
// crashing background loop never takes down the process silently.
func (a *App) goNamed(ctx context.Context, name string, fn func()) {
	_ = ctx
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("panic in background goroutine",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		fn()
	}()
}
