package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "unlockbot/pkg/logx"
)

// fileStore keeps the full state in memory as the single authority and
// writes it through to disk on every mutation.
//
// Writes go to a temp file in the same directory followed by a rename, so a
// concurrent reader (or a crash mid-write) never observes a half-written
// snapshot.
type fileStore struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	state State
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, state: DefaultState()}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// bootstrap: empty defaults
	case err != nil:
		log.Warn("state file unreadable; starting from defaults", logx.String("path", path), logx.Err(err))
	default:
		var st State
		if jerr := json.Unmarshal(b, &st); jerr != nil {
			log.Warn("state file corrupt; starting from defaults", logx.String("path", path), logx.Err(jerr))
		} else {
			s.state = normalize(st)
		}
	}
	return s, nil
}

func normalize(st State) State {
	if st.Subscribers == nil {
		st.Subscribers = map[int64]*Subscriber{}
	}
	if st.Unlocked == nil {
		st.Unlocked = map[string]bool{}
	}
	for id, sub := range st.Subscribers {
		if sub == nil {
			delete(st.Subscribers, id)
			continue
		}
		sub.ChatID = id
		if sub.Interval <= 0 {
			sub.Interval = Duration(DefaultInterval)
		}
	}
	return st
}

func (s *fileStore) Close() error { return nil }

// saveLocked atomically replaces the snapshot file.
func (s *fileStore) saveLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Snapshot(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(), nil
}

func (s *fileStore) copyLocked() State {
	cp := State{
		Subscribers: make(map[int64]*Subscriber, len(s.state.Subscribers)),
		Endpoint:    s.state.Endpoint,
		Unlocked:    make(map[string]bool, len(s.state.Unlocked)),
	}
	for id, sub := range s.state.Subscribers {
		c := *sub
		c.Accounts = append([]string(nil), sub.Accounts...)
		cp.Subscribers[id] = &c
	}
	for k, v := range s.state.Unlocked {
		cp.Unlocked[k] = v
	}
	return cp
}

func (s *fileStore) AddAccount(ctx context.Context, chatID int64, account string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.state.Subscribers[chatID]
	if sub == nil {
		sub = &Subscriber{
			ChatID:    chatID,
			Interval:  Duration(DefaultInterval),
			CreatedAt: time.Now().UTC(),
		}
		s.state.Subscribers[chatID] = sub
	}
	sub.Accounts = append(sub.Accounts, account)
	return s.saveLocked()
}

func (s *fileStore) RemoveAccount(ctx context.Context, chatID int64, account string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.state.Subscribers[chatID]
	if sub == nil {
		return false, nil
	}
	idx := -1
	for i, a := range sub.Accounts {
		if a == account {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	sub.Accounts = append(sub.Accounts[:idx], sub.Accounts[idx+1:]...)

	if !s.trackedLocked(account) {
		delete(s.state.Unlocked, account)
	}
	return true, s.saveLocked()
}

func (s *fileStore) trackedLocked(account string) bool {
	for _, sub := range s.state.Subscribers {
		for _, a := range sub.Accounts {
			if a == account {
				return true
			}
		}
	}
	return false
}

func (s *fileStore) Subscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.state.Subscribers[chatID]
	if sub == nil {
		return Subscriber{ChatID: chatID, Interval: Duration(DefaultInterval)}, nil
	}
	c := *sub
	c.Accounts = append([]string(nil), sub.Accounts...)
	return c, nil
}

func (s *fileStore) SetInterval(ctx context.Context, chatID int64, every time.Duration) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.state.Subscribers[chatID]
	if sub == nil {
		sub = &Subscriber{ChatID: chatID, CreatedAt: time.Now().UTC()}
		s.state.Subscribers[chatID] = sub
	}
	sub.Interval = Duration(every)
	return s.saveLocked()
}

func (s *fileStore) SetEndpointURL(ctx context.Context, url string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Endpoint.URL = url
	return s.saveLocked()
}

func (s *fileStore) SetEndpointToken(ctx context.Context, token string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Endpoint.Token = token
	return s.saveLocked()
}

func (s *fileStore) Endpoint(ctx context.Context) (Endpoint, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Endpoint, nil
}

func (s *fileStore) Unlocked(ctx context.Context, account string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Unlocked[account], nil
}

func (s *fileStore) MarkUnlocked(ctx context.Context, account string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Unlocked[account] = true
	return s.saveLocked()
}
