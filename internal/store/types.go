package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// DefaultInterval is the check cadence assigned to a subscriber on first /add.
const DefaultInterval = 5 * time.Minute

// Config configures the subscription store.
//
// Driver values:
//   - "file": JSON snapshot with atomic replace (default when empty)
//   - "sqlite", "sqlite3": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Endpoint is the shared remote status endpoint, used by every probe.
type Endpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Configured reports whether probing may happen at all.
func (e Endpoint) Configured() bool { return e.URL != "" && e.Token != "" }

// Subscriber is one chat tracking a list of accounts.
//
// Accounts keep insertion order; duplicates are allowed (the sweep probes
// them once per occurrence, as added).
type Subscriber struct {
	ChatID    int64     `json:"chat_id"`
	Accounts  []string  `json:"accounts"`
	Interval  Duration  `json:"interval"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the full persisted store content.
//
// Unlocked maps account -> "already notified as unlocked". A missing entry
// means the account has not been confirmed unlocked yet. Entries are only
// ever set after a successful notification, which is the whole
// anti-duplicate invariant.
type State struct {
	Subscribers map[int64]*Subscriber `json:"subscribers"`
	Endpoint    Endpoint              `json:"endpoint"`
	Unlocked    map[string]bool       `json:"unlocked"`
}

func DefaultState() State {
	return State{
		Subscribers: map[int64]*Subscriber{},
		Unlocked:    map[string]bool{},
	}
}

// SubscribersInOrder returns subscribers in creation order (chat ID as
// tiebreak) so sweeps are deterministic.
func (s State) SubscribersInOrder() []*Subscriber {
	out := make([]*Subscriber, 0, len(s.Subscribers))
	for _, sub := range s.Subscribers {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out
}

// Store is the persistence API shared by the command handlers and the sweep.
//
// Implementations serialize all operations internally so a command-handler
// mutation and a sweep cache update can never interleave into a lost write.
type Store interface {
	// Snapshot returns a deep copy of the current state.
	Snapshot(ctx context.Context) (State, error)

	AddAccount(ctx context.Context, chatID int64, account string) error
	// RemoveAccount removes one occurrence of account from the chat's list.
	// When no subscriber tracks the account anymore, its unlocked-cache entry
	// is pruned so a re-added account is re-armed.
	RemoveAccount(ctx context.Context, chatID int64, account string) (bool, error)
	// Subscriber returns the chat's subscription (zero-value with defaults if
	// the chat never subscribed).
	Subscriber(ctx context.Context, chatID int64) (Subscriber, error)
	SetInterval(ctx context.Context, chatID int64, every time.Duration) error

	SetEndpointURL(ctx context.Context, url string) error
	SetEndpointToken(ctx context.Context, token string) error
	Endpoint(ctx context.Context) (Endpoint, error)

	Unlocked(ctx context.Context, account string) (bool, error)
	// MarkUnlocked records that the account was notified as unlocked. The
	// cache is monotonic: the sweep never clears entries, only RemoveAccount
	// pruning does.
	MarkUnlocked(ctx context.Context, account string) error

	Close() error
}

// Duration serializes as a Go duration string ("5m") in JSON state files.
// Plain integers (nanoseconds) are accepted on read for compatibility.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
		return nil
	case float64:
		*d = Duration(time.Duration(x))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
