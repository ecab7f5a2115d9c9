package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "unlockbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Snapshot(ctx context.Context) (State, error) {
	st := DefaultState()

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, interval_ns, created_at FROM subscribers`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sub Subscriber
			ns  int64
			at  string
		)
		if err := rows.Scan(&sub.ChatID, &ns, &at); err != nil {
			return st, err
		}
		sub.Interval = Duration(ns)
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		st.Subscribers[sub.ChatID] = &sub
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, account FROM accounts ORDER BY chat_id, pos`)
	if err != nil {
		return st, err
	}
	defer arows.Close()
	for arows.Next() {
		var (
			chatID  int64
			account string
		)
		if err := arows.Scan(&chatID, &account); err != nil {
			return st, err
		}
		if sub := st.Subscribers[chatID]; sub != nil {
			sub.Accounts = append(sub.Accounts, account)
		}
	}
	if err := arows.Err(); err != nil {
		return st, err
	}

	ep, err := s.Endpoint(ctx)
	if err != nil {
		return st, err
	}
	st.Endpoint = ep

	urows, err := s.db.QueryContext(ctx, `SELECT account FROM unlocked`)
	if err != nil {
		return st, err
	}
	defer urows.Close()
	for urows.Next() {
		var account string
		if err := urows.Scan(&account); err != nil {
			return st, err
		}
		st.Unlocked[account] = true
	}
	return st, urows.Err()
}

func (s *sqliteStore) AddAccount(ctx context.Context, chatID int64, account string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, interval_ns, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, int64(DefaultInterval), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts(chat_id, pos, account)
		 SELECT ?, COALESCE(MAX(pos)+1, 0), ? FROM accounts WHERE chat_id = ?`,
		chatID, account, chatID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveAccount(ctx context.Context, chatID int64, account string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	// MIN() over zero rows yields a NULL row, not ErrNoRows.
	var pos sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MIN(pos) FROM accounts WHERE chat_id = ? AND account = ?`,
		chatID, account).Scan(&pos)
	if err != nil {
		return false, err
	}
	if !pos.Valid {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM accounts WHERE chat_id = ? AND pos = ?`, chatID, pos.Int64); err != nil {
		return false, err
	}

	var left int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE account = ?`, account).Scan(&left); err != nil {
		return false, err
	}
	if left == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM unlocked WHERE account = ?`, account); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Subscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	sub := Subscriber{ChatID: chatID, Interval: Duration(DefaultInterval)}

	var (
		ns int64
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT interval_ns, created_at FROM subscribers WHERE chat_id = ?`, chatID).
		Scan(&ns, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, nil
	}
	if err != nil {
		return sub, err
	}
	sub.Interval = Duration(ns)
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)

	rows, err := s.db.QueryContext(ctx,
		`SELECT account FROM accounts WHERE chat_id = ? ORDER BY pos`, chatID)
	if err != nil {
		return sub, err
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return sub, err
		}
		sub.Accounts = append(sub.Accounts, a)
	}
	return sub, rows.Err()
}

func (s *sqliteStore) SetInterval(ctx context.Context, chatID int64, every time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, interval_ns, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET interval_ns = excluded.interval_ns`,
		chatID, int64(every), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) SetEndpointURL(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoint(id, url) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET url = excluded.url`, url)
	return err
}

func (s *sqliteStore) SetEndpointToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoint(id, token) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token`, token)
	return err
}

func (s *sqliteStore) Endpoint(ctx context.Context) (Endpoint, error) {
	var ep Endpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT url, token FROM endpoint WHERE id = 1`).Scan(&ep.URL, &ep.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return ep, nil
	}
	return ep, err
}

func (s *sqliteStore) Unlocked(ctx context.Context, account string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM unlocked WHERE account = ?`, account).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) MarkUnlocked(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unlocked(account, at) VALUES(?, ?)
		 ON CONFLICT(account) DO NOTHING`,
		account, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
