// Package store persists the conversation log, the rolling channel summaries
// and the per-user profile notes in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one line of channel history. Translation holds the
// model-language rendering of Text when the relay translates.
type Message struct {
	ID          int64
	Channel     string
	Sender      string
	Text        string
	Translation string
	CreatedAt   time.Time
}

// PromptText is the text the model sees for this message.
func (m Message) PromptText() string {
	if strings.TrimSpace(m.Translation) != "" {
		return m.Translation
	}
	return m.Text
}

type ChannelSummary struct {
	Channel    string
	Summary    string
	LastUpdate time.Time
}

type UserProfile struct {
	Name       string
	Info       string
	LastUpdate time.Time
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Messages  int
	Channels  int
	Summaries int
	Profiles  int
}

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the clock used to stamp summary and profile upserts.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			translation TEXT NOT NULL DEFAULT '',
			date_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel, date_time, id)`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel TEXT NOT NULL UNIQUE,
			summary TEXT NOT NULL,
			last_update INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			name TEXT NOT NULL UNIQUE,
			info TEXT NOT NULL,
			last_update INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := msg.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (channel, sender, message, translation, date_time)
		VALUES (?, ?, ?, ?, ?)
	`, msg.Channel, msg.Sender, msg.Text, msg.Translation, created.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MessagesSince returns the channel's messages strictly newer than since, oldest first.
func (s *Store) MessagesSince(ctx context.Context, channel string, since time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender, message, translation, date_time
		FROM messages
		WHERE channel = ? AND date_time > ?
		ORDER BY date_time ASC, id ASC
	`, channel, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the channel's n most recent messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channel string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender, message, translation, date_time
		FROM messages
		WHERE channel = ?
		ORDER BY date_time DESC, id DESC
		LIMIT ?
	`, channel, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Summary returns the channel summary; ok is false when none was written yet.
func (s *Store) Summary(ctx context.Context, channel string) (ChannelSummary, bool, error) {
	var (
		sum  ChannelSummary
		last int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, summary, last_update FROM channels WHERE channel = ?
	`, channel).Scan(&sum.Channel, &sum.Summary, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelSummary{}, false, nil
	}
	if err != nil {
		return ChannelSummary{}, false, fmt.Errorf("query summary: %w", err)
	}
	sum.LastUpdate = time.Unix(0, last).UTC()
	return sum, true, nil
}

func (s *Store) UpsertSummary(ctx context.Context, channel, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel, summary, last_update) VALUES (?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET summary = excluded.summary, last_update = excluded.last_update
	`, channel, summary, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// Profiles returns the stored profiles among names. Unknown names are skipped.
func (s *Store) Profiles(ctx context.Context, names []string) ([]UserProfile, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, info, last_update FROM users
		WHERE name IN (`+placeholders(len(names))+`)
		ORDER BY name ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	result := make([]UserProfile, 0, len(names))
	for rows.Next() {
		var (
			p    UserProfile
			last int64
		)
		if err := rows.Scan(&p.Name, &p.Info, &last); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.LastUpdate = time.Unix(0, last).UTC()
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return result, nil
}

func (s *Store) UpsertProfile(ctx context.Context, name, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, info, last_update) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET info = excluded.info, last_update = excluded.last_update
	`, name, info, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// ListChannels returns every channel id with at least one stored message.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT channel FROM messages ORDER BY channel ASC`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql string
		dst *int
	}{
		{`SELECT COUNT(1) FROM messages`, &st.Messages},
		{`SELECT COUNT(DISTINCT channel) FROM messages`, &st.Channels},
		{`SELECT COUNT(1) FROM channels`, &st.Summaries},
		{`SELECT COUNT(1) FROM users`, &st.Profiles},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Text, &m.Translation, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, ts).UTC()
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
