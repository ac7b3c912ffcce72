//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "workshopbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
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

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) IsTracked(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM subscriptions WHERE guild=? AND channel=? AND kind=? AND item_id=?`,
		guild, channel, string(kind), id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Add(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(guild, channel, kind, item_id) VALUES(?,?,?,?)
		 ON CONFLICT(guild, channel, kind, item_id) DO NOTHING`,
		guild, channel, string(kind), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Remove(ctx context.Context, guild, channel string, kind Kind, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE guild=? AND channel=? AND kind=? AND item_id=?`,
		guild, channel, string(kind), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) RemoveAll(ctx context.Context, guild, channel string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE guild=? AND channel=?`,
		guild, channel,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Guilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT guild FROM subscriptions ORDER BY guild`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListGuild(ctx context.Context, guild string) (GuildNotifications, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, kind, item_id, last_updated FROM subscriptions WHERE guild=? ORDER BY rowid`,
		guild,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := GuildNotifications{}
	for rows.Next() {
		var ch string
		n, err := scanNotification(rows, &ch)
		if err != nil {
			return nil, err
		}
		out[ch] = append(out[ch], n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListChannel(ctx context.Context, guild, channel string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, kind, item_id, last_updated FROM subscriptions WHERE guild=? AND channel=? ORDER BY rowid`,
		guild, channel,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var ch string
		n, err := scanNotification(rows, &ch)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string, ts int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_updated=? WHERE guild=? AND channel=? AND kind=? AND item_id=?`,
		ts, guild, channel, string(kind), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetLastUpdated(ctx context.Context, guild, channel string, kind Kind, id string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_updated FROM subscriptions WHERE guild=? AND channel=? AND kind=? AND item_id=?`,
		guild, channel, string(kind), id,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

func scanNotification(rows *sql.Rows, ch *string) (Notification, error) {
	var kind, id string
	var ts sql.NullInt64
	if err := rows.Scan(ch, &kind, &id, &ts); err != nil {
		return Notification{}, err
	}
	n := Notification{Type: Kind(kind), ID: id}
	if ts.Valid {
		v := ts.Int64
		n.LastUpdated = &v
	}
	return n, nil
}
