package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chatrelay/internal/core"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS participants (
  id TEXT NOT NULL PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  profile_url TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  first_seen TEXT NOT NULL,
  delivered INTEGER NOT NULL DEFAULT 0,
  delivered_at TEXT,
  raw_json TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore is the single-file Store backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// sqliteBusyTimeout lets cmd/redeliver and cmd/devapi share the file with a
// running relay; the relay itself writes through one connection.
const sqliteBusyTimeout = 5 * time.Second

// SQLiteOptions tunes OpenSQLiteWith.
type SQLiteOptions struct {
	// Tuned trades fsync per commit for fsync per checkpoint and caps the WAL
	// file. A crash can lose the last delivered marks, never the schema.
	Tuned bool
	// BusyTimeout defaults to five seconds.
	BusyTimeout time.Duration
}

// OpenSQLite opens (or creates) the database at path with default options.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	return OpenSQLiteWith(ctx, path, SQLiteOptions{})
}

// OpenSQLiteWith opens (or creates) the database at path, applies the schema
// and migrations, and enables WAL.
func OpenSQLiteWith(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single writer keeps SQLITE_BUSY out of the ingest path.
	db.SetMaxOpenConns(1)
	if err := configureSQLite(ctx, db, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func configureSQLite(ctx context.Context, db *sql.DB, opts SQLiteOptions) error {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = sqliteBusyTimeout
	}
	required := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds()),
		"PRAGMA journal_mode=wal;",
	}
	for _, pragma := range required {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "sqlite %s", pragma)
		}
	}
	if !opts.Tuned {
		return nil
	}
	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA journal_size_limit=4194304;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Printf("store: sqlite %s failed: %v", pragma, err)
			continue
		}
		log.Printf("store: sqlite %s applied", pragma)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) EnsureParticipant(ctx context.Context, p core.Participant) error {
	const q = `INSERT INTO participants (id, display_name, profile_url, avatar_url, first_seen, delivered, raw_json)
VALUES (?, ?, ?, ?, ?, 0, ?)
ON CONFLICT(id) DO NOTHING;`
	seen := p.FirstSeen
	if seen.IsZero() {
		seen = s.now()
	}
	_, err := s.db.ExecContext(ctx, q, p.ID, p.DisplayName, p.ProfileURL, p.AvatarURL, formatTS(seen), nz(p.RawJSON, ""))
	return errors.Wrap(err, "insert participant")
}

func (s *SQLiteStore) IsDelivered(ctx context.Context, id string) (bool, error) {
	var delivered int
	err := s.db.QueryRowContext(ctx, `SELECT delivered FROM participants WHERE id = ?;`, id).Scan(&delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query delivered")
	}
	return delivered != 0, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string) error {
	const q = `UPDATE participants SET delivered = 1, delivered_at = COALESCE(delivered_at, ?) WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, q, formatTS(s.now()), id)
	if err != nil {
		return errors.Wrap(err, "mark delivered")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrUnknownParticipant, "mark delivered %s", id)
	}
	return nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (core.Participant, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+queryDialect{}.columns()+" FROM participants WHERE id = ?;", id)
	p, err := scanSQLiteParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Participant{}, errors.Wrapf(ErrUnknownParticipant, "get %s", id)
	}
	if err != nil {
		return core.Participant{}, errors.Wrap(err, "get participant")
	}
	return p, nil
}

func (s *SQLiteStore) CountParticipants(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildParticipantQuery(queryDialect{}, filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, filters Filters) ([]core.Participant, error) {
	query, args := buildParticipantQuery(queryDialect{}, filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	defer rows.Close()

	var out []core.Participant
	for rows.Next() {
		p, err := scanSQLiteParticipant(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate participants")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteParticipant(row rowScanner) (core.Participant, error) {
	var (
		p           core.Participant
		firstSeen   string
		delivered   int
		deliveredAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.ProfileURL, &p.AvatarURL, &firstSeen, &delivered, &deliveredAt, &p.RawJSON); err != nil {
		return core.Participant{}, err
	}
	if t, ok := parseTS(firstSeen); ok {
		p.FirstSeen = t
	}
	p.Delivered = delivered != 0
	if deliveredAt.Valid {
		if t, ok := parseTS(deliveredAt.String); ok {
			p.DeliveredAt = &t
		}
	}
	return p, nil
}

// RawDB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) RawDB() *sql.DB { return s.db }
