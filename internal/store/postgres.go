package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/chatrelay/internal/core"
)

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// PostgresStore is the Store backend for a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  profile_url TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
  delivered BOOLEAN NOT NULL DEFAULT FALSE,
  delivered_at TIMESTAMPTZ,
  raw JSONB
)`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS avatar_url TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS delivered BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS delivered_at TIMESTAMPTZ`,
	`ALTER TABLE participants ADD COLUMN IF NOT EXISTS raw JSONB`,
	`CREATE INDEX IF NOT EXISTS participants_undelivered_idx ON participants (first_seen) WHERE NOT delivered`,
}

var newPool = pgxpool.NewWithConfig

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres url")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	n, err := s.importLegacy(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("store: postgres: imported %d rows from youtube_users", n)
	}
	return nil
}

// importLegacy copies youtube_users into an empty participants table so
// viewers notified by earlier deployments stay delivered.
func (s *PostgresStore) importLegacy(ctx context.Context) (int64, error) {
	var legacy *string
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('youtube_users')::text`).Scan(&legacy); err != nil {
		return 0, errors.Wrap(err, "inspect youtube_users")
	}
	if legacy == nil {
		return 0, nil
	}
	var existing bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM participants)`).Scan(&existing); err != nil {
		return 0, errors.Wrap(err, "inspect participants")
	}
	if existing {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO participants (id, display_name, profile_url, first_seen, delivered, delivered_at, raw)
SELECT channel_id,
       COALESCE(channel_name, ''),
       COALESCE(channel_url, ''),
       COALESCE(first_seen, now()),
       COALESCE(sent_to_telegram, FALSE),
       CASE WHEN COALESCE(sent_to_telegram, FALSE) THEN COALESCE(telegram_sent_at, first_seen, now()) END,
       data
FROM youtube_users
WHERE channel_id IS NOT NULL AND btrim(channel_id) <> ''
ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, errors.Wrap(err, "import youtube_users")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.pool.Ping(ctx), "ping postgres")
}

func (s *PostgresStore) String() string {
	return fmt.Sprintf("PostgresStore{%p}", s.pool)
}

func (s *PostgresStore) EnsureParticipant(ctx context.Context, p core.Participant) error {
	const q = `INSERT INTO participants (id, display_name, profile_url, avatar_url, first_seen, delivered, raw)
VALUES ($1, $2, $3, $4, $5, FALSE, $6::jsonb)
ON CONFLICT (id) DO NOTHING`
	seen := p.FirstSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	var raw any
	if p.RawJSON != "" {
		raw = p.RawJSON
	}
	_, err := s.pool.Exec(ctx, q, p.ID, p.DisplayName, p.ProfileURL, p.AvatarURL, seen.UTC(), raw)
	return errors.Wrap(err, "insert participant")
}

func (s *PostgresStore) IsDelivered(ctx context.Context, id string) (bool, error) {
	var delivered bool
	err := s.pool.QueryRow(ctx, `SELECT delivered FROM participants WHERE id = $1`, id).Scan(&delivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "query delivered")
	}
	return delivered, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE participants SET delivered = TRUE, delivered_at = COALESCE(delivered_at, now()) WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "mark delivered")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrUnknownParticipant, "mark delivered %s", id)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (core.Participant, error) {
	d := queryDialect{postgres: true}
	row := s.pool.QueryRow(ctx, "SELECT "+d.columns()+" FROM participants WHERE id = $1", id)
	p, err := scanPostgresParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Participant{}, errors.Wrapf(ErrUnknownParticipant, "get %s", id)
	}
	if err != nil {
		return core.Participant{}, errors.Wrap(err, "get participant")
	}
	return p, nil
}

func (s *PostgresStore) CountParticipants(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildParticipantQuery(queryDialect{postgres: true}, filters, true)
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, filters Filters) ([]core.Participant, error) {
	query, args := buildParticipantQuery(queryDialect{postgres: true}, filters, false)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	defer rows.Close()

	var out []core.Participant
	for rows.Next() {
		p, err := scanPostgresParticipant(rows)
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

func scanPostgresParticipant(row pgx.Row) (core.Participant, error) {
	var (
		p           core.Participant
		deliveredAt *time.Time
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.ProfileURL, &p.AvatarURL, &p.FirstSeen, &p.Delivered, &deliveredAt, &p.RawJSON); err != nil {
		return core.Participant{}, err
	}
	p.FirstSeen = p.FirstSeen.UTC()
	if deliveredAt != nil {
		t := deliveredAt.UTC()
		p.DeliveredAt = &t
	}
	return p, nil
}
