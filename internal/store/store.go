// Package store persists every participant observed on the feed together with
// its delivery state. Backends are SQLite (modernc.org/sqlite) and Postgres
// (pgx); both rely on the database for atomic upsert/update semantics.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatrelay/internal/core"
)

// ErrUnknownParticipant is returned when an operation targets an id that was
// never ensured.
var ErrUnknownParticipant = errors.New("store: unknown participant")

// Store is the dedup store contract shared by all backends.
type Store interface {
	// EnsureParticipant inserts p unless a record with the same id exists.
	// Existing records are never modified.
	EnsureParticipant(ctx context.Context, p core.Participant) error
	// IsDelivered reports the persisted delivered flag; false for unknown ids.
	IsDelivered(ctx context.Context, id string) (bool, error)
	// MarkDelivered sets delivered and delivered_at. Repeated calls keep the
	// first delivered_at.
	MarkDelivered(ctx context.Context, id string) error

	GetParticipant(ctx context.Context, id string) (core.Participant, error)
	CountParticipants(ctx context.Context, filters Filters) (int64, error)
	ListParticipants(ctx context.Context, filters Filters) ([]core.Participant, error)
	Ping(ctx context.Context) error
	Close() error
}

// Order is the chronological order used when listing participants.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Filters narrows participant listings.
type Filters struct {
	Delivered *bool
	Names     []string
	Since     *time.Time
	Limit     int
	Order     Order
}

// Open picks a backend from the DSN: postgres:// and postgresql:// URLs use
// pgx, anything else is treated as a SQLite path (an optional sqlite://
// prefix is stripped) opened with sqliteOpts. Schema initialization happens
// here.
func Open(ctx context.Context, dsn string, sqliteOpts SQLiteOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty database url")
	}
	if IsPostgresDSN(dsn) {
		return OpenPostgres(ctx, PostgresConfig{URL: dsn})
	}
	return OpenSQLiteWith(ctx, strings.TrimPrefix(dsn, "sqlite://"), sqliteOpts)
}

// IsPostgresDSN reports whether dsn addresses a Postgres server.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// Backend names the storage engine behind s for logs and /info.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// queryDialect captures the few differences between the SQL backends.
type queryDialect struct {
	postgres bool
}

func (d queryDialect) placeholder(n int) string {
	if d.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d queryDialect) columns() string {
	if d.postgres {
		return "id, display_name, profile_url, avatar_url, first_seen, delivered, delivered_at, COALESCE(raw::text, '')"
	}
	return "id, display_name, profile_url, avatar_url, first_seen, delivered, delivered_at, raw_json"
}

func (d queryDialect) deliveredArg(v bool) any {
	if d.postgres {
		return v
	}
	if v {
		return 1
	}
	return 0
}

func (d queryDialect) timeArg(t time.Time) any {
	if d.postgres {
		return t.UTC()
	}
	return formatTS(t)
}

func buildParticipantQuery(d queryDialect, filters Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM participants")
	} else {
		builder.WriteString("SELECT ")
		builder.WriteString(d.columns())
		builder.WriteString(" FROM participants")
	}

	var (
		conditions []string
		args       []any
	)
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if filters.Delivered != nil {
		conditions = append(conditions, "delivered = "+next(d.deliveredArg(*filters.Delivered)))
	}

	if len(filters.Names) > 0 {
		ors := make([]string, 0, len(filters.Names))
		for _, name := range filters.Names {
			ors = append(ors, "LOWER(display_name) LIKE '%' || "+next(strings.ToLower(name))+" || '%'")
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "first_seen >= "+next(d.timeArg(*filters.Since)))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY first_seen ")
		builder.WriteString(order)
		builder.WriteString(", id ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		builder.WriteString(" LIMIT ")
		builder.WriteString(next(limit))
	}

	builder.WriteString(";")
	return builder.String(), args
}

// tsLayout is fixed-width so SQLite text timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{tsLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
