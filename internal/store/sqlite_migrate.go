package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

const sqliteSchemaVersion = 1

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades participant tables written by older releases and
// imports the legacy youtube_users table once.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("store: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "participants")
	if err != nil {
		return fmt.Errorf("sqlite: describe participants: %w", err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: participants table missing after schema init")
	}

	additions := []struct {
		name string
		ddl  string
	}{
		{"avatar_url", `ALTER TABLE participants ADD COLUMN avatar_url TEXT NOT NULL DEFAULT '';`},
		{"delivered", `ALTER TABLE participants ADD COLUMN delivered INTEGER NOT NULL DEFAULT 0;`},
		{"delivered_at", `ALTER TABLE participants ADD COLUMN delivered_at TEXT;`},
		{"raw_json", `ALTER TABLE participants ADD COLUMN raw_json TEXT NOT NULL DEFAULT '';`},
	}
	for _, add := range additions {
		if _, ok := columns[add.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, add.ddl); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", add.name, err)
		}
		log.Printf("store: sqlite: added %s column to participants", add.name)
	}

	imported, err := importLegacySQLite(ctx, db)
	if err != nil {
		return err
	}
	if imported > 0 {
		log.Printf("store: sqlite: imported %d rows from youtube_users", imported)
	}

	// delivered_at is set if and only if delivered is true.
	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE participants SET display_name='' WHERE display_name IS NULL;`, "display_name"},
		{`UPDATE participants SET delivered=1 WHERE delivered=0 AND delivered_at IS NOT NULL;`, "delivered"},
		{`UPDATE participants SET delivered_at=first_seen WHERE delivered=1 AND delivered_at IS NULL;`, "delivered_at"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("store: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS participants_undelivered_idx
        ON participants(delivered, first_seen);`); err != nil {
		return fmt.Errorf("sqlite: ensure participants_undelivered_idx: %w", err)
	}

	if userVersion < sqliteSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "participants", "participants_undelivered_idx")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var total, pending int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN delivered=0 THEN 1 ELSE 0 END), 0) FROM participants;`).Scan(&total, &pending); err != nil {
		return fmt.Errorf("sqlite: count participants: %w", err)
	}

	log.Printf("store: sqlite: participants=%d undelivered=%d participants_undelivered_idx=%v",
		total,
		pending,
		hasIndex,
	)

	return nil
}

// importLegacySQLite copies youtube_users into an empty participants table.
func importLegacySQLite(ctx context.Context, db *sql.DB) (int64, error) {
	legacy, err := sqliteTableInfo(ctx, db, "youtube_users")
	if err != nil {
		return 0, fmt.Errorf("sqlite: describe youtube_users: %w", err)
	}
	if len(legacy) == 0 {
		return 0, nil
	}
	var existing int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants;`).Scan(&existing); err != nil {
		return 0, fmt.Errorf("sqlite: count participants: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	const isoFormat = `'%Y-%m-%dT%H:%M:%S.000000000Z'`
	q := `INSERT INTO participants (id, display_name, profile_url, first_seen, delivered, delivered_at, raw_json)
SELECT channel_id,
       COALESCE(channel_name, ''),
       COALESCE(channel_url, ''),
       COALESCE(strftime(` + isoFormat + `, first_seen), ?),
       CASE WHEN COALESCE(sent_to_telegram, 0) THEN 1 ELSE 0 END,
       CASE WHEN COALESCE(sent_to_telegram, 0) THEN COALESCE(strftime(` + isoFormat + `, telegram_sent_at), strftime(` + isoFormat + `, first_seen), ?) END,
       COALESCE(data, '')
FROM youtube_users
WHERE channel_id IS NOT NULL AND TRIM(channel_id) != ''
ON CONFLICT(id) DO NOTHING;`
	now := formatTS(time.Now())
	res, err := db.ExecContext(ctx, q, now, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: import youtube_users: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
