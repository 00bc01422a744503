package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Column describes one column from PRAGMA table_info.
type Column struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// TableInfo returns the columns of a table keyed by lowercased name. An empty
// map means the table does not exist.
func TableInfo(ctx context.Context, db *sql.DB, table string) (map[string]Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Column)
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
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = Column{
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

// HasTable reports whether the named table exists.
func HasTable(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasIndex reports whether the named index exists on the table.
func HasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
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

// EnsureColumn adds the column when absent. Migrations are additive only;
// nothing is ever dropped or rewritten destructively.
func EnsureColumn(ctx context.Context, db *sql.DB, table, column, decl string) (bool, error) {
	columns, err := TableInfo(ctx, db, table)
	if err != nil {
		return false, err
	}
	if len(columns) == 0 {
		return false, fmt.Errorf("table %s does not exist", table)
	}
	if _, ok := columns[strings.ToLower(column)]; ok {
		return false, nil
	}
	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("ensure %s.%s: %w", table, column, err)
	}
	return true, nil
}

// UserVersion reads PRAGMA user_version.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// SetUserVersion writes PRAGMA user_version.
func SetUserVersion(ctx context.Context, db *sql.DB, v int) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version=%d;`, v))
	return err
}
