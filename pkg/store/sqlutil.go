package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// sqliteTimeLayout is fixed width so that TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

var pgPlaceholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites Postgres $N markers as SQLite ?N markers.
func rebind(query string) string {
	return pgPlaceholder.ReplaceAllString(query, "?$1")
}

// dbTime scans TIMESTAMPTZ (lib/pq) and TEXT (SQLite) columns alike.
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into time", src)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("store: unparseable time %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ sql.Scanner = (*dbTime)(nil)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// timeArg converts an optional time for the given driver.
func timeArg(t *time.Time, sqliteDialect bool) driver.Value {
	if t == nil {
		return nil
	}
	if sqliteDialect {
		return sqliteTime(*t)
	}
	return t.UTC()
}

// uniqueViolation reports whether err is a unique-constraint failure from
// either driver, and returns the offending constraint text.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint + " " + pqErr.Detail, true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return liteErr.Error(), true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	return xerrors.Truncate(s, n)
}
