package repository

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between supported SQL backends.
type Dialect struct {
	Name   string
	Driver string
	Schema []string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
}

var sqliteDialect = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			ip_address         TEXT    NOT NULL,
			threat_score       INTEGER NOT NULL,
			risk_level         TEXT    NOT NULL,
			reputation_score   REAL    NOT NULL,
			malicious_sources  INTEGER NOT NULL,
			suspicious_sources INTEGER NOT NULL,
			abuse_confidence   REAL    NOT NULL,
			total_reports      INTEGER NOT NULL,
			threat_categories  TEXT    NOT NULL,
			country            TEXT    NOT NULL,
			country_code       TEXT    NOT NULL,
			asn_name           TEXT    NOT NULL,
			triggered_rules    TEXT    NOT NULL,
			narrative          TEXT,
			raw_data           TEXT    NOT NULL,
			analyzed_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_analyzed_at ON reports (analyzed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_ip ON reports (ip_address)`,
	},
}

var postgresDialect = Dialect{
	Name:     "postgres",
	Driver:   "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id                 BIGSERIAL PRIMARY KEY,
			ip_address         TEXT    NOT NULL,
			threat_score       INTEGER NOT NULL,
			risk_level         TEXT    NOT NULL,
			reputation_score   DOUBLE PRECISION NOT NULL,
			malicious_sources  INTEGER NOT NULL,
			suspicious_sources INTEGER NOT NULL,
			abuse_confidence   DOUBLE PRECISION NOT NULL,
			total_reports      INTEGER NOT NULL,
			threat_categories  TEXT    NOT NULL,
			country            TEXT    NOT NULL,
			country_code       TEXT    NOT NULL,
			asn_name           TEXT    NOT NULL,
			triggered_rules    TEXT    NOT NULL,
			narrative          TEXT,
			raw_data           TEXT    NOT NULL,
			analyzed_at        BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_analyzed_at ON reports (analyzed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_ip ON reports (ip_address)`,
	},
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql":
		return postgresDialect, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// open connects to the database. SQLite pragmas are set per connection
// through the DSN; an in-memory database is pinned to one connection so
// every query sees the same data.
func (d Dialect) open(dsn string) (*sql.DB, error) {
	if d.Name != "sqlite" {
		return sql.Open(d.Driver, dsn)
	}

	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	pragmas := "_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	if !memory {
		pragmas += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(d.Driver, dsn+sep+pragmas)
	if err != nil {
		return nil, err
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
