// Package repository persists scored analyses as an append-only,
// retention-bounded history and answers the read and rollup queries over it.
//
// SQLite (modernc.org/sqlite) is the default backend; PostgreSQL is
// supported through lib/pq. Timestamps are stored as UTC unix microseconds
// so both backends bucket and compare them identically.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/observability"
	"github.com/lvonguyen/cerberus/internal/threat"
)

// Common errors.
var (
	ErrUnknownDriver = errors.New("unknown database driver")
	ErrClosed        = errors.New("report store is closed")
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 200
	DefaultStatsWindow = 24
	MaxStatsWindow     = 168
	TopRiskCount       = 5
	VolumeBuckets      = 24

	hourMicros = int64(time.Hour / time.Microsecond)
)

// Retention bounds the stored history. Zero values disable a bound.
type Retention struct {
	MaxAge  time.Duration `yaml:"max_age"`
	MaxRows int           `yaml:"max_rows"`
}

// Record is one analysis to persist.
type Record struct {
	Analysis  threat.ScoredAnalysis
	Narrative string
	Raw       threat.Bundle
	// AnalyzedAt defaults to the store clock when zero.
	AnalyzedAt time.Time
}

// StoredReport is a persisted analysis annotated with read-time history.
type StoredReport struct {
	ID                int64             `json:"id"`
	IPAddress         string            `json:"ip_address"`
	ThreatScore       int               `json:"threat_score"`
	RiskLevel         threat.RiskLevel  `json:"risk_level"`
	ReputationScore   float64           `json:"reputation_score"`
	MaliciousSources  int               `json:"malicious_sources"`
	SuspiciousSources int               `json:"suspicious_sources"`
	AbuseConfidence   float64           `json:"abuse_confidence"`
	TotalReports      int               `json:"total_reports"`
	ThreatCategories  []threat.Category `json:"threat_categories"`
	Country           string            `json:"country"`
	CountryCode       string            `json:"country_code"`
	ASNName           string            `json:"asn_name"`
	TriggeredRules    []string          `json:"triggered_rules"`
	Narrative         *string           `json:"threat_narrative"`
	RawData           threat.Bundle     `json:"raw_data"`
	AnalyzedAt        time.Time         `json:"analyzed_at"`
	OccurrenceCount   int               `json:"occurrence_count"`
	IsNew             bool              `json:"is_new"`
}

// VolumeBucket is the number of analyses within one hour.
type VolumeBucket struct {
	Bucket time.Time `json:"bucket"`
	Count  int       `json:"count"`
}

// Metrics are all-time store totals.
type Metrics struct {
	TotalReports   int        `json:"total_reports"`
	UniqueIPs      int        `json:"unique_ips"`
	LastAnalysisAt *time.Time `json:"last_analysis_at"`
}

// Stats is the rollup returned by GetStats.
type Stats struct {
	WindowHours    int                      `json:"window_hours"`
	TopRisks       []StoredReport           `json:"top_risks"`
	RiskCounts     map[threat.RiskLevel]int `json:"risk_counts"`
	CategoryCounts map[threat.Category]int  `json:"category_counts"`
	ReportVolume   []VolumeBucket           `json:"report_volume"`
	Metrics        Metrics                  `json:"metrics"`
}

// Store is the report history.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	retention Retention
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics

	// writeMu serializes Save and Prune so retention never races an insert.
	writeMu sync.Mutex
	closed  bool
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option { return func(s *Store) { s.clock = clock } }

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option { return func(s *Store) { s.logger = logger } }

// WithMetrics records saves and prunes.
func WithMetrics(m *observability.Metrics) Option { return func(s *Store) { s.metrics = m } }

// Open connects to the database described by driver and dsn, applies the
// schema and returns a ready store.
func Open(ctx context.Context, driver, dsn string, retention Retention, opts ...Option) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := dialect.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect.Name, err)
	}

	s, err := New(ctx, db, dialect, retention, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool and applies the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, retention Retention, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		dialect:   dialect,
		retention: retention,
		clock:     time.Now,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging %s database: %w", dialect.Name, err)
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Retention returns the configured retention bounds.
func (s *Store) Retention() Retention {
	return s.retention
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// Save inserts one analysis and applies retention in the same transaction.
func (s *Store) Save(ctx context.Context, rec Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	a := rec.Analysis
	cats := a.Report.ThreatCategories
	if cats == nil {
		cats = []threat.Category{}
	}
	rules := a.TriggeredRules
	if rules == nil {
		rules = []string{}
	}
	raw := rec.Raw
	if raw == nil {
		raw = threat.Bundle{}
	}

	catsJSON, err := json.Marshal(cats)
	if err != nil {
		return fmt.Errorf("encoding categories: %w", err)
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encoding triggered rules: %w", err)
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding raw data: %w", err)
	}

	analyzedAt := rec.AnalyzedAt.UTC()
	if rec.AnalyzedAt.IsZero() {
		analyzedAt = s.now()
	}

	var narrative sql.NullString
	if strings.TrimSpace(rec.Narrative) != "" {
		narrative = sql.NullString{String: rec.Narrative, Valid: true}
	}

	var byAge, byCount int64
	err = s.runTx(ctx, func(tx *sql.Tx) error {
		var id int64
		row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
			INSERT INTO reports (
				ip_address, threat_score, risk_level, reputation_score,
				malicious_sources, suspicious_sources, abuse_confidence, total_reports,
				threat_categories, country, country_code, asn_name,
				triggered_rules, narrative, raw_data, analyzed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			a.Report.IPAddress, a.ThreatScore, string(a.RiskLevel), a.Report.ReputationScore,
			a.Report.MaliciousSources, a.Report.SuspiciousSources, a.Report.AbuseConfidence, a.Report.TotalReports,
			string(catsJSON), a.Report.Country, a.Report.CountryCode, a.Report.ASNName,
			string(rulesJSON), narrative, string(rawJSON), analyzedAt.UnixMicro(),
		)
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("inserting report: %w", err)
		}

		var err error
		byAge, byCount, err = s.applyRetention(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.metrics.ReportSaved()
	s.metrics.Pruned("age", byAge)
	s.metrics.Pruned("count", byCount)
	return nil
}

// Prune applies retention without inserting, returning the rows removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var byAge, byCount int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		byAge, byCount, err = s.applyRetention(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.Pruned("age", byAge)
	s.metrics.Pruned("count", byCount)
	return byAge + byCount, nil
}

// applyRetention deletes rows older than MaxAge, then everything beyond the
// MaxRows most recent.
func (s *Store) applyRetention(ctx context.Context, tx *sql.Tx) (byAge, byCount int64, err error) {
	if s.retention.MaxAge > 0 {
		cutoff := s.now().Add(-s.retention.MaxAge).UnixMicro()
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM reports WHERE analyzed_at < ?`), cutoff)
		if err != nil {
			return 0, 0, fmt.Errorf("pruning by age: %w", err)
		}
		byAge, _ = res.RowsAffected()
	}

	if s.retention.MaxRows > 0 {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM reports WHERE id NOT IN (
				SELECT id FROM reports ORDER BY analyzed_at DESC, id DESC LIMIT ?
			)`), s.retention.MaxRows)
		if err != nil {
			return 0, 0, fmt.Errorf("pruning by count: %w", err)
		}
		byCount, _ = res.RowsAffected()
	}

	return byAge, byCount, nil
}

const reportColumns = `
	r.id, r.ip_address, r.threat_score, r.risk_level, r.reputation_score,
	r.malicious_sources, r.suspicious_sources, r.abuse_confidence, r.total_reports,
	r.threat_categories, r.country, r.country_code, r.asn_name,
	r.triggered_rules, r.narrative, r.raw_data, r.analyzed_at,
	(SELECT COUNT(*) FROM reports o WHERE o.ip_address = r.ip_address),
	(SELECT MIN(f.analyzed_at) FROM reports f WHERE f.ip_address = r.ip_address)`

// GetRecent returns the newest reports first. limit is bounded to
// [1, MaxRecentLimit]; non-positive values select DefaultRecentLimit.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]StoredReport, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+reportColumns+`
		FROM reports r
		ORDER BY r.analyzed_at DESC, r.id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent reports: %w", err)
	}
	defer rows.Close()

	return s.scanReports(rows)
}

// GetStats computes the rollup for the window [now-windowHours, now]. Risk,
// category and volume counts are windowed; top risks and metrics are
// all-time. All queries read one snapshot.
func (s *Store) GetStats(ctx context.Context, windowHours int) (*Stats, error) {
	windowHours = clampWindow(windowHours)
	now := s.now()
	w := window{
		since: now.Add(-time.Duration(windowHours) * time.Hour).UnixMicro(),
		until: now.UnixMicro(),
	}

	stats := &Stats{
		WindowHours:    windowHours,
		TopRisks:       []StoredReport{},
		RiskCounts:     make(map[threat.RiskLevel]int, len(threat.RiskLevels)),
		CategoryCounts: map[threat.Category]int{},
		ReportVolume:   []VolumeBucket{},
	}
	for _, level := range threat.RiskLevels {
		stats.RiskCounts[level] = 0
	}

	err := s.runReadTx(ctx, func(tx *sql.Tx) error {
		if err := s.topRisks(ctx, tx, stats); err != nil {
			return err
		}
		if err := s.riskCounts(ctx, tx, w, stats); err != nil {
			return err
		}
		if err := s.categoryCounts(ctx, tx, w, stats); err != nil {
			return err
		}
		if err := s.reportVolume(ctx, tx, w, stats); err != nil {
			return err
		}
		return s.totals(ctx, tx, stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// window is an inclusive analyzed_at range in unix microseconds.
type window struct {
	since, until int64
}

func (s *Store) topRisks(ctx context.Context, tx *sql.Tx, stats *Stats) error {
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+reportColumns+`
		FROM reports r
		ORDER BY r.threat_score DESC, r.analyzed_at DESC, r.id DESC
		LIMIT ?`), TopRiskCount)
	if err != nil {
		return fmt.Errorf("querying top risks: %w", err)
	}
	defer rows.Close()

	top, err := s.scanReports(rows)
	if err != nil {
		return err
	}
	stats.TopRisks = top
	return nil
}

func (s *Store) riskCounts(ctx context.Context, tx *sql.Tx, w window, stats *Stats) error {
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT risk_level, COUNT(*) FROM reports
		WHERE analyzed_at >= ? AND analyzed_at <= ?
		GROUP BY risk_level`), w.since, w.until)
	if err != nil {
		return fmt.Errorf("querying risk counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return fmt.Errorf("scanning risk count: %w", err)
		}
		stats.RiskCounts[threat.RiskLevel(level)] += n
	}
	return rows.Err()
}

func (s *Store) categoryCounts(ctx context.Context, tx *sql.Tx, w window, stats *Stats) error {
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT threat_categories FROM reports
		WHERE analyzed_at >= ? AND analyzed_at <= ?`), w.since, w.until)
	if err != nil {
		return fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scanning categories: %w", err)
		}
		var cats []threat.Category
		if err := json.Unmarshal([]byte(raw), &cats); err != nil {
			s.logger.Warn("Skipping unreadable category list", zap.Error(err))
			continue
		}
		seen := make(map[threat.Category]bool, len(cats))
		for _, c := range cats {
			if seen[c] {
				continue
			}
			seen[c] = true
			stats.CategoryCounts[c]++
		}
	}
	return rows.Err()
}

func (s *Store) reportVolume(ctx context.Context, tx *sql.Tx, w window, stats *Stats) error {
	rows, err := tx.QueryContext(ctx, s.dialect.Rebind(`
		SELECT analyzed_at - (analyzed_at % ?) AS bucket, COUNT(*)
		FROM reports
		WHERE analyzed_at >= ? AND analyzed_at <= ?
		GROUP BY bucket
		ORDER BY bucket DESC
		LIMIT ?`), hourMicros, w.since, w.until, VolumeBuckets)
	if err != nil {
		return fmt.Errorf("querying report volume: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket int64
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return fmt.Errorf("scanning report volume: %w", err)
		}
		stats.ReportVolume = append(stats.ReportVolume, VolumeBucket{
			Bucket: time.UnixMicro(bucket).UTC(),
			Count:  n,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(stats.ReportVolume, func(i, j int) bool {
		return stats.ReportVolume[i].Bucket.Before(stats.ReportVolume[j].Bucket)
	})
	return nil
}

func (s *Store) totals(ctx context.Context, tx *sql.Tx, stats *Stats) error {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT ip_address), MAX(analyzed_at) FROM reports`).
		Scan(&stats.Metrics.TotalReports, &stats.Metrics.UniqueIPs, &last)
	if err != nil {
		return fmt.Errorf("querying totals: %w", err)
	}
	if last.Valid {
		t := time.UnixMicro(last.Int64).UTC()
		stats.Metrics.LastAnalysisAt = &t
	}
	return nil
}

func (s *Store) scanReports(rows *sql.Rows) ([]StoredReport, error) {
	reports := []StoredReport{}
	for rows.Next() {
		var (
			r          StoredReport
			risk       string
			cats       string
			rules      string
			raw        string
			narrative  sql.NullString
			analyzedAt int64
			firstSeen  sql.NullInt64
		)
		err := rows.Scan(
			&r.ID, &r.IPAddress, &r.ThreatScore, &risk, &r.ReputationScore,
			&r.MaliciousSources, &r.SuspiciousSources, &r.AbuseConfidence, &r.TotalReports,
			&cats, &r.Country, &r.CountryCode, &r.ASNName,
			&rules, &narrative, &raw, &analyzedAt,
			&r.OccurrenceCount, &firstSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}

		r.RiskLevel = threat.RiskLevel(risk)
		r.AnalyzedAt = time.UnixMicro(analyzedAt).UTC()
		if narrative.Valid {
			n := narrative.String
			r.Narrative = &n
		}
		r.ThreatCategories = decodeColumn(s, r.ID, "threat_categories", cats, []threat.Category{})
		r.TriggeredRules = decodeColumn(s, r.ID, "triggered_rules", rules, []string{})
		r.RawData = decodeColumn(s, r.ID, "raw_data", raw, threat.Bundle{})

		r.IsNew = r.OccurrenceCount <= 1 && firstSeen.Valid && firstSeen.Int64 == analyzedAt
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// decodeColumn unmarshals a JSON column, logging and returning empty when the
// stored value is unreadable.
func decodeColumn[T any](s *Store, id int64, column, data string, empty T) T {
	var out T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		s.logger.Warn("Unreadable report column",
			zap.Int64("id", id), zap.String("column", column), zap.Error(err))
		return empty
	}
	return out
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultRecentLimit
	case limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return limit
	}
}

func clampWindow(hours int) int {
	switch {
	case hours <= 0:
		return DefaultStatsWindow
	case hours > MaxStatsWindow:
		return MaxStatsWindow
	default:
		return hours
	}
}
