package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/cerberus/internal/threat"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T, retention Retention, clock *fakeClock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(context.Background(), "sqlite", path, retention, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSave(t *testing.T, s *Store, rec Record) {
	t.Helper()
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save %s failed: %v", rec.Analysis.Report.IPAddress, err)
	}
}

func record(ip string, score int, level threat.RiskLevel, cats ...threat.Category) Record {
	if cats == nil {
		cats = []threat.Category{}
	}
	return Record{
		Analysis: threat.ScoredAnalysis{
			Report: threat.Report{
				IPAddress:        ip,
				ReputationScore:  float64(score),
				ThreatCategories: cats,
				Country:          "Unknown",
				CountryCode:      "Unknown",
				ASNName:          "Unknown",
			},
			ThreatScore:    score,
			TriggeredRules: []string{},
			RiskLevel:      level,
		},
		Raw: threat.Bundle{"abuseipdb": threat.SourceResult{Err: "timeout"}},
	}
}

// =============================================================================
// Save / GetRecent Tests
// =============================================================================

// TestSave_SingleReportIsNew verifies a first analysis is annotated as new
// with one occurrence.
func TestSave_SingleReportIsNew(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxAge: 7 * 24 * time.Hour, MaxRows: 1000}, clock)
	ctx := context.Background()

	if err := s.Save(ctx, record("9.9.9.9", 10, threat.RiskLow)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reports, err := s.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}

	r := reports[0]
	if r.IPAddress != "9.9.9.9" || r.OccurrenceCount != 1 || !r.IsNew {
		t.Errorf("unexpected annotations: %+v", r)
	}
	if !r.AnalyzedAt.Equal(clock.Now()) {
		t.Errorf("analyzed_at = %v, want %v", r.AnalyzedAt, clock.Now())
	}
	if r.Narrative != nil {
		t.Errorf("empty narrative should be stored as null, got %q", *r.Narrative)
	}
	if !r.RawData["abuseipdb"].Failed() {
		t.Errorf("raw bundle not round-tripped: %+v", r.RawData)
	}
}

// TestSave_RepeatedIPNotNew verifies repeat analyses share the occurrence
// count and none of them is new.
func TestSave_RepeatedIPNotNew(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := record("1.1.1.1", 20, threat.RiskLow)
		rec.Narrative = fmt.Sprintf("pass %d", i)
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}

	reports, err := s.GetRecent(ctx, 50)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	for _, r := range reports {
		if r.OccurrenceCount != 3 || r.IsNew {
			t.Errorf("report %d: occurrence=%d is_new=%v", r.ID, r.OccurrenceCount, r.IsNew)
		}
	}
	if reports[0].Narrative == nil || *reports[0].Narrative != "pass 2" {
		t.Errorf("expected newest first, got %+v", reports[0])
	}
}

// TestGetRecent_OrderAndLimit verifies newest-first ordering with id as
// the tie breaker and limit clamping.
func TestGetRecent_OrderAndLimit(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.Save(ctx, record(fmt.Sprintf("192.0.2.%d", i), i, threat.RiskLow)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	reports, err := s.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(reports) != 2 || reports[0].IPAddress != "192.0.2.3" || reports[1].IPAddress != "192.0.2.2" {
		t.Errorf("unexpected order: %+v", reports)
	}

	all, err := s.GetRecent(ctx, 0)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("default limit should return all 4, got %d", len(all))
	}
}

// TestClampLimitAndWindow verifies out-of-range query bounds.
func TestClampLimitAndWindow(t *testing.T) {
	limits := map[int]int{-5: 50, 0: 50, 1: 1, 200: 200, 201: 200, 100000: 200}
	for in, want := range limits {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
	windows := map[int]int{-1: 24, 0: 24, 1: 1, 168: 168, 169: 168}
	for in, want := range windows {
		if got := clampWindow(in); got != want {
			t.Errorf("clampWindow(%d) = %d, want %d", in, got, want)
		}
	}
}

// TestGetRecent_Idempotent verifies reads without intervening writes return
// identical results.
func TestGetRecent_Idempotent(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)
	ctx := context.Background()

	mustSave(t, s, record("203.0.113.1", 80, threat.RiskCritical, threat.CategoryMalware))
	mustSave(t, s, record("203.0.113.2", 30, threat.RiskMedium))

	first, err := s.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	second, _ := s.GetRecent(ctx, 10)
	if fmt.Sprintf("%+v", first) != fmt.Sprintf("%+v", second) {
		t.Error("repeated reads differ")
	}
}

// =============================================================================
// Retention Tests
// =============================================================================

// TestSave_CountRetentionKeepsNewest verifies ten saves with a row limit of
// five keep exactly the five newest.
func TestSave_CountRetentionKeepsNewest(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxRows: 5}, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rec := record("1.1.1.1", i, threat.RiskLow)
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
		clock.Advance(time.Second)
	}

	reports, err := s.GetRecent(ctx, 50)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(reports) != 5 {
		t.Fatalf("expected 5 reports, got %d", len(reports))
	}
	for i, r := range reports {
		if want := 9 - i; r.ThreatScore != want {
			t.Errorf("position %d: score %d, want %d", i, r.ThreatScore, want)
		}
		if r.OccurrenceCount != 5 {
			t.Errorf("occurrence count should reflect retained rows, got %d", r.OccurrenceCount)
		}
	}
}

// TestSave_AgeRetentionDropsOldRows verifies rows older than the age bound
// are removed by the next save.
func TestSave_AgeRetentionDropsOldRows(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxAge: 7 * 24 * time.Hour}, clock)
	ctx := context.Background()

	mustSave(t, s, record("198.51.100.1", 10, threat.RiskLow))
	clock.Advance(8 * 24 * time.Hour)
	mustSave(t, s, record("198.51.100.2", 10, threat.RiskLow))

	reports, _ := s.GetRecent(ctx, 50)
	if len(reports) != 1 || reports[0].IPAddress != "198.51.100.2" {
		t.Errorf("expected only the fresh report, got %+v", reports)
	}
}

// TestSave_AgeThenCountRetention verifies that with both bounds set the
// surviving rows are the newest MaxRows among those inside MaxAge.
func TestSave_AgeThenCountRetention(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxAge: time.Hour, MaxRows: 3}, clock)
	ctx := context.Background()

	// Saved at +0, +20, ... +100 minutes. At the last save the age cutoff is
	// +40, leaving four rows, and the count bound trims that to three.
	for i := 0; i < 6; i++ {
		mustSave(t, s, record("203.0.113.80", i, threat.RiskLow))
		if i < 5 {
			clock.Advance(20 * time.Minute)
		}
	}

	reports, err := s.GetRecent(ctx, 50)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	var scores []int
	for _, r := range reports {
		scores = append(scores, r.ThreatScore)
	}
	if want := []int{5, 4, 3}; !reflect.DeepEqual(scores, want) {
		t.Fatalf("surviving scores = %v, want %v", scores, want)
	}

	// Age is now the tighter bound: only the +100 row is inside the hour.
	clock.Advance(50 * time.Minute)
	removed, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	reports, _ = s.GetRecent(ctx, 50)
	if len(reports) != 1 || reports[0].ThreatScore != 5 {
		t.Errorf("expected only the newest row, got %+v", reports)
	}
}

// TestSave_FractionalScoresRoundTrip verifies confidence and reputation keep
// their fractional part.
func TestSave_FractionalScoresRoundTrip(t *testing.T) {
	s := openTestStore(t, Retention{}, newFakeClock())

	rec := record("198.51.100.20", 40, threat.RiskMedium)
	rec.Analysis.Report.AbuseConfidence = 87.5
	rec.Analysis.Report.ReputationScore = 42.25
	mustSave(t, s, rec)

	reports, err := s.GetRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].AbuseConfidence != 87.5 || reports[0].ReputationScore != 42.25 {
		t.Errorf("abuse_confidence=%v reputation_score=%v, want 87.5 and 42.25",
			reports[0].AbuseConfidence, reports[0].ReputationScore)
	}
}

// TestGetRecent_UnreadableColumnsLogged verifies corrupt JSON columns read
// back empty and are reported in the log.
func TestGetRecent_UnreadableColumnsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "reports.db")
	s, err := Open(context.Background(), "sqlite", path, Retention{}, WithClock(clock.Now), WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	mustSave(t, s, record("192.0.2.40", 50, threat.RiskMedium, threat.CategorySpam))
	if _, err := s.db.ExecContext(ctx, `UPDATE reports SET triggered_rules = 'not json', raw_data = '{'`); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}

	reports, err := s.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	r := reports[0]
	if len(r.TriggeredRules) != 0 || r.TriggeredRules == nil || len(r.RawData) != 0 || r.RawData == nil {
		t.Errorf("corrupt columns should read back empty: rules=%v raw=%v", r.TriggeredRules, r.RawData)
	}
	if len(r.ThreatCategories) != 1 {
		t.Errorf("intact column lost: %v", r.ThreatCategories)
	}

	entries := logs.FilterMessage("Unreadable report column").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(entries))
	}
	columns := map[string]bool{}
	for _, e := range entries {
		columns[e.ContextMap()["column"].(string)] = true
	}
	if !columns["triggered_rules"] || !columns["raw_data"] {
		t.Errorf("unexpected columns logged: %v", columns)
	}
}

// TestPrune_AppliesAgeWithoutInsert verifies the sweeper path removes
// expired rows on its own.
func TestPrune_AppliesAgeWithoutInsert(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxAge: time.Hour}, clock)
	ctx := context.Background()

	mustSave(t, s, record("198.51.100.3", 10, threat.RiskLow))
	mustSave(t, s, record("198.51.100.4", 10, threat.RiskLow))
	clock.Advance(2 * time.Hour)

	sweeper, err := NewSweeper(s, "@hourly", nil)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	sweeper.Sweep()

	reports, _ := s.GetRecent(ctx, 50)
	if len(reports) != 0 {
		t.Errorf("expected empty store after sweep, got %d rows", len(reports))
	}

	removed, err := s.Prune(ctx)
	if err != nil || removed != 0 {
		t.Errorf("second prune: removed=%d err=%v", removed, err)
	}
}

// TestNewSweeper_InvalidSchedule verifies bad cron expressions are rejected.
func TestNewSweeper_InvalidSchedule(t *testing.T) {
	s := openTestStore(t, Retention{}, newFakeClock())
	if _, err := NewSweeper(s, "every now and then", nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

// TestSave_ConcurrentWritersRespectLimit verifies concurrent saves never
// leave more rows than the limit.
func TestSave_ConcurrentWritersRespectLimit(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{MaxRows: 10}, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Save(ctx, record(fmt.Sprintf("10.0.%d.%d", i/10, i%10), i, threat.RiskLow))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Save failed: %v", err)
		}
	}

	stats, err := s.GetStats(ctx, 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Metrics.TotalReports != 10 {
		t.Errorf("expected 10 rows, got %d", stats.Metrics.TotalReports)
	}
}

// TestSave_AfterClose verifies writes fail once the store is closed.
func TestSave_AfterClose(t *testing.T) {
	s := openTestStore(t, Retention{}, newFakeClock())
	s.Close()
	if err := s.Save(context.Background(), record("192.0.2.1", 0, threat.RiskLow)); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// =============================================================================
// Stats Tests
// =============================================================================

// TestGetStats_Rollup verifies windowed counts and all-time aggregates.
func TestGetStats_Rollup(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)
	ctx := context.Background()

	// Outside a 24h window but still counted in all-time aggregates.
	mustSave(t, s, record("203.0.113.50", 95, threat.RiskCritical, threat.CategoryMalware))
	clock.Advance(30 * time.Hour)

	mustSave(t, s, record("8.8.8.8", 0, threat.RiskLow))
	clock.Advance(90 * time.Minute)
	mustSave(t, s, record("45.33.32.156", 60, threat.RiskHigh, threat.CategoryScanner, threat.CategoryC2))
	clock.Advance(10 * time.Minute)
	mustSave(t, s, record("45.33.32.156", 70, threat.RiskHigh, threat.CategoryScanner))

	stats, err := s.GetStats(ctx, 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}

	if stats.WindowHours != 24 {
		t.Errorf("window = %d", stats.WindowHours)
	}

	wantRisk := map[threat.RiskLevel]int{
		threat.RiskLow: 1, threat.RiskMedium: 0, threat.RiskHigh: 2, threat.RiskCritical: 0,
	}
	for level, want := range wantRisk {
		got, ok := stats.RiskCounts[level]
		if !ok || got != want {
			t.Errorf("risk_counts[%s] = %d (present=%v), want %d", level, got, ok, want)
		}
	}

	if stats.CategoryCounts[threat.CategoryScanner] != 2 || stats.CategoryCounts[threat.CategoryC2] != 1 {
		t.Errorf("unexpected category counts: %v", stats.CategoryCounts)
	}
	if _, ok := stats.CategoryCounts[threat.CategoryMalware]; ok {
		t.Error("malware report is outside the window")
	}

	if len(stats.ReportVolume) != 2 {
		t.Fatalf("expected 2 volume buckets, got %+v", stats.ReportVolume)
	}
	if !stats.ReportVolume[0].Bucket.Before(stats.ReportVolume[1].Bucket) {
		t.Error("volume buckets should be ascending")
	}
	total := 0
	for _, b := range stats.ReportVolume {
		if b.Bucket.Minute() != 0 || b.Bucket.Second() != 0 {
			t.Errorf("bucket not hour-aligned: %v", b.Bucket)
		}
		total += b.Count
	}
	if total != 3 {
		t.Errorf("volume total = %d, want 3", total)
	}

	if len(stats.TopRisks) != 4 || stats.TopRisks[0].IPAddress != "203.0.113.50" {
		t.Errorf("top risks should be all-time and score ordered: %+v", stats.TopRisks)
	}
	if stats.TopRisks[1].ThreatScore != 70 || stats.TopRisks[1].OccurrenceCount != 2 {
		t.Errorf("unexpected second top risk: %+v", stats.TopRisks[1])
	}

	if stats.Metrics.TotalReports != 4 || stats.Metrics.UniqueIPs != 3 {
		t.Errorf("unexpected metrics: %+v", stats.Metrics)
	}
	if stats.Metrics.LastAnalysisAt == nil || !stats.Metrics.LastAnalysisAt.Equal(clock.Now()) {
		t.Errorf("last_analysis_at = %v, want %v", stats.Metrics.LastAnalysisAt, clock.Now())
	}
}

// TestGetStats_Idempotent verifies repeated rollups without intervening
// writes are identical.
func TestGetStats_Idempotent(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)
	ctx := context.Background()

	mustSave(t, s, record("203.0.113.60", 85, threat.RiskCritical, threat.CategoryMalware, threat.CategoryBotnet))
	clock.Advance(time.Hour)
	mustSave(t, s, record("203.0.113.61", 40, threat.RiskMedium, threat.CategorySpam))
	mustSave(t, s, record("203.0.113.60", 90, threat.RiskCritical, threat.CategoryMalware))

	first, err := s.GetStats(ctx, 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	second, err := s.GetStats(ctx, 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated rollups differ:\n%+v\n%+v", first, second)
	}
}

// TestGetStats_ExcludesFutureRows verifies the window ends at the store
// clock, so rows stamped ahead of it are not counted.
func TestGetStats_ExcludesFutureRows(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, Retention{}, clock)

	ahead := record("203.0.113.70", 95, threat.RiskCritical, threat.CategoryMalware)
	ahead.AnalyzedAt = clock.Now().Add(48 * time.Hour)
	mustSave(t, s, ahead)
	mustSave(t, s, record("203.0.113.71", 5, threat.RiskLow))

	stats, err := s.GetStats(context.Background(), 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.RiskCounts[threat.RiskCritical] != 0 || stats.RiskCounts[threat.RiskLow] != 1 {
		t.Errorf("unexpected risk counts: %v", stats.RiskCounts)
	}
	if _, ok := stats.CategoryCounts[threat.CategoryMalware]; ok {
		t.Errorf("future row counted in categories: %v", stats.CategoryCounts)
	}
	if len(stats.ReportVolume) != 1 || stats.ReportVolume[0].Count != 1 {
		t.Errorf("unexpected volume: %+v", stats.ReportVolume)
	}
	if !stats.ReportVolume[0].Bucket.Before(clock.Now().Add(time.Second)) {
		t.Errorf("volume bucket %v is after the clock", stats.ReportVolume[0].Bucket)
	}
}

// TestGetStats_EmptyStore verifies an empty store yields zero-filled tiers
// and no last analysis time.
func TestGetStats_EmptyStore(t *testing.T) {
	s := openTestStore(t, Retention{}, newFakeClock())

	stats, err := s.GetStats(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.WindowHours != DefaultStatsWindow {
		t.Errorf("window = %d", stats.WindowHours)
	}
	if len(stats.RiskCounts) != 4 {
		t.Errorf("all tiers should be present: %v", stats.RiskCounts)
	}
	if stats.Metrics.LastAnalysisAt != nil || stats.Metrics.TotalReports != 0 {
		t.Errorf("unexpected metrics: %+v", stats.Metrics)
	}
	if stats.TopRisks == nil || stats.ReportVolume == nil {
		t.Error("empty lists should not be nil")
	}
}

// =============================================================================
// Dialect Tests
// =============================================================================

// TestDialect_Rebind verifies placeholder numbering for PostgreSQL.
func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM reports WHERE analyzed_at >= ? AND ip_address = ? LIMIT ?"
	if got := sqliteDialect.Rebind(q); got != q {
		t.Errorf("sqlite should keep ?, got %q", got)
	}
	want := "SELECT * FROM reports WHERE analyzed_at >= $1 AND ip_address = $2 LIMIT $3"
	if got := postgresDialect.Rebind(q); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestDialectFor_Unknown verifies unsupported drivers are rejected.
func TestDialectFor_Unknown(t *testing.T) {
	if _, err := DialectFor("oracle"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

// TestOpen_InMemory verifies the in-memory database keeps its data across
// queries.
func TestOpen_InMemory(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", ":memory:", Retention{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, record("192.0.2.9", 5, threat.RiskLow)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	reports, err := s.GetRecent(ctx, 5)
	if err != nil || len(reports) != 1 {
		t.Errorf("expected 1 report, got %d (err=%v)", len(reports), err)
	}
}

// TestPostgres_SaveAndStats runs against a live PostgreSQL when
// CERBERUS_TEST_POSTGRES_DSN is set.
func TestPostgres_SaveAndStats(t *testing.T) {
	dsn := os.Getenv("CERBERUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CERBERUS_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	clock := newFakeClock()
	s, err := Open(ctx, "postgres", dsn, Retention{MaxRows: 3}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if _, err := s.db.ExecContext(ctx, "TRUNCATE reports RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Save(ctx, record("192.0.2.77", i*20, threat.RiskLow, threat.CategorySpam)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		clock.Advance(time.Minute)
	}

	stats, err := s.GetStats(ctx, 24)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Metrics.TotalReports != 3 || stats.CategoryCounts[threat.CategorySpam] != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
