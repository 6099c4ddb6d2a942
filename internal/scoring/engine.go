// Package scoring computes a deterministic 0-100 threat score from a
// normalized report using an ordered table of weighted rules, and maps
// scores onto risk tiers.
package scoring

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lvonguyen/cerberus/internal/threat"
)

var (
	// ErrInvalidTiers is returned when tier bounds do not partition [0, 100].
	ErrInvalidTiers = errors.New("risk tiers must partition 0-100 without gaps or overlaps")
	// ErrNegativePoints is returned for rules that would lower the score.
	ErrNegativePoints = errors.New("rule points must not be negative")
)

// Rule is one weighted scoring predicate.
type Rule struct {
	Name   string
	Match  func(threat.Report) bool
	Points int
}

// Engine evaluates a rule table against reports.
type Engine struct {
	rules []Rule
	tiers Tiers
}

// NewEngine creates an engine for the given rule table and tiers.
func NewEngine(rules []Rule, tiers Tiers) (*Engine, error) {
	if err := tiers.Validate(); err != nil {
		return nil, err
	}
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if r.Match == nil {
			return nil, fmt.Errorf("rule %q: predicate is required", r.Name)
		}
		if r.Points < 0 {
			return nil, fmt.Errorf("rule %q: %w (%d)", r.Name, ErrNegativePoints, r.Points)
		}
	}
	return &Engine{rules: append([]Rule(nil), rules...), tiers: tiers}, nil
}

// Rules returns a copy of the rule table in evaluation order.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Tiers returns the engine's tier table.
func (e *Engine) Tiers() Tiers {
	return e.tiers
}

// Score evaluates every rule in table order and returns the clamped sum of
// triggered points together with the triggered rule names.
func (e *Engine) Score(report threat.Report) (int, []string) {
	total := 0
	triggered := []string{}
	for _, rule := range e.rules {
		if !safeMatch(rule, report) {
			continue
		}
		total += rule.Points
		triggered = append(triggered, rule.Name)
	}
	return threat.ClampScore(total), triggered
}

// Analyze scores a report and derives its tier.
func (e *Engine) Analyze(report threat.Report) threat.ScoredAnalysis {
	score, triggered := e.Score(report)
	return threat.ScoredAnalysis{
		Report:         report,
		ThreatScore:    score,
		TriggeredRules: triggered,
		RiskLevel:      e.tiers.Level(score),
	}
}

// safeMatch treats a panicking predicate as not triggered.
func safeMatch(rule Rule, report threat.Report) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return rule.Match(report)
}

// Tier is an inclusive score band.
type Tier struct {
	Level threat.RiskLevel
	Min   int
	Max   int
}

// Tiers is an ordered set of bands covering [0, 100].
type Tiers []Tier

// DefaultTiers returns LOW 0-25, MEDIUM 26-50, HIGH 51-75, CRITICAL 76-100.
func DefaultTiers() Tiers {
	return Tiers{
		{Level: threat.RiskLow, Min: 0, Max: 25},
		{Level: threat.RiskMedium, Min: 26, Max: 50},
		{Level: threat.RiskHigh, Min: 51, Max: 75},
		{Level: threat.RiskCritical, Min: 76, Max: 100},
	}
}

// Validate checks that the bands are contiguous, non-overlapping and cover
// exactly [0, 100].
func (t Tiers) Validate() error {
	if len(t) == 0 {
		return ErrInvalidTiers
	}
	sorted := append(Tiers(nil), t...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	next := 0
	for _, tier := range sorted {
		if tier.Level == "" || tier.Min > tier.Max || tier.Min != next {
			return fmt.Errorf("%w: band %q [%d,%d]", ErrInvalidTiers, tier.Level, tier.Min, tier.Max)
		}
		next = tier.Max + 1
	}
	if next != 101 {
		return fmt.Errorf("%w: bands end at %d", ErrInvalidTiers, next-1)
	}
	return nil
}

// Level maps a score to its tier. Scores outside [0, 100] are clamped first.
func (t Tiers) Level(score int) threat.RiskLevel {
	score = threat.ClampScore(score)
	for _, tier := range t {
		if score >= tier.Min && score <= tier.Max {
			return tier.Level
		}
	}
	return threat.RiskLow
}

var defaultTiers = DefaultTiers()

// RiskLevel maps a score onto the default tiers.
func RiskLevel(score int) threat.RiskLevel {
	return defaultTiers.Level(score)
}
