// Package threat scores payload content against a weighted table of attack
// signatures. The engine is stateless: every signature is evaluated
// independently and the results are unioned, so signatures can be tested
// and added in isolation.
package threat

import (
	"fmt"
	"regexp"
)

// Severity buckets signatures by how strongly a match indicates an attack.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight returns the score contribution of one match at this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 15
	case SeverityMedium:
		return 8
	case SeverityLow:
		return 3
	default:
		return 0
	}
}

// Action decides what a match does on its own: "block" rejects the payload
// outright, "flag" only contributes to the cumulative score.
type Action string

const (
	ActionBlock Action = "block"
	ActionFlag  Action = "flag"
)

// Signature is one named pattern rule.
type Signature struct {
	Name        string
	Pattern     string
	Severity    Severity
	Action      Action
	Description string

	re *regexp.Regexp
}

// Report is the outcome of scanning one payload.
type Report struct {
	// Matches holds the names of every matched signature, in table order.
	Matches []string
	// Score is the severity-weighted sum over all matches.
	Score int
	// Blocked is true when the payload must be rejected: either the score
	// reached the block threshold or a block-action signature matched.
	Blocked bool
}

// Engine evaluates payloads against its signature table. Safe for
// concurrent use once constructed.
type Engine struct {
	sigs       []Signature
	blockScore int
}

// DefaultBlockScore is the cumulative score at which a payload is rejected
// even when no single signature demands a block.
const DefaultBlockScore = 50

// New compiles the given signatures into an engine. A blockScore of 0
// falls back to DefaultBlockScore.
func New(blockScore int, sigs []Signature) (*Engine, error) {
	if blockScore <= 0 {
		blockScore = DefaultBlockScore
	}

	compiled := make([]Signature, 0, len(sigs))
	for _, s := range sigs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: invalid pattern: %w", s.Name, err)
		}
		s.re = re
		compiled = append(compiled, s)
	}

	return &Engine{sigs: compiled, blockScore: blockScore}, nil
}

// NewDefault builds an engine from the built-in signature table.
func NewDefault() *Engine {
	e, err := New(DefaultBlockScore, DefaultSignatures())
	if err != nil {
		// The built-in table is compile-tested; a failure here is a bug.
		panic(err)
	}
	return e
}

// Scan checks text against every signature and returns the unioned result.
func (e *Engine) Scan(text string) Report {
	var report Report
	for i := range e.sigs {
		s := &e.sigs[i]
		if !s.re.MatchString(text) {
			continue
		}
		report.Matches = append(report.Matches, s.Name)
		report.Score += s.Severity.Weight()
		if s.Action == ActionBlock {
			report.Blocked = true
		}
	}
	if report.Score >= e.blockScore {
		report.Blocked = true
	}
	return report
}

// Signatures returns the engine's signature table for introspection.
func (e *Engine) Signatures() []Signature {
	out := make([]Signature, len(e.sigs))
	copy(out, e.sigs)
	return out
}
