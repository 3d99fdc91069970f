// Package signatures compiles the malicious-content rules shared by the
// payload inspector and the threat detector.
package signatures

import (
	"fmt"
	"regexp"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Signature is a compiled content rule.
type Signature struct {
	ID          string
	Category    string
	Type        model.IndicatorType
	Severity    model.Severity
	Description string
	re          *regexp.Regexp
}

// Source returns the pattern text, reported as the matched threat.
func (s *Signature) Source() string {
	return s.re.String()
}

// Set is an immutable list of compiled signatures.
type Set struct {
	sigs []*Signature
}

// Compile builds a Set from rule definitions.
func Compile(rules []config.SignatureRule) (*Set, error) {
	set := &Set{sigs: make([]*Signature, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", r.ID, err)
		}
		set.sigs = append(set.sigs, &Signature{
			ID:          r.ID,
			Category:    r.Category,
			Type:        r.Type,
			Severity:    r.Severity,
			Description: r.Description,
			re:          re,
		})
	}
	return set, nil
}

// MustDefault compiles the built-in rules and panics on failure.
func MustDefault() *Set {
	set, err := Compile(config.DefaultRules().Signatures)
	if err != nil {
		panic(err)
	}
	return set
}

// Match returns every signature matching input, in rule order.
func (s *Set) Match(input string) []*Signature {
	var matched []*Signature
	for _, sig := range s.sigs {
		if sig.re.MatchString(input) {
			matched = append(matched, sig)
		}
	}
	return matched
}

// Len returns the number of signatures.
func (s *Set) Len() int {
	return len(s.sigs)
}

// Indicator converts a match into a threat indicator.
func (s *Signature) Indicator(source string, evidence string) model.ThreatIndicator {
	confidence := 80
	if s.Severity == model.SeverityCritical {
		confidence = 95
	}
	return model.ThreatIndicator{
		Type:        s.Type,
		Severity:    s.Severity,
		Confidence:  confidence,
		Evidence:    fmt.Sprintf("%s (%s): %s", s.ID, s.Category, truncate(evidence, 200)),
		Mitigations: mitigationsFor(s.Type),
		Source:      source,
	}
}

func mitigationsFor(t model.IndicatorType) []string {
	switch t {
	case model.IndicatorInjection:
		return []string{"reject input", "parameterize queries", "encode output"}
	case model.IndicatorMalware:
		return []string{"quarantine content", "scan uploads"}
	case model.IndicatorPhishing:
		return []string{"remove content", "warn recipients"}
	default:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
