// Package useragent scores user-agent strings for automation signals.
package useragent

import (
	"fmt"
	"strings"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

const (
	weightMissing     = 0.5
	weightNoBrowser   = 0.4
	weightTooShort    = 0.5
	weightTooLong     = 0.6
	weightConflicting = 0.5
)

// browser families identified by their product tokens.
var browserTokens = map[string][]string{
	"chrome":  {"chrome/", "crios/"},
	"firefox": {"firefox/", "fxios/"},
	"safari":  {"safari/"},
	"edge":    {"edg/", "edge/"},
	"opera":   {"opr/", "opera"},
	"ie":      {"msie ", "trident/"},
}

// families that never legitimately appear together in one UA string.
var conflicting = [][2]string{
	{"firefox", "chrome"},
	{"firefox", "ie"},
	{"chrome", "ie"},
	{"firefox", "edge"},
}

// Classification is the outcome of scoring one user agent.
type Classification struct {
	Suspicious bool
	Confidence float64
	Reasons    []string
}

// Classifier scores user agents with a weighted union of independent signals.
type Classifier struct {
	cfg   config.UserAgentConfig
	tools []config.ToolSignature
}

// New creates a Classifier.
func New(cfg config.UserAgentConfig, tools []config.ToolSignature) *Classifier {
	lowered := make([]config.ToolSignature, len(tools))
	for i, t := range tools {
		t.Match = strings.ToLower(t.Match)
		lowered[i] = t
	}
	return &Classifier{cfg: cfg, tools: lowered}
}

// Classify scores ua. Confidence is 1 - Π(1 - wᵢ) over the signals present.
func (c *Classifier) Classify(ua string) Classification {
	var (
		reasons []string
		miss    = 1.0
	)
	add := func(weight float64, reason string) {
		miss *= 1 - weight
		reasons = append(reasons, reason)
	}

	ua = strings.TrimSpace(ua)
	if ua == "" {
		add(weightMissing, "missing user agent")
		return c.result(miss, reasons)
	}

	lower := strings.ToLower(ua)
	for _, t := range c.tools {
		if strings.Contains(lower, t.Match) {
			add(t.Weight, fmt.Sprintf("%s signature: %s", t.Label, t.Match))
		}
	}

	families := detectFamilies(lower)
	if len(families) == 0 {
		add(weightNoBrowser, "no browser signature")
	}
	for _, pair := range conflicting {
		if families[pair[0]] && families[pair[1]] {
			add(weightConflicting, fmt.Sprintf("conflicting browser identifiers: %s and %s", pair[0], pair[1]))
			break
		}
	}

	switch {
	case len(ua) < c.cfg.MinLength:
		add(weightTooShort, fmt.Sprintf("user agent too short (%d)", len(ua)))
	case len(ua) > c.cfg.MaxLength:
		add(weightTooLong, fmt.Sprintf("user agent too long (%d)", len(ua)))
	}

	return c.result(miss, reasons)
}

func (c *Classifier) result(miss float64, reasons []string) Classification {
	confidence := 1 - miss
	return Classification{
		Suspicious: confidence >= c.cfg.MonitorThreshold,
		Confidence: confidence,
		Reasons:    reasons,
	}
}

// Action maps a classification onto a verdict action: block above the block
// threshold, monitor from the monitor threshold, allow otherwise.
func (c *Classifier) Action(cl Classification) (model.Action, bool) {
	switch {
	case cl.Confidence > c.cfg.BlockThreshold:
		return model.ActionBlock, false
	case cl.Confidence >= c.cfg.MonitorThreshold:
		return model.ActionMonitor, true
	default:
		return "", true
	}
}

func detectFamilies(lower string) map[string]bool {
	found := make(map[string]bool, 2)
	for family, tokens := range browserTokens {
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				found[family] = true
				break
			}
		}
	}
	// Chromium-based browsers carry a Chrome token; treat those as one family.
	if found["edge"] || found["opera"] {
		delete(found, "chrome")
	}
	return found
}
