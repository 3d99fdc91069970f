package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Rules is the detection and response data set. It is loaded from YAML so
// signatures, honeypots and playbooks can change without code changes.
type Rules struct {
	Signatures     []SignatureRule                        `yaml:"signatures"`
	ToolSignatures []ToolSignature                        `yaml:"tool_signatures"`
	Honeypots      []string                               `yaml:"honeypots"`
	AdminPaths     []string                               `yaml:"admin_paths"`
	Reputation     []ReputationRule                       `yaml:"reputation"`
	Playbooks      []model.ResponsePlaybook               `yaml:"playbooks"`
	Cooldowns      map[model.MitigationType]time.Duration `yaml:"cooldowns"`
}

// SignatureRule is one malicious-content regular expression.
type SignatureRule struct {
	ID          string              `yaml:"id"`
	Category    string              `yaml:"category"`
	Type        model.IndicatorType `yaml:"type"`
	Severity    model.Severity      `yaml:"severity"`
	Pattern     string              `yaml:"pattern"`
	Description string              `yaml:"description,omitempty"`
}

// ToolSignature is a lower-case user-agent substring with its suspicion weight in (0,1].
type ToolSignature struct {
	Match  string  `yaml:"match"`
	Weight float64 `yaml:"weight"`
	Label  string  `yaml:"label"`
}

// ReputationRule assigns a static reputation score (0-100) to a network.
type ReputationRule struct {
	CIDR  string `yaml:"cidr"`
	Score int    `yaml:"score"`
}

// LoadRules reads a rules document. Sections missing from the file keep
// their built-in defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document on top of the defaults.
func ParseRules(data []byte) (*Rules, error) {
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	rules := DefaultRules()
	if file.Signatures != nil {
		rules.Signatures = file.Signatures
	}
	if file.ToolSignatures != nil {
		rules.ToolSignatures = file.ToolSignatures
	}
	if file.Honeypots != nil {
		rules.Honeypots = file.Honeypots
	}
	if file.AdminPaths != nil {
		rules.AdminPaths = file.AdminPaths
	}
	if file.Reputation != nil {
		rules.Reputation = file.Reputation
	}
	if file.Playbooks != nil {
		rules.Playbooks = file.Playbooks
	}
	for k, d := range file.Cooldowns {
		rules.Cooldowns[k] = d
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Marshal renders the rules as YAML.
func (r *Rules) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// Validate checks the rules for unknown enums and duplicate playbooks.
// Regular expressions are compiled by the signatures package.
func (r *Rules) Validate() error {
	for _, s := range r.Signatures {
		if s.ID == "" || s.Pattern == "" {
			return fmt.Errorf("signature %q: id and pattern are required", s.ID)
		}
		if !s.Type.Valid() {
			return fmt.Errorf("signature %q: unknown indicator type %q", s.ID, s.Type)
		}
		if !s.Severity.Valid() {
			return fmt.Errorf("signature %q: unknown severity %q", s.ID, s.Severity)
		}
	}
	for _, t := range r.ToolSignatures {
		if t.Match == "" || t.Weight <= 0 || t.Weight > 1 {
			return fmt.Errorf("tool signature %q: weight must be in (0,1]", t.Match)
		}
	}
	for _, rep := range r.Reputation {
		if _, err := netip.ParsePrefix(rep.CIDR); err != nil {
			return fmt.Errorf("reputation rule %q: %w", rep.CIDR, err)
		}
		if rep.Score < 0 || rep.Score > 100 {
			return fmt.Errorf("reputation rule %q: score must be 0-100", rep.CIDR)
		}
	}

	seen := make(map[model.PlaybookKey]bool, len(r.Playbooks))
	for _, p := range r.Playbooks {
		if !p.Type.Valid() || !p.Severity.Valid() {
			return fmt.Errorf("playbook %s/%s: unknown type or severity", p.Type, p.Severity)
		}
		if seen[p.Key()] {
			return fmt.Errorf("playbook %s/%s: duplicate entry", p.Type, p.Severity)
		}
		seen[p.Key()] = true
		for _, a := range p.AutomatedActions {
			if !validMitigation(a.Type) {
				return fmt.Errorf("playbook %s/%s: unknown action %q", p.Type, p.Severity, a.Type)
			}
		}
	}
	for k := range r.Cooldowns {
		if !validMitigation(k) {
			return fmt.Errorf("cooldown: unknown action %q", k)
		}
	}
	return nil
}

func validMitigation(t model.MitigationType) bool {
	switch t {
	case model.MitigationBlockIP, model.MitigationRateLimit, model.MitigationQuarantineUser,
		model.MitigationDisableEndpoint, model.MitigationAlertTeam, model.MitigationCustom:
		return true
	}
	return false
}
