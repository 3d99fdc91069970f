package config

import (
	"time"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// DefaultRules returns the built-in detection and response rules.
func DefaultRules() *Rules {
	return &Rules{
		Signatures:     defaultSignatures(),
		ToolSignatures: defaultToolSignatures(),
		Honeypots: []string{
			"/admin/backup",
			"/wp-admin",
			"/wp-login.php",
			"/.env",
			"/.git/config",
			"/phpmyadmin",
			"/api/internal/debug",
		},
		AdminPaths: []string{"/admin", "/api/admin", "/manage"},
		Reputation: []ReputationRule{
			// Documentation ranges, useful for simulations.
			{CIDR: "203.0.113.0/24", Score: 5},
			{CIDR: "198.51.100.0/24", Score: 30},
		},
		Playbooks: defaultPlaybooks(),
		Cooldowns: map[model.MitigationType]time.Duration{
			model.MitigationBlockIP:         60 * time.Second,
			model.MitigationRateLimit:       30 * time.Second,
			model.MitigationQuarantineUser:  5 * time.Minute,
			model.MitigationDisableEndpoint: 10 * time.Minute,
			model.MitigationAlertTeam:       2 * time.Minute,
			model.MitigationCustom:          time.Minute,
		},
	}
}

func defaultSignatures() []SignatureRule {
	return []SignatureRule{
		// SQL injection
		{ID: "sqli-tautology", Category: "sql_injection", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`, Description: "boolean tautology"},
		{ID: "sqli-union", Category: "sql_injection", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)\bunion\b(\s+all)?\s+select\b`, Description: "UNION SELECT"},
		{ID: "sqli-stacked", Category: "sql_injection", Type: model.IndicatorInjection, Severity: model.SeverityCritical,
			Pattern: `(?i);\s*(drop|truncate|alter)\s+(table|database)\b`, Description: "stacked destructive statement"},
		{ID: "sqli-comment", Category: "sql_injection", Type: model.IndicatorInjection, Severity: model.SeverityMedium,
			Pattern: `(?i)'\s*(--|#|/\*)`, Description: "quote followed by comment"},
		{ID: "sqli-timing", Category: "sql_injection", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)\b(sleep|benchmark|pg_sleep)\s*\(|waitfor\s+delay\b`, Description: "time-based probe"},

		// Cross-site scripting
		{ID: "xss-script", Category: "xss", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)<\s*script\b`, Description: "script tag"},
		{ID: "xss-handler", Category: "xss", Type: model.IndicatorInjection, Severity: model.SeverityMedium,
			Pattern: `(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`, Description: "inline event handler"},
		{ID: "xss-js-uri", Category: "xss", Type: model.IndicatorInjection, Severity: model.SeverityMedium,
			Pattern: `(?i)javascript\s*:`, Description: "javascript URI"},
		{ID: "xss-embed", Category: "xss", Type: model.IndicatorInjection, Severity: model.SeverityMedium,
			Pattern: `(?i)<\s*(iframe|object|embed)\b`, Description: "embedded frame"},

		// Command execution
		{ID: "cmd-chain", Category: "command_injection", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)(;|&&|\|\|?)\s*(cat|ls|rm|wget|curl|bash|sh|nc|netcat|whoami|uname|python|perl)\b`, Description: "chained shell command"},
		{ID: "cmd-substitution", Category: "command_injection", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `\$\(\s*[a-z]+`, Description: "command substitution"},

		// Path traversal
		{ID: "path-traversal", Category: "path_traversal", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)(\.\./|\.\.\\|%2e%2e(%2f|/)|\.\.%2f)`, Description: "directory traversal"},
		{ID: "path-sensitive", Category: "path_traversal", Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			Pattern: `(?i)/etc/(passwd|shadow)\b`, Description: "sensitive system file"},

		// Malware and phishing content
		{ID: "malware-obfuscated-eval", Category: "malware", Type: model.IndicatorMalware, Severity: model.SeverityCritical,
			Pattern: `(?i)\b(eval|exec)\s*\(\s*(base64_decode|atob|unescape|gzinflate)\b`, Description: "obfuscated eval"},
		{ID: "phishing-lure", Category: "phishing", Type: model.IndicatorPhishing, Severity: model.SeverityMedium,
			Pattern: `(?i)(verify your account|account (has been )?suspended|confirm your password)`, Description: "credential lure"},
	}
}

func defaultToolSignatures() []ToolSignature {
	return []ToolSignature{
		{Match: "sqlmap", Weight: 0.95, Label: "scanner"},
		{Match: "nikto", Weight: 0.95, Label: "scanner"},
		{Match: "masscan", Weight: 0.95, Label: "scanner"},
		{Match: "nmap", Weight: 0.9, Label: "scanner"},
		{Match: "zgrab", Weight: 0.9, Label: "scanner"},
		{Match: "nuclei", Weight: 0.9, Label: "scanner"},
		{Match: "gobuster", Weight: 0.9, Label: "scanner"},
		{Match: "dirbuster", Weight: 0.9, Label: "scanner"},
		{Match: "curl", Weight: 0.8, Label: "http tool"},
		{Match: "wget", Weight: 0.8, Label: "http tool"},
		{Match: "python-requests", Weight: 0.8, Label: "http library"},
		{Match: "python-urllib", Weight: 0.8, Label: "http library"},
		{Match: "libwww-perl", Weight: 0.8, Label: "http library"},
		{Match: "go-http-client", Weight: 0.75, Label: "http library"},
		{Match: "java/", Weight: 0.7, Label: "http library"},
		{Match: "httpclient", Weight: 0.6, Label: "http library"},
		{Match: "scrapy", Weight: 0.85, Label: "scraper"},
		{Match: "scraper", Weight: 0.7, Label: "scraper"},
		{Match: "headlesschrome", Weight: 0.8, Label: "headless browser"},
		{Match: "phantomjs", Weight: 0.85, Label: "headless browser"},
		{Match: "selenium", Weight: 0.8, Label: "automation"},
		{Match: "puppeteer", Weight: 0.8, Label: "automation"},
		{Match: "playwright", Weight: 0.8, Label: "automation"},
		{Match: "bot", Weight: 0.5, Label: "bot"},
		{Match: "crawler", Weight: 0.5, Label: "bot"},
		{Match: "spider", Weight: 0.5, Label: "bot"},
	}
}

func act(types ...model.MitigationType) []model.PlaybookAction {
	actions := make([]model.PlaybookAction, len(types))
	for i, t := range types {
		actions[i] = model.PlaybookAction{Type: t}
	}
	return actions
}

func defaultPlaybooks() []model.ResponsePlaybook {
	return []model.ResponsePlaybook{
		{Type: model.IndicatorScrapingPattern, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationRateLimit),
			ManualActions:       []string{"review request history for the actor"},
			EscalationThreshold: 1, MaxResponseMinutes: 60},
		{Type: model.IndicatorScrapingPattern, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationBlockIP, model.MitigationAlertTeam),
			ManualActions:       []string{"review honeypot access logs", "confirm block list entry"},
			EscalationThreshold: 1, MaxResponseMinutes: 15},
		{Type: model.IndicatorInjection, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationRateLimit, model.MitigationAlertTeam),
			ManualActions:       []string{"inspect targeted endpoint input handling"},
			EscalationThreshold: 2, MaxResponseMinutes: 30},
		{Type: model.IndicatorInjection, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationBlockIP, model.MitigationQuarantineUser, model.MitigationAlertTeam),
			ManualActions:       []string{"audit database for tampering", "rotate exposed credentials"},
			EscalationThreshold: 1, MaxResponseMinutes: 15},
		{Type: model.IndicatorBruteForce, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationRateLimit, model.MitigationBlockIP),
			ManualActions:       []string{"notify account owners"},
			EscalationThreshold: 2, MaxResponseMinutes: 30},
		{Type: model.IndicatorBruteForce, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationBlockIP, model.MitigationQuarantineUser, model.MitigationAlertTeam),
			ManualActions:       []string{"force credential reset"},
			EscalationThreshold: 1, MaxResponseMinutes: 15},
		{Type: model.IndicatorEnumeration, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationRateLimit, model.MitigationAlertTeam),
			ManualActions:       []string{"review exposed identifiers"},
			EscalationThreshold: 2, MaxResponseMinutes: 60},
		{Type: model.IndicatorEnumeration, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationBlockIP, model.MitigationAlertTeam),
			EscalationThreshold: 1, MaxResponseMinutes: 30},
		{Type: model.IndicatorAnomaly, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationRateLimit),
			EscalationThreshold: 1, MaxResponseMinutes: 60},
		{Type: model.IndicatorAnomaly, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationBlockIP, model.MitigationAlertTeam),
			EscalationThreshold: 1, MaxResponseMinutes: 30},
		{Type: model.IndicatorMalware, Severity: model.SeverityCritical,
			AutomatedActions:    act(model.MitigationQuarantineUser, model.MitigationBlockIP, model.MitigationDisableEndpoint, model.MitigationAlertTeam),
			ManualActions:       []string{"scan stored uploads", "preserve evidence"},
			EscalationThreshold: 1, MaxResponseMinutes: 10},
		{Type: model.IndicatorPhishing, Severity: model.SeverityHigh,
			AutomatedActions:    act(model.MitigationQuarantineUser, model.MitigationAlertTeam),
			ManualActions:       []string{"take down lure content"},
			EscalationThreshold: 1, MaxResponseMinutes: 60},
	}
}
