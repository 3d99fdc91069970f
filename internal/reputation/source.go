// Package reputation scores IP addresses from static rules or a remote feed,
// caching results in memory and optionally in Redis.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
)

// Source produces a reputation score in [0,100]; higher is more trustworthy.
type Source interface {
	Lookup(ctx context.Context, ip string) (int, error)
	// Remote reports whether lookups perform network I/O.
	Remote() bool
}

type staticRule struct {
	prefix netip.Prefix
	score  int
}

// StaticSource scores addresses from configured networks.
type StaticSource struct {
	rules        []staticRule
	defaultScore int
}

// NewStaticSource builds a StaticSource. Rules are expected to be validated.
func NewStaticSource(rules []config.ReputationRule, defaultScore int) (*StaticSource, error) {
	s := &StaticSource{defaultScore: defaultScore}
	for _, r := range rules {
		prefix, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid reputation cidr %q: %w", r.CIDR, err)
		}
		s.rules = append(s.rules, staticRule{prefix: prefix.Masked(), score: r.Score})
	}
	return s, nil
}

// Lookup returns the lowest score among matching networks.
func (s *StaticSource) Lookup(_ context.Context, ip string) (int, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return 0, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	score, matched := s.defaultScore, false
	for _, r := range s.rules {
		if r.prefix.Contains(addr.Unmap()) && (!matched || r.score < score) {
			score, matched = r.score, true
		}
	}
	return score, nil
}

func (s *StaticSource) Remote() bool { return false }

// HTTPSource queries a reputation feed at GET {base}?ip={ip}.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

type feedResponse struct {
	IP    string `json:"ip"`
	Score int    `json:"score"`
}

// NewHTTPSource creates a feed client.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Lookup(ctx context.Context, ip string) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"?ip="+url.QueryEscape(ip), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(request)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("reputation feed returned status %d", resp.StatusCode)
	}

	var result feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if result.Score < 0 || result.Score > 100 {
		return 0, fmt.Errorf("reputation score %d out of range", result.Score)
	}
	return result.Score, nil
}

func (h *HTTPSource) Remote() bool { return true }
