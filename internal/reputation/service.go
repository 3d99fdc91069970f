package reputation

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telhawk-systems/telhawk-guard/internal/faults"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
)

// Service answers reputation queries on the request path from memory only.
// Misses against a remote source are filled asynchronously.
type Service struct {
	local        *MemoryCache
	shared       Cache
	source       Source
	ttl          time.Duration
	timeout      time.Duration
	defaultScore int
	faults       *faults.Reporter

	group singleflight.Group
	wg    sync.WaitGroup
}

// Config holds Service settings.
type Config struct {
	TTL          time.Duration
	Timeout      time.Duration
	DefaultScore int
}

// NewService creates a Service. shared may be nil.
func NewService(cfg Config, local *MemoryCache, shared Cache, source Source, reporter *faults.Reporter) *Service {
	return &Service{
		local:        local,
		shared:       shared,
		source:       source,
		ttl:          cfg.TTL,
		timeout:      cfg.Timeout,
		defaultScore: cfg.DefaultScore,
		faults:       reporter,
	}
}

// Score returns the cached score for ip. known is false when the score is not
// yet available; a background refresh is then started and the default score
// is returned.
func (s *Service) Score(ip string) (score int, known bool) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return s.defaultScore, false
	}
	if v, ok, _ := s.local.Get(context.Background(), ip); ok {
		metrics.ReputationLookups.WithLabelValues("hit").Inc()
		return v, true
	}

	if !s.source.Remote() {
		v, err := s.Refresh(context.Background(), ip)
		if err != nil {
			return s.defaultScore, false
		}
		return v, true
	}

	metrics.ReputationLookups.WithLabelValues("miss").Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, _ = s.Refresh(ctx, ip)
	}()
	return s.defaultScore, false
}

// Refresh resolves ip through the shared cache and the source, storing the
// result in both cache tiers. Concurrent refreshes of one ip are collapsed.
func (s *Service) Refresh(ctx context.Context, ip string) (int, error) {
	v, err, _ := s.group.Do(ip, func() (any, error) {
		if s.shared != nil {
			score, ok, err := s.shared.Get(ctx, ip)
			if err != nil {
				s.faults.Report("reputation.shared_get", err)
			} else if ok {
				_ = s.local.Set(ctx, ip, score, s.ttl)
				return score, nil
			}
		}

		score, err := s.source.Lookup(ctx, ip)
		if err != nil {
			metrics.ReputationLookups.WithLabelValues("error").Inc()
			s.faults.Report("reputation.lookup", err)
			return 0, fmt.Errorf("lookup %s: %w", ip, err)
		}
		_ = s.local.Set(ctx, ip, score, s.ttl)
		if s.shared != nil {
			if err := s.shared.Set(ctx, ip, score, s.ttl); err != nil {
				s.faults.Report("reputation.shared_set", err)
			}
		}
		return score, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Wait blocks until background refreshes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
