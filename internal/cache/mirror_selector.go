package cache

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// MirrorSelector orders candidate mirror base URLs for the Downloader to
// try in sequence (spec.md §4.A). In "predefined" mode it hands back the
// configured list, round-robining the starting point across calls so load
// spreads across mirrors. In "auto" mode it maintains a background-scored
// ranking, probed on an interval via errgroup, the same concurrent-probe
// shape as the teacher's updateMirrors.
type MirrorSelector struct {
	method  MirrorSelectionMethod
	auto    AutoMirrorConfig
	client  *http.Client

	mu      sync.Mutex
	base    []string // configured candidates, blacklist already applied
	ranked  []string // auto mode: base reordered by ascending score
	rrIndex int       // predefined mode: round-robin cursor
}

// NewMirrorSelector builds a MirrorSelector from cfg, excluding any base URL
// present in cfg.MirrorsBlack.
func NewMirrorSelector(cfg *Config) *MirrorSelector {
	blacklist := make(map[string]bool, len(cfg.MirrorsBlack))
	for _, b := range cfg.MirrorsBlack {
		blacklist[b] = true
	}

	base := make([]string, 0, len(cfg.MirrorsPre))
	for _, m := range cfg.MirrorsPre {
		if !blacklist[m] {
			base = append(base, m)
		}
	}

	return &MirrorSelector{
		method: cfg.MirrorSelectionMethod,
		auto:   cfg.MirrorsAuto,
		client: &http.Client{Timeout: cfg.MirrorsAuto.Timeout},
		base:   base,
		ranked: append([]string(nil), base...),
	}
}

// Order returns the mirror base URLs to try, in the order the Downloader
// should attempt them for one request.
func (s *MirrorSelector) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.base) == 0 {
		return nil
	}

	switch s.method {
	case SelectionAuto:
		out := make([]string, len(s.ranked))
		copy(out, s.ranked)
		return out
	default:
		n := len(s.base)
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = s.base[(s.rrIndex+i)%n]
		}
		s.rrIndex = (s.rrIndex + 1) % n
		return out
	}
}

// score probes one mirror base and returns its response latency, or an
// error if it is unreachable or fails the configured requirements.
func (s *MirrorSelector) score(ctx context.Context, base string) (time.Duration, error) {
	if s.auto.HTTPSRequired && !strings.HasPrefix(base, "https://") {
		return 0, errors.New("mirror does not use https: " + base)
	}

	ctx, cancel := context.WithTimeout(ctx, s.auto.Timeout)
	defer cancel()

	if s.auto.IPv4 {
		if err := dialReachable(ctx, "tcp4", base); err != nil {
			return 0, errors.Wrap(err, "score: not reachable over ipv4")
		}
	}
	if s.auto.IPv6 {
		if err := dialReachable(ctx, "tcp6", base); err != nil {
			return 0, errors.Wrap(err, "score: not reachable over ipv6")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base, nil)
	if err != nil {
		return 0, errors.Wrap(err, "score: build request")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "score: probe "+base)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode >= 500 {
		return 0, errors.Newf("score: %s returned %d", base, resp.StatusCode)
	}
	return elapsed, nil
}

// dialReachable reports whether base's host is reachable over network
// ("tcp4" or "tcp6"), used to honor mirrors_auto.{ipv4,ipv6} (spec.md §4.A):
// a mirror that only resolves/connects over the other address family is
// dropped from the ranking rather than silently left in it.
func dialReachable(ctx context.Context, network, base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return errors.Wrap(err, "dialReachable: parse "+base)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Probe runs one concurrent scoring round over every candidate mirror and
// updates the ranking. It is exported so the probe-mirrors CLI command can
// trigger a round on demand, and is also what RunAutoScoring calls on its
// interval.
func (s *MirrorSelector) Probe(ctx context.Context) error {
	s.mu.Lock()
	candidates := append([]string(nil), s.base...)
	s.mu.Unlock()

	type result struct {
		base  string
		score time.Duration
		err   error
	}
	results := make([]result, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, base := range candidates {
		i, base := i, base
		g.Go(func() error {
			d, err := s.score(gctx, base)
			results[i] = result{base: base, score: d, err: err}
			return nil // a single mirror's failure does not cancel the round
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "Probe")
	}

	usable := make([]result, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			slog.Warn("mirror probe failed", "mirror", r.base, "error", r.err)
			continue
		}
		if r.score > s.auto.MaxScore {
			slog.Debug("mirror exceeds max_score, dropping", "mirror", r.base, "latency", r.score)
			continue
		}
		usable = append(usable, r)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].score < usable[j].score })

	ranked := make([]string, len(usable))
	for i, r := range usable {
		ranked[i] = r.base
	}

	s.mu.Lock()
	if len(ranked) > 0 {
		s.ranked = ranked
	}
	s.mu.Unlock()

	return nil
}

// RunAutoScoring probes mirrors on auto.TestInterval until ctx is canceled.
// It is a no-op in predefined mode.
func (s *MirrorSelector) RunAutoScoring(ctx context.Context) error {
	if s.method != SelectionAuto {
		return nil
	}

	if err := s.Probe(ctx); err != nil {
		slog.Warn("initial mirror probe failed", "error", err)
	}

	ticker := time.NewTicker(s.auto.TestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Probe(ctx); err != nil {
				slog.Warn("mirror probe round failed", "error", err)
			}
		}
	}
}
