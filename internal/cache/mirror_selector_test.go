package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMirrorSelectorPredefinedRoundRobins(t *testing.T) {
	cfg := NewConfig()
	cfg.MirrorSelectionMethod = SelectionPredefined
	cfg.MirrorsPre = []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}

	s := NewMirrorSelector(cfg)

	first := s.Order()
	second := s.Order()

	if first[0] == second[0] {
		t.Fatalf("round-robin did not rotate: first=%v second=%v", first, second)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("Order() returned wrong length: %v / %v", first, second)
	}
}

func TestMirrorSelectorExcludesBlacklist(t *testing.T) {
	cfg := NewConfig()
	cfg.MirrorsPre = []string{"https://a.example.com", "https://bad.example.com"}
	cfg.MirrorsBlack = []string{"https://bad.example.com"}

	s := NewMirrorSelector(cfg)
	order := s.Order()

	for _, m := range order {
		if m == "https://bad.example.com" {
			t.Fatalf("blacklisted mirror present in Order(): %v", order)
		}
	}
}

func TestMirrorSelectorProbeRanksFasterMirrorFirst(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
	}))
	defer slow.Close()

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	cfg := NewConfig()
	cfg.MirrorSelectionMethod = SelectionAuto
	cfg.MirrorsPre = []string{slow.URL, fast.URL}
	cfg.MirrorsAuto.Timeout = 2 * time.Second
	cfg.MirrorsAuto.MaxScore = time.Second

	s := NewMirrorSelector(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	order := s.Order()
	if len(order) == 0 || order[0] != fast.URL {
		t.Fatalf("Order() = %v, want fast mirror first (%s)", order, fast.URL)
	}
}

func TestMirrorSelectorDropsMirrorUnreachableOverRequiredFamily(t *testing.T) {
	reachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer reachable.Close()

	cfg := NewConfig()
	cfg.MirrorSelectionMethod = SelectionAuto
	// 203.0.113.0/24 is the TEST-NET-3 documentation range (RFC 5737):
	// guaranteed unroutable, so dialReachable always fails against it.
	cfg.MirrorsPre = []string{reachable.URL, "http://203.0.113.1:80"}
	cfg.MirrorsAuto.Timeout = 500 * time.Millisecond
	cfg.MirrorsAuto.MaxScore = time.Second
	cfg.MirrorsAuto.IPv4 = true

	s := NewMirrorSelector(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	order := s.Order()
	if len(order) != 1 || order[0] != reachable.URL {
		t.Fatalf("Order() = %v, want only the reachable mirror (%s)", order, reachable.URL)
	}
}
