package nats

import (
	"testing"
	"time"
)

func TestServerPoolSeedDedupAndRandomizeKeepFirst(t *testing.T) {
	p := newServerPool()
	urls := []string{
		"nats://a:4222",
		"nats://b:4222",
		"nats://a:4222", // duplicate by host:port, must be coalesced
		"nats://c:4222",
	}
	if err := p.seed(urls, true, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if p.size() != 3 {
		t.Fatalf("want 3 unique servers after dedup, got %d", p.size())
	}
	if p.servers[0].url.Host != "a:4222" {
		t.Fatalf("keepFirst=true must leave index 0 alone, got %q", p.servers[0].url.Host)
	}
}

func TestServerPoolNextRoundRobin(t *testing.T) {
	p := newServerPool()
	if err := p.seed([]string{"nats://a:4222", "nats://b:4222"}, false, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	first, _, err := p.next(0, -1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	second, _, err := p.next(0, -1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first.url.Host == second.url.Host {
		t.Fatalf("expected round-robin to alternate servers, got %q twice", first.url.Host)
	}
}

func TestServerPoolNextSkipsRecentAttempts(t *testing.T) {
	p := newServerPool()
	if err := p.seed([]string{"nats://a:4222"}, false, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, _, err := p.next(time.Hour, -1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	p.markAttempt(s)

	_, wait, err := p.next(time.Hour, -1)
	if err == nil {
		t.Fatalf("expected ErrNoServers since the only endpoint was just attempted")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive suggested wait, got %v", wait)
	}
}

func TestServerPoolEvictsExhaustedNeverConnected(t *testing.T) {
	p := newServerPool()
	if err := p.seed([]string{"nats://a:4222", "nats://b:4222"}, false, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, _, err := p.next(0, 1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	p.markAttempt(s) // reconnects now 1, still <= max
	p.markAttempt(s) // reconnects now 2, exceeds max=1 and never connected
	if _, _, err := p.next(0, 1); err != nil {
		t.Fatalf("next: %v", err)
	}
	if p.size() != 1 {
		t.Fatalf("want exhausted never-connected endpoint evicted, size=%d", p.size())
	}
}

func TestServerPoolMergeDiscoveredIsAdditiveOnly(t *testing.T) {
	p := newServerPool()
	if err := p.seed([]string{"nats://a:4222"}, false, false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	added, err := p.mergeDiscovered([]string{"nats://a:4222", "nats://b:4222"})
	if err != nil {
		t.Fatalf("mergeDiscovered: %v", err)
	}
	if !added {
		t.Fatalf("expected added=true, b:4222 is new")
	}
	if p.size() != 2 {
		t.Fatalf("want 2 servers after merge, got %d", p.size())
	}

	added, err = p.mergeDiscovered([]string{"nats://a:4222"})
	if err != nil {
		t.Fatalf("mergeDiscovered: %v", err)
	}
	if added {
		t.Fatalf("expected added=false, a:4222 already known")
	}
	if p.size() != 2 {
		t.Fatalf("merge must never remove a previously known endpoint, got size=%d", p.size())
	}
}

func TestServerPoolNextEmptyPool(t *testing.T) {
	p := newServerPool()
	if _, _, err := p.next(0, -1); err == nil {
		t.Fatalf("expected ErrNoServers on an empty pool")
	}
}
