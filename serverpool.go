// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// serverPool implements spec §4.1: an ordered list of candidate endpoints
// with per-endpoint reconnect bookkeeping, a round-robin cursor, and
// discovery merging from async INFO updates.
type serverPool struct {
	mu       sync.Mutex
	servers  []*srv
	cursor   int
	rand     *rand.Rand
}

func newServerPool() *serverPool {
	return &serverPool{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// seed sets the initial pool from the options' URL list. If randomize is
// true, the list is shuffled, except that when keepFirst is true index 0
// is left in place (the caller-designated primary URL).
func (p *serverPool) seed(urls []string, randomize bool, keepFirst bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	parsed := make([]*url.URL, 0, len(urls))
	for _, s := range urls {
		u, err := parseOneURL(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, u)
	}

	if randomize {
		start := 0
		if keepFirst {
			start = 1
		}
		for i := len(parsed) - 1; i > start; i-- {
			j := start + p.rand.Intn(i-start+1)
			parsed[i], parsed[j] = parsed[j], parsed[i]
		}
	}

	p.servers = p.servers[:0]
	seen := map[string]bool{}
	for _, u := range parsed {
		if seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		p.servers = append(p.servers, &srv{url: u})
	}
	p.cursor = 0
	return nil
}

// mergeDiscovered adds endpoints not yet present (by host:port) and
// reports whether at least one was added, so the caller can fire the
// "discovered" event exactly once per merge that actually changed
// anything. Per the spec's open-question resolution, this never removes
// a previously known endpoint.
func (p *serverPool) mergeDiscovered(urls []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := false
	for _, s := range urls {
		u, err := parseOneURL(s)
		if err != nil {
			continue // a malformed discovered URL is skipped, not fatal.
		}
		found := false
		for _, existing := range p.servers {
			if existing.url.Host == u.Host {
				found = true
				break
			}
		}
		if !found {
			p.servers = append(p.servers, &srv{url: u, isImplicit: true})
			added = true
		}
	}
	return added, nil
}

// next returns the next endpoint to try, advancing the round-robin
// cursor and skipping endpoints whose lastAttempt is too recent relative
// to reconnectWait (the caller must then sleep before retrying that
// endpoint). It also applies the eviction rule from spec §4.1: drop
// endpoints that never succeeded and have exhausted maxReconnect.
func (p *serverPool) next(reconnectWait time.Duration, maxReconnect int) (*srv, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Evict exhausted, never-connected endpoints first.
	if maxReconnect >= 0 {
		kept := p.servers[:0:0]
		for _, s := range p.servers {
			if !s.didConnect && s.reconnects > maxReconnect {
				continue
			}
			kept = append(kept, s)
		}
		p.servers = kept
	}

	if len(p.servers) == 0 {
		return nil, 0, ErrNoServers
	}

	now := time.Now()
	n := len(p.servers)
	var wait time.Duration
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		s := p.servers[idx]
		if !s.lastAttempt.IsZero() {
			elapsed := now.Sub(s.lastAttempt)
			if elapsed < reconnectWait {
				if d := reconnectWait - elapsed; wait == 0 || d < wait {
					wait = d
				}
				continue
			}
		}
		p.cursor = (idx + 1) % n
		return s, 0, nil
	}
	// Every endpoint was attempted too recently; caller should sleep for
	// the smallest remaining wait and retry.
	return nil, wait, ErrNoServers
}

func (p *serverPool) markAttempt(s *srv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.lastAttempt = time.Now()
	s.reconnects++
}

func (p *serverPool) markConnected(s *srv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.didConnect = true
	s.reconnects = 0
}

// markFailed records a failed attempt; reason is advisory only (used by
// callers to decide whether to keep trying) and not stored.
func (p *serverPool) markFailed(s *srv, reason error) {
	// Attempt bookkeeping already happened in markAttempt; this exists as
	// a named hook matching spec §4.1 for symmetry and future use (e.g.
	// per-reason backoff), intentionally a no-op today.
	_ = s
	_ = reason
}

func (p *serverPool) urls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.servers))
	for i, s := range p.servers {
		out[i] = s.url.Host
	}
	return out
}

func (p *serverPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}
