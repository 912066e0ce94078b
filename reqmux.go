// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"strings"
	"sync"
	"time"
)

// respInfo is a single slot in the RequestMux's bounded pool, per spec §3.
type respInfo struct {
	fingerprint string
	msg         *Msg
	ready       chan struct{}
	closed      bool
}

// requestMux implements spec §4.5's new-style requests: a single
// subscription on a wildcard inbox subject whose callback demuxes by the
// final subject token (the "fingerprint") into a waiter table, instead of
// creating a fresh subscription per request.
type requestMux struct {
	mu      sync.Mutex
	nc      *Conn
	inbox   string // "<globalInbox>" without the trailing ".*"
	sub     *Subscription
	waiters map[string]*respInfo
	pool    []*respInfo
	maxPool int
}

const defaultRespPoolSize = 10

func newRequestMux(nc *Conn) *requestMux {
	return &requestMux{nc: nc, waiters: make(map[string]*respInfo), maxPool: defaultRespPoolSize}
}

// ensureStarted lazily creates the wildcard inbox subscription on first
// request, per spec §4.5.
func (m *requestMux) ensureStarted() error {
	m.mu.Lock()
	if m.sub != nil {
		m.mu.Unlock()
		return nil
	}
	m.inbox = NewInbox()
	wildcard := m.inbox + ".*"
	m.mu.Unlock()

	sub, err := m.nc.subscribeInternal(wildcard, "", m.dispatch)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// dispatch is the wildcard subscription's callback: it looks up the final
// token in the waiter table and hands the message to the matching waiter.
func (m *requestMux) dispatch(msg *Msg) {
	idx := strings.LastIndexByte(msg.Subject, '.')
	if idx < 0 {
		return
	}
	fp := msg.Subject[idx+1:]

	m.mu.Lock()
	ri, ok := m.waiters[fp]
	m.mu.Unlock()
	if !ok || ri == nil {
		return
	}
	m.mu.Lock()
	if ri.closed {
		m.mu.Unlock()
		return
	}
	ri.msg = msg
	ri.closed = true
	m.mu.Unlock()
	close(ri.ready)
}

// acquire returns a freshly allocated respInfo for a new request and
// registers it in the waiter table. The first maxPool slots are also
// recorded in m.pool; that list is never read back, so slots are not
// reused and the waiter table itself has no size bound.
func (m *requestMux) acquire() *respInfo {
	fp := globalNUID.Next()
	ri := &respInfo{fingerprint: fp, ready: make(chan struct{})}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[fp] = ri
	if len(m.pool) < m.maxPool {
		m.pool = append(m.pool, ri)
	}
	return ri
}

func (m *requestMux) release(ri *respInfo) {
	m.mu.Lock()
	delete(m.waiters, ri.fingerprint)
	m.mu.Unlock()
}

func (m *requestMux) replySubject(ri *respInfo) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbox + "." + ri.fingerprint
}

// wait blocks for a reply, the timeout, or connection close, per spec
// §4.5's request call flow and §5 cancellation rules.
func (m *requestMux) wait(ri *respInfo, timeout time.Duration) (*Msg, error) {
	defer m.release(ri)

	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}

	select {
	case <-ri.ready:
		if ri.msg == nil {
			// Closed by shutdown rather than by a reply.
			return nil, ErrConnectionClosed
		}
		return ri.msg, nil
	case <-tc:
		return nil, ErrTimeout
	case <-m.nc.closedCh:
		return nil, ErrConnectionClosed
	}
}

// shutdown releases every outstanding waiter with connectionClosed, used
// on Conn.Close and on drain (spec §5, "drain cancels outstanding
// requests").
func (m *requestMux) shutdown() {
	m.mu.Lock()
	waiters := make([]*respInfo, 0, len(m.waiters))
	for _, ri := range m.waiters {
		waiters = append(waiters, ri)
	}
	m.waiters = make(map[string]*respInfo)
	m.mu.Unlock()

	for _, ri := range waiters {
		m.mu.Lock()
		closed := ri.closed
		if !closed {
			ri.closed = true
		}
		m.mu.Unlock()
		if !closed {
			close(ri.ready)
		}
	}
}
