// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"sync"
	"time"
)

// SubscriptionType distinguishes how a Subscription was created, mirroring
// the "delivery modes" concept from spec §4.4.
type SubscriptionType int

const (
	SyncSubscription SubscriptionType = iota
	AsyncSubscription
	ChanSubscription
)

// Subscription represents interest in a subject, optionally scoped to a
// queue group, per spec §3. Its queue, counters and limits are guarded by
// its own lock so delivery workers never contend on the connection lock
// (spec §5, "Shared-resource policy").
type Subscription struct {
	mu sync.Mutex

	sid     uint64
	Subject string
	Queue   string

	conn *Conn // non-owning back-reference; nil once unregistered.
	typ  SubscriptionType

	mcb MsgHandler
	mch chan *Msg

	delivered   uint64
	dropped     uint64
	bytesQueued int64
	msgsQueued  int

	maxMsgs  int
	maxBytes int64

	autoUnsubMax uint64
	closed       bool
	slowConsumer bool
	drainMode    bool
	drainCh      chan struct{}

	timeout    time.Duration
	timeoutTmr *time.Timer
	timedOut   bool

	// pendingErr, when non-nil, is returned (once) by the next NextMsg
	// call. Nothing in this package sets it.
	pendingErr error
}

// MsgHandler processes messages delivered to asynchronous subscribers. A
// nil Msg indicates a subscription timeout per spec §4.4.
type MsgHandler func(msg *Msg)

// IsValid reports whether the subscription is still registered with its
// connection.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// Type returns how the Subscription was created.
func (s *Subscription) Type() SubscriptionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// Unsubscribe removes interest in the subject immediately.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, 0, false)
}

// AutoUnsubscribe issues an automatic unsubscribe processed once max
// messages have been delivered, per spec §4.4.
func (s *Subscription) AutoUnsubscribe(max int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.unsubscribe(s, max, false)
}

// Drain flags the subscription for draining: the connection issues UNSUB,
// lets the queue empty through the handler, then unregisters it.
func (s *Subscription) Drain() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	if s.drainMode {
		s.mu.Unlock()
		return ErrConnectionDraining
	}
	s.drainMode = true
	s.drainCh = make(chan struct{})
	s.mu.Unlock()
	return conn.drainSub(s)
}

// SetPendingLimits overrides the per-subscription bounded-queue limits for
// msgs and bytes; 0 means unlimited, negative values are rejected.
func (s *Subscription) SetPendingLimits(msgLimit int, byteLimit int64) error {
	if msgLimit < 0 || byteLimit < 0 {
		return ErrInvalidArg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxMsgs = msgLimit
	s.maxBytes = byteLimit
	return nil
}

// PendingLimits returns the current msg/byte limits.
func (s *Subscription) PendingLimits() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxMsgs, s.maxBytes
}

// Pending returns the number of queued messages and bytes awaiting
// delivery.
func (s *Subscription) Pending() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgsQueued, s.bytesQueued
}

// Dropped returns the count of messages dropped due to slow-consumer
// eviction.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.dropped)
}

// Delivered returns the number of messages delivered to the handler (or
// returned by NextMsg) so far.
func (s *Subscription) Delivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.delivered)
}

// SetTimeout configures the async-only subscription timeout (spec §4.4):
// if no message arrives within d since the last handler invocation
// returned (and the queue is empty), the handler is invoked once with a
// nil Msg, then the clock stops until the next delivery.
func (s *Subscription) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mcb == nil {
		return newError(KindInvalidArg, "timeout only supported on asynchronous subscriptions")
	}
	s.timeout = d
	return nil
}

func (s *Subscription) resetTimeoutLocked() {
	if s.timeout <= 0 {
		return
	}
	if s.timeoutTmr != nil {
		s.timeoutTmr.Stop()
	}
	s.timeoutTmr = time.AfterFunc(s.timeout, s.fireTimeout)
}

func (s *Subscription) fireTimeout() {
	s.mu.Lock()
	if s.closed || s.mcb == nil {
		s.mu.Unlock()
		return
	}
	if s.msgsQueued > 0 {
		// A message raced in just before the timer fired; let delivery
		// handle the reset instead of double-firing.
		s.mu.Unlock()
		return
	}
	cb := s.mcb
	s.timedOut = true
	s.mu.Unlock()
	cb(nil)
}

// NextMsg returns the next message available to a synchronous subscriber,
// blocking until one is available, the connection closes, or timeout
// elapses. A timeout <= 0 means no timeout: NextMsg then blocks until a
// message arrives or the subscription is closed. NextMsg never returns
// ErrInvalidTimeout.
func (s *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	s.mu.Lock()
	if s.mcb != nil {
		s.mu.Unlock()
		return nil, newError(KindIllegalState, "illegal call on an async subscription")
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrBadSubscription
	}
	if s.pendingErr != nil {
		err := s.pendingErr
		s.pendingErr = nil
		s.mu.Unlock()
		return nil, err
	}
	mch := s.mch
	s.mu.Unlock()

	var t *time.Timer
	var tc <-chan time.Time
	if timeout > 0 {
		t = time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}

	select {
	case m, ok := <-mch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		s.mu.Lock()
		s.delivered++
		delivered := s.delivered
		max := s.autoUnsubMax
		s.msgsQueued--
		s.bytesQueued -= int64(len(m.Data))
		s.mu.Unlock()
		if max > 0 && delivered > max {
			return nil, ErrMaxMessages
		}
		return m, nil
	case <-tc:
		return nil, ErrTimeout
	}
}

// --- internal delivery plumbing, driven by Conn ---

// enqueue places msg on the subscription's bounded queue. It returns true
// if the message was accepted, false if it was dropped due to a
// maxMsgs/maxBytes slow-consumer condition (spec §4.4: drop the incoming
// message, mark slowConsumer, increment dropped exactly once).
func (s *Subscription) enqueue(msg *Msg) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	overMsgs := s.maxMsgs > 0 && s.msgsQueued >= s.maxMsgs
	overBytes := s.maxBytes > 0 && s.bytesQueued+int64(len(msg.Data)) > s.maxBytes
	if overMsgs || overBytes {
		s.slowConsumer = true
		s.dropped++
		s.mu.Unlock()
		return false
	}
	s.msgsQueued++
	s.bytesQueued += int64(len(msg.Data))
	ch := s.mch
	s.mu.Unlock()

	select {
	case ch <- msg:
		return true
	default:
		// The channel itself is also bounded (defense in depth); treat a
		// full channel the same as a byte/msg-limit overflow.
		s.mu.Lock()
		s.slowConsumer = true
		s.dropped++
		s.msgsQueued--
		s.bytesQueued -= int64(len(msg.Data))
		s.mu.Unlock()
		return false
	}
}

// dequeueForDelivery is called by an async delivery worker for msg, which
// the worker has already taken; it decrements queue accounting and handles
// auto-unsub accounting and the timeout clock reset described in spec §4.4.
func (s *Subscription) dequeueForDelivery(msg *Msg) (cb MsgHandler, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgsQueued--
	s.bytesQueued -= int64(len(msg.Data))
	if s.closed {
		return nil, true
	}
	s.delivered++
	if s.timeoutTmr != nil {
		s.timeoutTmr.Stop()
	}
	if s.autoUnsubMax > 0 && s.delivered > s.autoUnsubMax {
		return nil, true
	}
	return s.mcb, false
}

// afterDeliver is called by the delivery worker once the handler returns,
// to restart the timeout clock (it only starts when the queue is empty
// after the handler returns, per spec §4.4) and to unregister the
// subscription if auto-unsub was just exhausted.
func (s *Subscription) afterDeliver() (autoExhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgsQueued == 0 {
		s.resetTimeoutLocked()
	}
	return s.autoUnsubMax > 0 && s.delivered >= s.autoUnsubMax
}

// markSlowConsumer records a single dropped message and sets the
// slow-consumer flag. It returns nothing; Conn.processMsg does not call it,
// since enqueue does its own drop accounting.
func (s *Subscription) markSlowConsumer() {
	s.mu.Lock()
	s.slowConsumer = true
	s.dropped++
	s.mu.Unlock()
}

func (s *Subscription) closeLocked() {
	s.closed = true
	s.conn = nil
	if s.timeoutTmr != nil {
		s.timeoutTmr.Stop()
	}
	if s.mch != nil {
		close(s.mch)
	}
	if s.drainCh != nil {
		close(s.drainCh)
		s.drainCh = nil
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closeLocked()
}
