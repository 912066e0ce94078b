// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import "sync"

// runOwnedDispatcher runs one Subscription's async handler invocations strictly
// FIFO, for the "owned dispatcher" mode of spec §4.4.
func (nc *Conn) runOwnedDispatcher(sub *Subscription) {
	for msg := range sub.mch {
		nc.deliverOne(sub, msg)
	}
}

// deliverOne pops msg's accounting, invokes the handler (outside any
// lock), and performs auto-unsub/timeout bookkeeping. Shared by both
// delivery modes so ordering and bookkeeping semantics stay identical.
func (nc *Conn) deliverOne(sub *Subscription, msg *Msg) {
	cb, stop := sub.dequeueForDelivery(msg)
	if stop || cb == nil {
		return
	}
	cb(msg)
	if sub.afterDeliver() {
		nc.unsubscribe(sub, 0, true)
	}
}

// deliveryPool implements spec §4.4's "shared pool" delivery mode: a fixed
// set of workers, each subscription hashed to a stable worker via
// sid mod workerCount so a subscription's messages are always handled by
// the same goroutine, preserving per-subscription FIFO ordering even
// though the pool is shared across subscriptions (spec §9, "Global
// delivery pool").
type deliveryPool struct {
	mu      sync.Mutex
	started bool
	size    int
	queues  []chan deliveryJob
}

type deliveryJob struct {
	nc  *Conn
	sub *Subscription
	msg *Msg
}

func newDeliveryPool(size int) *deliveryPool {
	if size <= 0 {
		size = 1
	}
	return &deliveryPool{size: size}
}

// start is idempotent and lazy: the pool spins up its workers on first
// use, per spec §4.4/§9.
func (p *deliveryPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.queues = make([]chan deliveryJob, p.size)
	for i := range p.queues {
		ch := make(chan deliveryJob, 1024)
		p.queues[i] = ch
		go p.worker(ch)
	}
	p.started = true
}

func (p *deliveryPool) worker(ch chan deliveryJob) {
	for job := range ch {
		job.nc.deliverOne(job.sub, job.msg)
	}
}

// submit routes msg to the worker owning sub.sid. start must have been
// called already.
func (p *deliveryPool) submit(nc *Conn, sub *Subscription, msg *Msg) {
	idx := int(sub.sid % uint64(p.size))
	p.queues[idx] <- deliveryJob{nc: nc, sub: sub, msg: msg}
}

var (
	sharedPoolOnce sync.Once
	sharedPool     *deliveryPool
)

// sharedDeliveryPool returns the process-wide delivery pool, creating it
// with the first requested size. Per spec §9, this is a single resource
// shared by every Conn in the process that opts into pooled delivery;
// later callers requesting a different size still get the pool sized by
// whichever Conn initialized it first.
func sharedDeliveryPool(size int) *deliveryPool {
	sharedPoolOnce.Do(func() {
		sharedPool = newDeliveryPool(size)
	})
	sharedPool.start()
	return sharedPool
}
