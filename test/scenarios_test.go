package test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
)

// TestScenarioSyncSubscribePublishNextMsg: connect, synchronously subscribe,
// publish, and receive the message back via NextMsg.
func TestScenarioSyncSubscribePublishNextMsg(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	sub, err := nc.SubscribeSync("greet.hi")
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	if err := nc.Publish("greet.hi", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Fatalf("want %q, got %q", "hello", msg.Data)
	}
}

// TestScenarioAutoUnsubDeliversExactlyTwice: AutoUnsubscribe(2) must invoke
// the async handler exactly twice, even when more messages are published.
func TestScenarioAutoUnsubDeliversExactlyTwice(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	var count int32
	done := make(chan struct{})
	sub, err := nc.Subscribe("auto.unsub", func(_ *nats.Msg) {
		if n := atomic.AddInt32(&count, 1); n == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.AutoUnsubscribe(2); err != nil {
		t.Fatalf("AutoUnsubscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		nc.Publish("auto.unsub", []byte("x"))
	}
	nc.Flush()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("did not receive 2 deliveries in time, got %d", atomic.LoadInt32(&count))
	}
	// Give any over-delivery a chance to land before asserting the ceiling.
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&count); n != 2 {
		t.Fatalf("want exactly 2 deliveries, got %d", n)
	}
}

// TestScenarioRequestReplyAcrossConnections exercises request/reply where
// the requester and replier are on two independent connections.
func TestScenarioRequestReplyAcrossConnections(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	replier := NewDefaultConnection(t)
	defer replier.Close()
	requester := NewDefaultConnection(t)
	defer requester.Close()

	if _, err := replier.Subscribe("svc.echo", func(m *nats.Msg) {
		m.Respond([]byte("echo:" + string(m.Data)))
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	replier.Flush()

	reply, err := requester.Request("svc.echo", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Fatalf("want %q, got %q", "echo:ping", reply.Data)
	}
}

// TestScenarioReconnectFiresExactlyOnce kills and restarts the broker
// mid-connection and expects exactly one ReconnectedCB invocation, with
// the subscription still active afterward.
func TestScenarioReconnectFiresExactlyOnce(t *testing.T) {
	s := RunDefaultServer()

	var reconnects int32
	reconnected := make(chan struct{}, 1)
	nc, err := nats.Connect("nats://127.0.0.1:8368",
		nats.ReconnectWait(50*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if atomic.AddInt32(&reconnects, 1) == 1 {
				close(reconnected)
			}
		}),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	var got int32
	sub, err := nc.Subscribe("reconnect.test", func(_ *nats.Msg) {
		atomic.AddInt32(&got, 1)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	nc.Flush()

	s.Shutdown()
	time.Sleep(200 * time.Millisecond)
	s2 := RunDefaultServer()
	defer s2.Shutdown()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected exactly one reconnect callback, got %d", atomic.LoadInt32(&reconnects))
	}
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&reconnects); n != 1 {
		t.Fatalf("want exactly 1 reconnect callback, got %d", n)
	}

	if !sub.IsValid() {
		t.Fatalf("expected the subscription to survive reconnect via resubscription")
	}
}

// TestScenarioSlowConsumerIsolatedToOneSubscription publishes a 1MiB
// payload into a subscription bounded to 64KiB: the bounded subscription
// must report a drop via the slow-consumer error handler while a sibling
// subscription on the same subject keeps receiving normally.
func TestScenarioSlowConsumerIsolatedToOneSubscription(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()

	var slowConsumerSeen int32
	nc, err := nats.Connect("nats://127.0.0.1:8368", nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		if err == nats.ErrSlowConsumer {
			atomic.AddInt32(&slowConsumerSeen, 1)
		}
	}))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	var mu sync.Mutex
	var blocked, sibling int

	blockedSub, err := nc.Subscribe("bulk", func(_ *nats.Msg) {
		// Deliberately never drains; the bounded queue fills up quickly.
		time.Sleep(time.Hour)
		mu.Lock()
		blocked++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := blockedSub.SetPendingLimits(0, 64*1024); err != nil {
		t.Fatalf("SetPendingLimits: %v", err)
	}

	siblingDone := make(chan struct{}, 1)
	if _, err := nc.Subscribe("bulk", func(_ *nats.Msg) {
		mu.Lock()
		sibling++
		mu.Unlock()
		select {
		case siblingDone <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Subscribe sibling: %v", err)
	}
	nc.Flush()

	payload := make([]byte, 1024*1024)
	if err := nc.Publish("bulk", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	nc.Flush()

	select {
	case <-siblingDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("sibling subscription should still receive the message")
	}

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&slowConsumerSeen) == 0 {
		t.Fatalf("expected a slow-consumer notification on the bounded subscription")
	}
}

// TestScenarioNoEchoSuppressesSelfPublish: with NoEcho enabled, a
// connection's own publish must never be delivered back to its own
// subscription.
func TestScenarioNoEchoSuppressesSelfPublish(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc, err := nats.Connect("nats://127.0.0.1:8368", nats.NoEcho())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	var got int32
	sub, err := nc.SubscribeSync("noecho.subject")
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	_ = sub

	nc.Subscribe("noecho.subject", func(_ *nats.Msg) {
		atomic.AddInt32(&got, 1)
	})
	nc.Flush()

	nc.Publish("noecho.subject", []byte("self"))
	nc.Flush()
	time.Sleep(200 * time.Millisecond)

	if n := atomic.LoadInt32(&got); n != 0 {
		t.Fatalf("want zero self-delivered messages with NoEcho, got %d", n)
	}
}

// TestBoundaryMaxPayload: a payload exactly at the server's advertised
// MaxPayload must succeed; one byte over must fail with ErrMaxPayload.
func TestBoundaryMaxPayload(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	max := nc.MaxPayload()
	if max <= 0 {
		t.Fatalf("expected server to advertise a positive max_payload")
	}

	ok := make([]byte, max)
	if err := nc.Publish("limits", ok); err != nil {
		t.Fatalf("publish at exactly max_payload should succeed: %v", err)
	}

	over := make([]byte, max+1)
	if err := nc.Publish("limits", over); err != nats.ErrMaxPayload {
		t.Fatalf("want ErrMaxPayload publishing max_payload+1, got %v", err)
	}
}

// TestBoundaryInvalidSubjectAndQueueName covers the empty-subject and
// space-in-queue-name rejection cases.
func TestBoundaryInvalidSubjectAndQueueName(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	defer nc.Close()

	if err := nc.Publish("", []byte("x")); err != nats.ErrInvalidSubject {
		t.Fatalf("want ErrInvalidSubject for an empty subject, got %v", err)
	}
	if _, err := nc.Subscribe("", func(*nats.Msg) {}); err != nats.ErrInvalidSubject {
		t.Fatalf("want ErrInvalidSubject subscribing to an empty subject, got %v", err)
	}
	if _, err := nc.QueueSubscribe("foo", "bad queue", func(*nats.Msg) {}); err != nats.ErrInvalidQueueName {
		t.Fatalf("want ErrInvalidQueueName for a queue name containing a space, got %v", err)
	}
}

// TestBoundaryFlushReturnsPromptlyAfterClose: Flush on a closed connection
// must return promptly with ErrConnectionClosed rather than blocking for
// its timeout.
func TestBoundaryFlushReturnsPromptlyAfterClose(t *testing.T) {
	s := RunDefaultServer()
	defer s.Shutdown()
	nc := NewDefaultConnection(t)
	nc.Close()

	start := time.Now()
	err := nc.Flush()
	elapsed := time.Since(start)
	if err != nats.ErrConnectionClosed {
		t.Fatalf("want ErrConnectionClosed, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("Flush on a closed connection must return promptly, took %v", elapsed)
	}
}
