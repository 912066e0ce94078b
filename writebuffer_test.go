package nats

import (
	"bytes"
	"testing"
)

func TestWriteBufferSocketWrite(t *testing.T) {
	var sock bytes.Buffer
	w := newWriteBuffer(0)
	w.attachSocket(&sock, 4096)
	if err := w.appendBytes([]byte("PING\r\n")); err != nil {
		t.Fatalf("appendBytes: %v", err)
	}
	if err := w.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sock.String() != "PING\r\n" {
		t.Fatalf("want %q got %q", "PING\r\n", sock.String())
	}
}

func TestWriteBufferPendingCapRejectsOverflow(t *testing.T) {
	w := newWriteBuffer(8)
	w.enterPending()
	if err := w.appendBytes([]byte("1234")); err != nil {
		t.Fatalf("appendBytes under cap: %v", err)
	}
	before := w.pending.Len() + w.bw.Buffered()
	if err := w.appendBytes([]byte("56789")); err != ErrInsufficientBuffer {
		t.Fatalf("want ErrInsufficientBuffer, got %v", err)
	}
	after := w.pending.Len() + w.bw.Buffered()
	if before != after {
		t.Fatalf("rejected append must leave buffer contents unchanged: before=%d after=%d", before, after)
	}
}

func TestWriteBufferPendingReplayOrder(t *testing.T) {
	w := newWriteBuffer(0)
	w.enterPending()
	w.appendBytes([]byte("PUB a 1\r\nx\r\n"))
	w.appendBytes([]byte("PUB b 1\r\ny\r\n"))
	pending := w.takePending()
	if pending == nil {
		t.Fatalf("expected a non-nil pending buffer")
	}

	var sock bytes.Buffer
	w.attachSocket(&sock, 4096)
	if err := w.flushPendingInto(pending); err != nil {
		t.Fatalf("flushPendingInto: %v", err)
	}
	w.appendBytes([]byte("PUB c 1\r\nz\r\n"))
	w.flush()

	want := "PUB a 1\r\nx\r\nPUB b 1\r\ny\r\nPUB c 1\r\nz\r\n"
	if sock.String() != want {
		t.Fatalf("want pending bytes flushed before new bytes, in order:\nwant=%q\ngot =%q", want, sock.String())
	}
}

func TestWriteBufferTakePendingNilWhenNeverEntered(t *testing.T) {
	w := newWriteBuffer(0)
	var sock bytes.Buffer
	w.attachSocket(&sock, 4096)
	if p := w.takePending(); p != nil {
		t.Fatalf("want nil pending buffer on first connect, got %v", p)
	}
}
