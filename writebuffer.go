// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"bufio"
	"bytes"
	"io"
)

// writeBuffer implements spec §4.3. It fronts the socket with a bufio
// writer during normal operation and switches to an in-memory
// pending-publish buffer (capped at reconnectBufSize) while the
// connection is Reconnecting or Connecting-retry, so publishes issued
// during a reconnect window are either queued for replay or rejected
// with insufficientBuffer once the cap is hit.
type writeBuffer struct {
	bw      *bufio.Writer // always non-nil once attached; targets either the socket or pending.
	pending *bytes.Buffer // non-nil only while reconnecting.
	cap     int
}

func newWriteBuffer(cap int) *writeBuffer {
	return &writeBuffer{cap: cap}
}

// attachSocket points the active buffer at the socket, used on initial
// connect and on each reconnect attempt; pending bytes taken with
// takePending are then replayed through it with flushPendingInto.
func (w *writeBuffer) attachSocket(conn io.Writer, bufSize int) {
	w.bw = bufio.NewWriterSize(conn, bufSize)
	w.pending = nil
}

// enterPending switches the active buffer to an in-memory log, called
// when the connection transitions to Reconnecting.
func (w *writeBuffer) enterPending() {
	w.pending = &bytes.Buffer{}
	w.bw = bufio.NewWriter(w.pending)
}

// appendBytes appends b to the active buffer. While pending, the write is
// rejected with ErrInsufficientBuffer if it would exceed cap, and buffer
// contents are left unchanged (spec §8 boundary behavior).
func (w *writeBuffer) appendBytes(b []byte) error {
	if w.pending != nil && w.cap > 0 {
		if w.pending.Len()+w.bw.Buffered()+len(b) > w.cap {
			return ErrInsufficientBuffer
		}
	}
	_, err := w.bw.Write(b)
	return err
}

// flushPendingInto drains accumulated pending bytes into the newly
// attached socket writer, in order, before any subsequently appended user
// bytes — called once per reconnect attempt, after attachSocket, the
// CONNECT/PING handshake and the re-sent subscriptions.
func (w *writeBuffer) flushPendingInto(pending *bytes.Buffer) error {
	if pending == nil || pending.Len() == 0 {
		return nil
	}
	_, err := w.bw.Write(pending.Bytes())
	return err
}

// takePending detaches and returns the current pending buffer (if any),
// leaving the writeBuffer without one; used when transitioning out of
// Reconnecting so the old buffer's bytes can be replayed via
// flushPendingInto once the new socket writer is attached.
func (w *writeBuffer) takePending() *bytes.Buffer {
	if w.pending == nil {
		return nil
	}
	w.bw.Flush()
	p := w.pending
	w.pending = nil
	return p
}

func (w *writeBuffer) flush() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}

func (w *writeBuffer) buffered() int {
	if w.bw == nil {
		return 0
	}
	return w.bw.Buffered()
}
