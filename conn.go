// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Conn owns the server pool, parser, write buffer, subscription table and
// every goroutine that drives the connection state machine described in
// spec §4.6 and §5. It is reference counted in spirit: Close() cancels all
// waiters and tears down every owned goroutine, and the struct is only
// eligible for collection once every goroutine has observed the close.
type Conn struct {
	mu sync.Mutex

	Opts Options

	pool *serverPool
	cur  *srv
	conn net.Conn

	br *bufio.Reader
	wb *writeBuffer
	ps *parser

	ssid uint64
	subs map[uint64]*Subscription

	info serverInfo

	pongs []chan error // outstanding PING waiters, oldest first.

	status Status
	stats  Stats
	lastErr *Error

	fch chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}

	rqm *requestMux

	delivery     *deliveryPool
	useSharedPool bool

	asyncCBs chan func()
	asyncWG  sync.WaitGroup

	readLoopDone chan struct{}
	flusherDone  chan struct{}
	pingerStop   chan struct{}

	pingOutstanding int
}

// --- setup & top-level connect ---

func (nc *Conn) setupServerPool() error {
	nc.pool = newServerPool()
	keepFirst := !nc.Opts.NoRandomize // the primary (first) URL is the caller-designated one.
	return nc.pool.seed(nc.Opts.Servers, !nc.Opts.NoRandomize, keepFirst)
}

// connect drives spec §4.6's Disconnected -> Connecting -> Connected path,
// trying each pool endpoint in turn until one succeeds or the pool is
// exhausted.
func (nc *Conn) connect() error {
	nc.subs = make(map[uint64]*Subscription)
	nc.closedCh = make(chan struct{})
	nc.fch = make(chan struct{}, 1)
	nc.ps = &parser{}
	nc.rqm = newRequestMux(nc)
	nc.status = DISCONNECTED
	nc.asyncCBs = make(chan func(), 1024)
	nc.asyncWG.Add(1)
	go nc.asyncCBLoop()

	if nc.Opts.DelivererPoolSize > 0 {
		nc.useSharedPool = true
		nc.delivery = sharedDeliveryPool(nc.Opts.DelivererPoolSize)
	}

	// The synchronous Connect call tries every pool endpoint exactly once,
	// in round-robin order, and fails fast rather than honoring
	// Reconnect.Wait; that backoff only applies once a connection has been
	// established and is later lost.
	tries := nc.pool.size()
	var lastErr error
	for i := 0; i < tries; i++ {
		s, _, err := nc.pool.next(0, -1)
		if err != nil {
			break
		}
		nc.status = CONNECTING
		nc.pool.markAttempt(s)
		if err := nc.connectToEndpoint(s); err != nil {
			lastErr = err
			nc.pool.markFailed(s, err)
			continue
		}
		nc.cur = s
		nc.pool.markConnected(s)
		nc.status = CONNECTED
		nc.spinUpGoroutines()
		if nc.Opts.ConnectedCB != nil {
			nc.postAsync(func() { nc.Opts.ConnectedCB(nc) })
		}
		return nil
	}
	if lastErr != nil {
		return wrapError(KindNoServer, lastErr)
	}
	return ErrNoServers
}

// connectToEndpoint performs the protocol-exact handshake of spec §4.6
// steps 1-8 against a single endpoint, leaving nc.conn/br/wb attached on
// success.
func (nc *Conn) connectToEndpoint(s *srv) error {
	conn, err := nc.dial(s)
	if err != nil {
		return wrapError(KindIOError, err)
	}
	if nc.wb == nil {
		nc.wb = newWriteBuffer(nc.pendingBufSize())
	}
	pending := nc.wb.takePending() // detach before attachSocket clears it; nil on first connect.
	nc.conn = conn
	nc.br = bufio.NewReaderSize(conn, nc.ioBufSize())
	nc.wb.attachSocket(conn, nc.ioBufSize())
	nc.ps.reset()

	info, err := nc.readInfo()
	if err != nil {
		nc.conn.Close()
		return err
	}
	nc.info = *info

	if nc.info.TLSRequired || s.requiresTLS() || nc.Opts.Secure {
		if err := nc.upgradeTLS(s); err != nil {
			nc.conn.Close()
			return err
		}
		// Server may resend INFO right after the TLS upgrade.
		if nc.info.TLSRequired {
			info2, err := nc.readInfo()
			if err == nil {
				nc.info = *info2
			}
		}
	} else if nc.Opts.Secure {
		return ErrSecureConnWanted
	}

	if err := nc.sendConnectAndPing(); err != nil {
		nc.conn.Close()
		return err
	}

	nc.resendSubscriptions()

	if pending != nil {
		if err := nc.wb.flushPendingInto(pending); err != nil {
			return wrapError(KindIOError, err)
		}
	}
	return nc.wb.flush()
}

func (nc *Conn) ioBufSize() int {
	if nc.Opts.IOBufSize > 0 {
		return nc.Opts.IOBufSize
	}
	return defaultBufSize
}

func (nc *Conn) pendingBufSize() int {
	if nc.Opts.Reconnect.PendingBufSize > 0 {
		return nc.Opts.Reconnect.PendingBufSize
	}
	return DefaultReconnectBufSize
}

// dial honors ConnectTimeout and the IP family preference (spec §5 Data
// Model: ConnectionOptions.IP family preference).
func (nc *Conn) dial(s *srv) (net.Conn, error) {
	timeout := nc.Opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host := s.url.Hostname()
	port := s.url.Port()
	if nc.Opts.CustomDialer != nil {
		return nc.Opts.CustomDialer.Dial("tcp", s.url.Host)
	}
	if nc.Opts.IPFamily == IPFamilyAny || host == "" {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(context.Background(), "tcp", s.url.Host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	ordered := orderByFamily(addrs, nc.Opts.IPFamily)
	// All candidates share one connect timeout.
	d := net.Dialer{Timeout: timeout, Deadline: time.Now().Add(timeout)}
	var lastErr error
	for _, addr := range ordered {
		c, err := d.Dial("tcp", net.JoinHostPort(addr.String(), port))
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for host %q", host)
	}
	return nil, lastErr
}

func orderByFamily(addrs []net.IPAddr, pref IPFamily) []net.IPAddr {
	var v4, v6 []net.IPAddr
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	switch pref {
	case IPFamilyV4:
		return v4
	case IPFamilyV6:
		return v6
	case IPFamilyV6Then4:
		return append(v6, v4...)
	default: // IPFamilyV4Then6
		return append(v4, v6...)
	}
}

func (nc *Conn) upgradeTLS(s *srv) error {
	conf := nc.Opts.TLSConfig
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}
	if conf.ServerName == "" {
		conf.ServerName = s.url.Hostname()
	}
	tlsConn := tls.Client(nc.conn, conf)
	if err := tlsConn.Handshake(); err != nil {
		return wrapError(KindSSLError, err)
	}
	nc.conn = tlsConn
	nc.br = bufio.NewReaderSize(tlsConn, nc.ioBufSize())
	nc.wb.attachSocket(tlsConn, nc.ioBufSize())
	return nil
}

// readInfo reads exactly the first control line and requires it to be
// INFO, per spec §4.6 step 2.
func (nc *Conn) readInfo() (*serverInfo, error) {
	nc.conn.SetReadDeadline(time.Now().Add(nc.connTimeoutOrDefault()))
	defer nc.conn.SetReadDeadline(time.Time{})

	line, err := nc.readLine()
	if err != nil {
		return nil, wrapError(KindIOError, err)
	}
	op, args := splitOp(line)
	if op != opINFO {
		return nil, newError(KindProtocolError, "expected INFO, got "+op)
	}
	info := &serverInfo{}
	if err := json.Unmarshal([]byte(args), info); err != nil {
		return nil, wrapError(KindProtocolError, err)
	}
	return info, nil
}

func (nc *Conn) connTimeoutOrDefault() time.Duration {
	if nc.Opts.ConnectTimeout > 0 {
		return nc.Opts.ConnectTimeout
	}
	return DefaultTimeout
}

func (nc *Conn) readLine() (string, error) {
	b, pre, err := nc.br.ReadLine()
	if err != nil {
		return "", err
	}
	if pre {
		return "", newError(KindProtocolError, "control line too long")
	}
	return string(b), nil
}

func splitOp(line string) (op, args string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.TrimSpace(line), ""
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
}

// sendConnectAndPing implements spec §4.6 steps 3-5: build and send
// CONNECT, then PING, then wait for PONG (or a fatal -ERR).
func (nc *Conn) sendConnectAndPing() error {
	ci, err := nc.buildConnectInfo()
	if err != nil {
		return err
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return wrapError(KindInvalidArg, err)
	}
	if err := nc.wb.appendBytes([]byte(fmt.Sprintf(connectProtoFmt, b))); err != nil {
		return err
	}
	if err := nc.wb.appendBytes([]byte(pingProtoFmt)); err != nil {
		return err
	}
	if err := nc.wb.flush(); err != nil {
		return wrapError(KindIOError, err)
	}

	for {
		line, err := nc.readLine()
		if err != nil {
			return wrapError(KindIOError, err)
		}
		op, args := splitOp(line)
		switch op {
		case opPONG:
			return nil
		case opOK:
			continue
		case opINFO:
			var info serverInfo
			if err := json.Unmarshal([]byte(args), &info); err == nil {
				nc.info = info
			}
			continue
		case opERR:
			return classifyHandshakeErr(trimErrQuotes(args))
		default:
			return newErrorf(KindProtocolError, "unexpected handshake response: %s", op)
		}
	}
}

func trimErrQuotes(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

func classifyHandshakeErr(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "authorization") || strings.Contains(lower, "auth"):
		return wrapError(KindAuthFailed, fmt.Errorf("%s", msg))
	case strings.Contains(lower, "permission"):
		return wrapError(KindNotPermitted, fmt.Errorf("%s", msg))
	default:
		return wrapError(KindProtocolError, fmt.Errorf("%s", msg))
	}
}

// buildConnectInfo assembles the CONNECT JSON payload described in spec
// §4.6 step 3 and §6, including the mutually exclusive credential
// schemes (user JWT, NKey, token or token handler, user/password, and
// user info embedded in the server URL), checked in that order.
func (nc *Conn) buildConnectInfo() (*connectInfo, error) {
	ci := &connectInfo{
		Verbose:  nc.Opts.Verbose,
		Pedantic: nc.Opts.Pedantic,
		TLS:      nc.info.TLSRequired || nc.Opts.Secure,
		Name:     nc.Opts.Name,
		Lang:     LangString,
		Version:  Version,
		Protocol: connectProtocolVersion,
		Echo:     !nc.Opts.NoEcho,
	}

	switch {
	case nc.Opts.UserJWT != nil && nc.Opts.SignatureCB != nil:
		jwt, err := nc.Opts.UserJWT()
		if err != nil {
			return nil, wrapError(KindAuthFailed, err)
		}
		nonce, err := b64RawURLDecode(nc.info.Nonce)
		if err != nil && nc.info.Nonce != "" {
			return nil, err
		}
		sig, err := signNonce(nc.Opts.SignatureCB, nonce)
		if err != nil {
			return nil, wrapError(KindAuthFailed, err)
		}
		ci.JWT = jwt
		ci.Sig = b64RawURLEncode(sig)
	case nc.Opts.Nkey != "" && nc.Opts.SignatureCB != nil:
		nonce, err := b64RawURLDecode(nc.info.Nonce)
		if err != nil && nc.info.Nonce != "" {
			return nil, err
		}
		sig, err := signNonce(nc.Opts.SignatureCB, nonce)
		if err != nil {
			return nil, wrapError(KindAuthFailed, err)
		}
		ci.NKey = nc.Opts.Nkey
		ci.Sig = b64RawURLEncode(sig)
	case nc.Opts.Token != "":
		ci.AuthTok = nc.Opts.Token
	case nc.Opts.TokenHandler != nil:
		ci.AuthTok = nc.Opts.TokenHandler()
	case nc.Opts.User != "":
		ci.User = nc.Opts.User
		ci.Pass = nc.Opts.Password
	default:
		if u := nc.cur.url.User; u != nil {
			ci.User = u.Username()
			ci.Pass, _ = u.Password()
		}
	}
	return ci, nil
}

func (nc *Conn) spinUpGoroutines() {
	nc.pingerStop = make(chan struct{})
	if nc.Opts.EventLoop != nil {
		if err := nc.Attach(); err != nil {
			nc.mu.Lock()
			nc.lastErr = toNatsError(err)
			nc.mu.Unlock()
		}
		go nc.pingTimerLoop()
		return
	}
	nc.readLoopDone = make(chan struct{})
	nc.flusherDone = make(chan struct{})
	go nc.readLoop()
	go nc.flusher()
	go nc.pingTimerLoop()
}

// --- external event-loop mode (spec §5) ---

// Attach hands socket ownership to a host-supplied event loop instead of
// starting the internal read loop and flusher goroutines. The host is then
// responsible for calling ProcessReadEvent with bytes read off the socket
// and ProcessWriteEvent when the socket becomes writable, per
// Options.EventLoop.
func (nc *Conn) Attach() error {
	el := nc.Opts.EventLoop
	if el == nil || el.Attach == nil {
		return newError(KindIllegalState, "no EventLoopAdapter configured")
	}
	return el.Attach(nc)
}

// ProcessReadEvent feeds bytes read by the host's event loop into the
// parser and dispatches any resulting protocol events, replacing the
// internal readLoop goroutine when Options.EventLoop is set.
func (nc *Conn) ProcessReadEvent(data []byte) error {
	events, perr := nc.ps.parse(data, nil)
	for _, ev := range events {
		nc.dispatch(ev)
	}
	if perr != nil {
		nc.handleReadError(perr)
		return perr
	}
	return nil
}

// ProcessWriteEvent is called by the host's event loop when the socket
// becomes writable. It flushes whatever is buffered and, once the buffer
// drains, toggles off write-interest via EventLoopAdapter.ToggleWriteIntent
// so the host stops polling for writability until there is more to send.
func (nc *Conn) ProcessWriteEvent() error {
	nc.mu.Lock()
	if nc.status == CLOSED || nc.wb == nil {
		nc.mu.Unlock()
		return nil
	}
	err := nc.wb.flush()
	drained := nc.wb.buffered() == 0
	el := nc.Opts.EventLoop
	nc.mu.Unlock()
	if err != nil {
		nc.handleReadError(wrapError(KindIOError, err))
		return err
	}
	if drained && el != nil && el.ToggleWriteIntent != nil {
		return el.ToggleWriteIntent(nc, false)
	}
	return nil
}

// --- read loop & parsing dispatch ---

func (nc *Conn) readLoop() {
	defer close(nc.readLoopDone)
	buf := make([]byte, nc.ioBufSize())
	for {
		nc.mu.Lock()
		conn := nc.conn
		closed := nc.status == CLOSED
		nc.mu.Unlock()
		if closed || conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			nc.handleReadError(err)
			return
		}
		events, perr := nc.ps.parse(buf[:n], nil)
		for _, ev := range events {
			nc.dispatch(ev)
		}
		if perr != nil {
			nc.handleReadError(perr)
			return
		}
	}
}

func (nc *Conn) handleReadError(err error) {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return
	}
	allowReconnect := nc.Opts.Reconnect.Allowed
	nc.mu.Unlock()

	if allowReconnect {
		nc.processReconnect(err)
	} else {
		nc.mu.Lock()
		nc.lastErr = toNatsError(err)
		nc.mu.Unlock()
		nc.Close()
	}
}

func toNatsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return wrapError(KindIOError, err)
}

func (nc *Conn) dispatch(ev event) {
	switch ev.kind {
	case evMsg:
		nc.processMsg(ev.sid, ev.msg)
	case evPing:
		nc.processPing()
	case evPong:
		nc.processPong(nil)
	case evInfo:
		nc.processAsyncInfo(ev.info)
	case evErr:
		nc.processErr(string(ev.err))
	case evOK:
		// no-op
	}
}

// processMsg matches spec §4.4: looks up the subscription addressed by
// sid, enqueues the message on it, and evicts on overflow. Queue-group
// selection and no-echo filtering are the server's job; the client only
// ever sees sids it issued.
func (nc *Conn) processMsg(sid uint64, msg *Msg) {
	nc.mu.Lock()
	nc.stats.InMsgs++
	nc.stats.InBytes += uint64(len(msg.Data))
	sub := nc.subs[sid]
	nc.mu.Unlock()
	if sub == nil {
		return
	}
	msg.Sub = sub

	if nc.useSharedPool && nc.delivery != nil {
		sub.mu.Lock()
		isAsync := sub.mcb != nil
		sub.mu.Unlock()
		if isAsync {
			if !sub.enqueue(msg) {
				nc.fireSlowConsumer(sub)
				return
			}
			nc.delivery.submit(nc, sub, msg)
			return
		}
	}
	if !sub.enqueue(msg) {
		nc.fireSlowConsumer(sub)
	}
}

func (nc *Conn) fireSlowConsumer(sub *Subscription) {
	if nc.Opts.AsyncErrorCB != nil {
		nc.postAsync(func() { nc.Opts.AsyncErrorCB(nc, sub, ErrSlowConsumer) })
	}
}

func (nc *Conn) processPing() {
	nc.wb.appendBytes([]byte(pongProtoFmt))
	nc.kickFlusher()
}

func (nc *Conn) processPong(err error) {
	nc.mu.Lock()
	if len(nc.pongs) == 0 {
		nc.mu.Unlock()
		return
	}
	ch := nc.pongs[0]
	nc.pongs = nc.pongs[1:]
	if nc.pingOutstanding > 0 {
		nc.pingOutstanding--
	}
	nc.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (nc *Conn) processErr(text string) {
	nc.mu.Lock()
	nc.lastErr = newError(KindProtocolError, text)
	nc.mu.Unlock()
	lower := strings.ToLower(text)
	if strings.Contains(lower, "auth") {
		nc.handleReadError(wrapError(KindAuthFailed, fmt.Errorf("%s", text)))
		return
	}
	if strings.Contains(lower, "permission") {
		if nc.Opts.AsyncErrorCB != nil {
			nc.postAsync(func() { nc.Opts.AsyncErrorCB(nc, nil, wrapError(KindNotPermitted, fmt.Errorf("%s", text))) })
		}
		return
	}
	nc.handleReadError(newError(KindProtocolError, text))
}

// processAsyncInfo merges a server-pushed INFO update (spec §4.6, "Async
// INFO"): connect_urls are merged into the pool, lame duck mode schedules
// a reconnect, max payload is applied.
func (nc *Conn) processAsyncInfo(raw []byte) {
	var info serverInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return
	}
	nc.mu.Lock()
	nc.info.MaxPayload = info.MaxPayload
	ldm := info.LameDuckMode
	nc.mu.Unlock()

	if len(info.ConnectURLs) > 0 {
		added, _ := nc.pool.mergeDiscovered(info.ConnectURLs)
		if added && nc.Opts.DiscoveredServersCB != nil {
			nc.postAsync(func() { nc.Opts.DiscoveredServersCB(nc) })
		}
	}
	if ldm {
		jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
		time.AfterFunc(jitter, func() {
			nc.processReconnect(newError(KindIllegalState, "server entered lame duck mode"))
		})
	}
}

// --- flusher ---

func (nc *Conn) kickFlusher() {
	nc.mu.Lock()
	el := nc.Opts.EventLoop
	nc.mu.Unlock()
	if el != nil {
		if el.ToggleWriteIntent != nil {
			el.ToggleWriteIntent(nc, true)
		}
		return
	}
	select {
	case nc.fch <- struct{}{}:
	default:
	}
}

func (nc *Conn) flusher() {
	defer close(nc.flusherDone)
	for {
		_, ok := <-nc.fch
		if !ok {
			return
		}
		nc.mu.Lock()
		if nc.status == CLOSED {
			nc.mu.Unlock()
			return
		}
		if nc.status == CONNECTED && nc.wb.buffered() > 0 {
			err := nc.wb.flush()
			if err != nil {
				nc.mu.Unlock()
				nc.handleReadError(wrapError(KindIOError, err))
				continue
			}
		}
		nc.mu.Unlock()
	}
}

// --- ping timer ---

func (nc *Conn) pingTimerLoop() {
	interval := nc.Opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-nc.pingerStop:
			return
		case <-t.C:
			nc.mu.Lock()
			if nc.status != CONNECTED {
				nc.mu.Unlock()
				continue
			}
			max := nc.Opts.MaxPingsOut
			if max <= 0 {
				max = DefaultMaxPingOut
			}
			if nc.pingOutstanding+1 > max {
				nc.mu.Unlock()
				nc.handleReadError(ErrStaleConnection)
				return
			}
			nc.pingOutstanding++
			nc.pongs = append(nc.pongs, nil)
			nc.wb.appendBytes([]byte(pingProtoFmt))
			nc.mu.Unlock()
			nc.kickFlusher()
		}
	}
}

// --- publish path (spec §4.7) ---

// Publish sends data to subject with no reply address.
func (nc *Conn) Publish(subject string, data []byte) error {
	return nc.publish(subject, "", data)
}

// PublishMsg publishes the Subject/Reply/Data carried by m.
func (nc *Conn) PublishMsg(m *Msg) error {
	return nc.publish(m.Subject, m.Reply, m.Data)
}

// PublishRequest publishes data on subject with reply set, without
// waiting for a response; Request layers a wait on top of this.
func (nc *Conn) PublishRequest(subject, reply string, data []byte) error {
	return nc.publish(subject, reply, data)
}

func (nc *Conn) publish(subject, reply string, data []byte) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	if nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return ErrConnectionDraining
	}
	if nc.info.MaxPayload > 0 && int64(len(data)) > nc.info.MaxPayload {
		nc.mu.Unlock()
		return ErrMaxPayload
	}

	var line string
	if reply == "" {
		line = fmt.Sprintf(pubNoReplyFmt, subject, len(data))
	} else {
		line = fmt.Sprintf(pubProtoFmt, subject, reply, len(data))
	}
	if err := nc.wb.appendBytes([]byte(line)); err != nil {
		nc.mu.Unlock()
		return err
	}
	if err := nc.wb.appendBytes(data); err != nil {
		nc.mu.Unlock()
		return err
	}
	if err := nc.wb.appendBytes([]byte(crlf)); err != nil {
		nc.mu.Unlock()
		return err
	}
	nc.stats.OutMsgs++
	nc.stats.OutBytes += uint64(len(data))
	sendAsap := nc.Opts.SendAsap
	nc.mu.Unlock()

	if sendAsap {
		nc.mu.Lock()
		err := nc.wb.flush()
		nc.mu.Unlock()
		return err
	}
	nc.kickFlusher()
	return nil
}

// --- subscribe path (spec §4.4) ---

// Subscribe expresses interest in subject, delivering to cb asynchronously.
func (nc *Conn) Subscribe(subject string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribeInternal(subject, "", cb)
}

// SubscribeSync is syntactic sugar for Subscribe(subject, nil).
func (nc *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return nc.subscribeInternal(subject, "", nil)
}

// QueueSubscribe creates an asynchronous queue subscriber.
func (nc *Conn) QueueSubscribe(subject, queue string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribeInternal(subject, queue, cb)
}

// QueueSubscribeSync creates a synchronous queue subscriber.
func (nc *Conn) QueueSubscribeSync(subject, queue string) (*Subscription, error) {
	return nc.subscribeInternal(subject, queue, nil)
}

func (nc *Conn) subscribeInternal(subject, queue string, cb MsgHandler) (*Subscription, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if strings.ContainsAny(queue, " \t") {
		return nil, ErrInvalidQueueName
	}

	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	sub := &Subscription{
		Subject: subject,
		Queue:   queue,
		conn:    nc,
		mcb:     cb,
	}
	chanLen := nc.Opts.SubChanLen
	if chanLen <= 0 {
		chanLen = DefaultSubPendingMsgsLimit
	}
	sub.mch = make(chan *Msg, minInt(chanLen, 65536))
	sub.maxMsgs = chanLen
	sub.maxBytes = nc.Opts.SubMaxBytes
	if cb == nil {
		sub.typ = SyncSubscription
	} else {
		sub.typ = AsyncSubscription
	}
	nc.ssid++
	sub.sid = nc.ssid
	nc.subs[sub.sid] = sub

	reconnecting := nc.status == RECONNECTING || nc.status == CONNECTING
	if !reconnecting {
		nc.wb.appendBytes([]byte(nc.subLineLocked(sub)))
	}
	nc.mu.Unlock()

	if cb != nil && !nc.useSharedPool {
		go nc.runOwnedDispatcher(sub)
	}
	nc.kickFlusher()
	return sub, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (nc *Conn) subLineLocked(s *Subscription) string {
	if s.Queue == "" {
		return fmt.Sprintf(subNoQueueFmt, s.Subject, s.sid)
	}
	return fmt.Sprintf(subProtoFmt, s.Subject, s.Queue, s.sid)
}

// unsubscribe is the shared implementation behind Subscription.Unsubscribe
// and AutoUnsubscribe, and the auto-unsub-exhausted path from delivery.
// internal is true on the delivery path; it does not change what
// unsubscribe does.
func (nc *Conn) unsubscribe(sub *Subscription, max int, internal bool) error {
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	existing := nc.subs[sub.sid]
	if existing == nil {
		nc.mu.Unlock()
		return nil
	}
	if max > 0 {
		sub.mu.Lock()
		sub.autoUnsubMax = uint64(max)
		sub.mu.Unlock()
		line := fmt.Sprintf(unsubProtoFmt, sub.sid, strconv.Itoa(max))
		if nc.status == CONNECTED {
			nc.wb.appendBytes([]byte(line))
		}
		nc.mu.Unlock()
		nc.kickFlusher()
		return nil
	}

	delete(nc.subs, sub.sid)
	if nc.status == CONNECTED {
		nc.wb.appendBytes([]byte(fmt.Sprintf(unsubProtoFmt, sub.sid, "")))
	}
	nc.mu.Unlock()

	sub.close()
	nc.kickFlusher()
	return nil
}

// resendSubscriptions re-issues SUB (and pending UNSUB-with-max) lines for
// every still-registered subscription, per spec §4.6 step 6.
func (nc *Conn) resendSubscriptions() {
	for _, s := range nc.subs {
		s.mu.Lock()
		line := nc.subLineLocked(s)
		max := s.autoUnsubMax
		s.mu.Unlock()
		nc.wb.appendBytes([]byte(line))
		if max > 0 {
			nc.wb.appendBytes([]byte(fmt.Sprintf(unsubProtoFmt, s.sid, strconv.Itoa(int(max)))))
		}
	}
}

// --- request/reply ---

// Request performs a round-trip: publish data on subject with a unique
// reply inbox, then wait up to timeout for the first response.
func (nc *Conn) Request(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	if nc.Opts.UseOldRequestStyle {
		return nc.oldRequest(subject, data, timeout)
	}
	if err := nc.rqm.ensureStarted(); err != nil {
		return nil, err
	}
	ri := nc.rqm.acquire()
	reply := nc.rqm.replySubject(ri)
	if err := nc.publish(subject, reply, data); err != nil {
		nc.rqm.release(ri)
		return nil, err
	}
	return nc.rqm.wait(ri, timeout)
}

func (nc *Conn) oldRequest(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	inbox := NewInbox()
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		return nil, err
	}
	sub.AutoUnsubscribe(1)
	defer sub.Unsubscribe()
	if err := nc.PublishRequest(subject, inbox, data); err != nil {
		return nil, err
	}
	return sub.NextMsg(timeout)
}

// --- flush ---

// Flush performs a round trip (PING/PONG) and returns once the server has
// acknowledged every byte written before the call, or after 60s.
func (nc *Conn) Flush() error {
	return nc.FlushTimeout(60 * time.Second)
}

// FlushTimeout is Flush with an explicit deadline; 0 or negative is
// rejected with ErrInvalidTimeout per spec §5.
func (nc *Conn) FlushTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	nc.mu.Lock()
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	ch := make(chan error, 1)
	nc.pongs = append(nc.pongs, ch)
	nc.wb.appendBytes([]byte(pingProtoFmt))
	err := nc.wb.flush()
	nc.mu.Unlock()
	if err != nil {
		return wrapError(KindIOError, err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if err != nil {
			return err
		}
		return nil
	case <-t.C:
		nc.removePongEntry(ch)
		return ErrTimeout
	case <-nc.closedCh:
		return ErrConnectionClosed
	}
}

func (nc *Conn) removePongEntry(ch chan error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for i, c := range nc.pongs {
		if c == ch {
			nc.pongs = append(nc.pongs[:i], nc.pongs[i+1:]...)
			return
		}
	}
}

// --- state accessors ---

func (nc *Conn) Status() Status {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.status
}

func (nc *Conn) IsConnected() bool { return nc.Status() == CONNECTED }
func (nc *Conn) IsClosed() bool    { return nc.Status() == CLOSED }
func (nc *Conn) IsReconnecting() bool { return nc.Status() == RECONNECTING }
func (nc *Conn) IsDraining() bool {
	s := nc.Status()
	return s == DRAINING_SUBS || s == DRAINING_PUBS
}

func (nc *Conn) Stats() Stats {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.stats
}

func (nc *Conn) LastError() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.lastErr == nil {
		return nil
	}
	return nc.lastErr
}

func (nc *Conn) ConnectedUrl() string {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.cur == nil {
		return ""
	}
	return nc.cur.url.String()
}

func (nc *Conn) MaxPayload() int64 {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.info.MaxPayload
}

func (nc *Conn) Servers() []string {
	return nc.pool.urls()
}

// NumSubscriptions returns the number of active subscriptions on this
// connection.
func (nc *Conn) NumSubscriptions() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.subs)
}

// --- async callback serialization (spec §5) ---

func (nc *Conn) asyncCBLoop() {
	defer nc.asyncWG.Done()
	for cb := range nc.asyncCBs {
		cb()
	}
}

func (nc *Conn) postAsync(cb func()) {
	select {
	case nc.asyncCBs <- cb:
	default:
		// Async callback queue is full; run the callback on its own
		// goroutine rather than drop a user-visible notification,
		// accepting the (rare) ordering risk.
		go cb()
	}
}

// --- reconnect (spec §4.6 Connected -> Reconnecting -> Connecting) ---

func (nc *Conn) processReconnect(cause error) {
	nc.mu.Lock()
	if nc.status == CLOSED || nc.status == RECONNECTING {
		nc.mu.Unlock()
		return
	}
	if !nc.Opts.Reconnect.Allowed {
		nc.mu.Unlock()
		nc.lastErrSet(cause)
		nc.Close()
		return
	}
	nc.status = RECONNECTING
	nc.stats.Reconnects++
	if nc.conn != nil {
		nc.conn.Close()
	}
	close(nc.pingerStop)
	nc.clearPendingFlushLocked(wrapErrIfNeeded(cause))
	nc.wb.enterPending()
	nc.mu.Unlock()

	if nc.Opts.DisconnectedErrCB != nil {
		nc.postAsync(func() { nc.Opts.DisconnectedErrCB(nc, cause) })
	} else if nc.Opts.DisconnectedCB != nil {
		nc.postAsync(func() { nc.Opts.DisconnectedCB(nc) })
	}

	go nc.doReconnect()
}

func wrapErrIfNeeded(err error) error {
	if err == nil {
		return newDisconnectedError()
	}
	return err
}

// newDisconnectedError builds the error used to resolve pending flush
// waiters when a reconnect begins; a function rather than a package var
// so each use carries its own stack trace.
func newDisconnectedError() error {
	return newError(KindDisconnected, "connection disconnected")
}

func (nc *Conn) clearPendingFlushLocked(err error) {
	for _, ch := range nc.pongs {
		if ch != nil {
			ch <- err
		}
	}
	nc.pongs = nil
	nc.pingOutstanding = 0
}

func (nc *Conn) lastErrSet(err error) {
	nc.mu.Lock()
	nc.lastErr = toNatsError(err)
	nc.mu.Unlock()
}

func (nc *Conn) doReconnect() {
	maxAttempts := nc.Opts.Reconnect.MaxAttempts
	attempts := 0
	for {
		nc.mu.Lock()
		if nc.status == CLOSED {
			nc.mu.Unlock()
			return
		}
		nc.mu.Unlock()

		if maxAttempts >= 0 && attempts >= maxAttempts {
			nc.lastErrSet(ErrNoServers)
			nc.Close()
			return
		}
		attempts++

		s, wait, err := nc.pool.next(nc.Opts.Reconnect.Wait, maxAttempts)
		if err != nil {
			if wait > 0 {
				time.Sleep(wait)
				continue
			}
			nc.lastErrSet(ErrNoServers)
			nc.Close()
			return
		}
		nc.pool.markAttempt(s)

		if err := nc.connectToEndpoint(s); err != nil {
			continue
		}

		nc.mu.Lock()
		nc.cur = s
		nc.status = CONNECTED
		nc.mu.Unlock()
		nc.pool.markConnected(s)
		nc.spinUpGoroutines()

		if nc.Opts.ReconnectedCB != nil {
			nc.postAsync(func() { nc.Opts.ReconnectedCB(nc) })
		}
		return
	}
}

// --- drain (spec §4.6 Connected -> DrainingSubs -> DrainingPubs -> Closed) ---

// Drain puts the connection into draining mode: every subscription is
// drained, then no further publishes are accepted, then the connection
// closes. Drain blocks until the connection is closed. A call made while
// another Drain is still in progress returns ErrConnectionDraining; after
// a Drain has completed the connection is closed, so a later call returns
// ErrConnectionClosed.
func (nc *Conn) Drain() error {
	return nc.DrainTimeout(DefaultFlusherTimeout)
}

func (nc *Conn) DrainTimeout(timeout time.Duration) error {
	nc.mu.Lock()
	if nc.status == DRAINING_SUBS || nc.status == DRAINING_PUBS {
		nc.mu.Unlock()
		return ErrConnectionDraining
	}
	if nc.status == CLOSED {
		nc.mu.Unlock()
		return ErrConnectionClosed
	}
	nc.status = DRAINING_SUBS
	subs := make([]*Subscription, 0, len(nc.subs))
	for _, s := range nc.subs {
		subs = append(subs, s)
	}
	nc.mu.Unlock()

	nc.rqm.shutdown()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			nc.drainSub(s)
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(timeout):
	}

	nc.mu.Lock()
	nc.status = DRAINING_PUBS
	nc.mu.Unlock()

	nc.FlushTimeout(timeout)
	nc.Close()
	return nil
}

// drainSub implements Subscription.Drain: UNSUB, let the queue empty
// through the handler, then unregister.
func (nc *Conn) drainSub(s *Subscription) error {
	nc.mu.Lock()
	sent := nc.status == CONNECTED || nc.status == DRAINING_SUBS
	if sent {
		nc.wb.appendBytes([]byte(fmt.Sprintf(unsubProtoFmt, s.sid, "")))
	}
	nc.mu.Unlock()
	if sent {
		// The PONG follows every MSG the server sent before the UNSUB.
		nc.FlushTimeout(DefaultFlusherTimeout)
	}

	s.mu.Lock()
	mch := s.mch
	s.mu.Unlock()
	for mch != nil && len(mch) > 0 {
		time.Sleep(time.Millisecond)
	}
	nc.mu.Lock()
	delete(nc.subs, s.sid)
	nc.mu.Unlock()
	s.close()
	return nil
}

// --- close (spec §4.6 any -> Closed) ---

// Close tears the connection down, cancels every blocked caller with
// ErrConnectionClosed, and invokes ClosedCB exactly once. Idempotent.
func (nc *Conn) Close() {
	nc.closeOnce.Do(func() {
		nc.mu.Lock()
		wasConnected := nc.status != DISCONNECTED
		nc.status = CLOSED
		if nc.pingerStop != nil {
			select {
			case <-nc.pingerStop:
			default:
				close(nc.pingerStop)
			}
		}
		nc.clearPendingFlushLocked(ErrConnectionClosed)
		subs := make([]*Subscription, 0, len(nc.subs))
		for _, s := range nc.subs {
			subs = append(subs, s)
		}
		nc.subs = nil
		conn := nc.conn
		nc.mu.Unlock()

		nc.rqm.shutdown()

		for _, s := range subs {
			s.close()
		}

		if conn != nil {
			nc.mu.Lock()
			nc.wb.flush()
			nc.mu.Unlock()
			conn.Close()
		}

		close(nc.closedCh)
		close(nc.fch)
		close(nc.asyncCBs)

		if wasConnected && nc.Opts.ClosedCB != nil {
			nc.Opts.ClosedCB(nc)
		}
		nc.asyncWG.Wait()
	})
}
