// Copyright 2012 Apcera Inc. All rights reserved.

// Package nats is a Go client for a subject-addressed publish/subscribe
// messaging protocol. It implements the connection core: a state machine
// that survives broker restarts and transient network failures, a wire
// protocol engine, a buffered write path, and a subscription delivery
// model with slow-consumer protection and request/reply support.
package nats

// Status represents the lifecycle state of a Conn, per spec §4.6.
type Status int

const (
	DISCONNECTED Status = iota
	CONNECTING
	CONNECTED
	CLOSED
	RECONNECTING
	DRAINING_SUBS
	DRAINING_PUBS
)

func (s Status) String() string {
	switch s {
	case DISCONNECTED:
		return "disconnected"
	case CONNECTING:
		return "connecting"
	case CONNECTED:
		return "connected"
	case CLOSED:
		return "closed"
	case RECONNECTING:
		return "reconnecting"
	case DRAINING_SUBS:
		return "draining subscriptions"
	case DRAINING_PUBS:
		return "draining publishers"
	default:
		return "unknown"
	}
}

// Msg represents a message delivered by a Subscription or returned from a
// Request.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Sub     *Subscription
}

// Respond is a convenience for publishing a reply to the connection that
// delivered this message, using Msg.Reply as the destination subject.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" {
		return newError(KindInvalidArg, "message has no reply subject")
	}
	if m.Sub == nil {
		return ErrBadSubscription
	}
	m.Sub.mu.Lock()
	conn := m.Sub.conn
	m.Sub.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.Publish(m.Reply, data)
}

// Stats tracks message and byte counters on a Conn, plus the reconnect
// count exposed so tests can detect the open-question race documented in
// spec §9 (a Flush() racing a disconnect has indeterminate delivery).
type Stats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// serverInfo is the decoded form of the server's INFO line, per spec §6.
type serverInfo struct {
	ID           string   `json:"server_id"`
	Version      string   `json:"version"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	MaxPayload   int64    `json:"max_payload"`
	Proto        int      `json:"proto"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	Nonce        string   `json:"nonce"`
	ClientID     uint64   `json:"client_id"`
	ConnectURLs  []string `json:"connect_urls"`
	LameDuckMode bool     `json:"lame_duck_mode"`
}

// connectInfo is the CONNECT JSON payload sent during the handshake, per
// spec §6.
type connectInfo struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	TLS      bool   `json:"tls_required"`
	Name     string `json:"name"`
	Lang     string `json:"lang"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
	Echo     bool   `json:"echo"`

	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	AuthTok string `json:"auth_token,omitempty"`
	JWT     string `json:"jwt,omitempty"`
	Sig     string `json:"sig,omitempty"`
	NKey    string `json:"nkey,omitempty"`
}

const (
	crlf  = "\r\n"
	space = " "
)

const (
	opOK   = "+OK"
	opERR  = "-ERR"
	opMSG  = "MSG"
	opPING = "PING"
	opPONG = "PONG"
	opINFO = "INFO"
)

const (
	connectProtoFmt = "CONNECT %s" + crlf
	pingProtoFmt    = "PING" + crlf
	pongProtoFmt    = "PONG" + crlf
	pubProtoFmt     = "PUB %s %s %d" + crlf
	pubNoReplyFmt   = "PUB %s %d" + crlf
	subProtoFmt     = "SUB %s %s %d" + crlf
	subNoQueueFmt   = "SUB %s %d" + crlf
	unsubProtoFmt   = "UNSUB %d %s" + crlf
)

const (
	defaultBufSize     = 32768
	maxControlLineSize = 4096
)

// connectProtocolVersion is sent as the "protocol" field of CONNECT.
const connectProtocolVersion = 1
