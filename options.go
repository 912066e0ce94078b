// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"crypto/tls"
	"net"
	"time"
)

// IPFamily selects which IP address family a dialer should prefer when a
// host resolves to both A and AAAA records.
type IPFamily int

const (
	IPFamilyAny IPFamily = iota
	IPFamilyV4
	IPFamilyV6
	IPFamilyV4Then6
	IPFamilyV6Then4
)

// ReconnectOpts groups the reconnect policy knobs so Options stays
// readable; mirrors the teacher's flat AllowReconnect/MaxReconnect/
// ReconnectWait fields, generalized with the bounded pending buffer the
// spec requires.
type ReconnectOpts struct {
	Allowed        bool
	MaxAttempts    int // -1 means infinite, matching spec §3.
	Wait           time.Duration
	PendingBufSize int
}

// EventLoopAdapter lets a host application supply its own I/O
// multiplexing instead of the library's own read-loop goroutine. See
// Conn.Attach/ProcessReadEvent/ProcessWriteEvent.
type EventLoopAdapter struct {
	Attach            func(conn *Conn) error
	ToggleWriteIntent func(conn *Conn, want bool) error
}

// Options configures a Conn. The zero value is not directly usable;
// construct with DefaultOptions or GetDefaultOptions() and apply Option
// functions, or use Connect(url, opts...) directly.
type Options struct {
	Servers        []string
	NoRandomize    bool
	Name           string
	ConnectTimeout time.Duration

	Reconnect ReconnectOpts

	PingInterval  time.Duration
	MaxPingsOut   int
	ReconnectedCB ConnHandler

	ReconnectBufSize int // kept for backwards field-name compatibility; mirrors Reconnect.PendingBufSize.

	SubChanLen int // default per-subscription queue length (messages).
	SubMaxBytes int64

	FlusherTimeout time.Duration
	WriteDeadline  time.Duration

	IOBufSize int

	TLSConfig *tls.Config
	Secure    bool

	User     string
	Password string
	Token    string
	TokenHandler func() string

	Nkey          string
	SignatureCB   func(nonce []byte) ([]byte, error)
	UserJWT       func() (string, error)
	UserCredsFile string

	Verbose  bool
	Pedantic bool
	NoEcho   bool

	IPFamily IPFamily

	SendAsap bool

	UseOldRequestStyle bool

	EventLoop *EventLoopAdapter

	ClosedCB          ConnHandler
	DisconnectedCB    ConnHandler
	DisconnectedErrCB ConnErrHandler
	ConnectedCB       ConnHandler
	DiscoveredServersCB ConnHandler
	AsyncErrorCB      ErrHandler

	CustomDialer CustomDialer

	DelivererPoolSize int // 0 = owned-dispatcher-per-subscription mode.
}

// ConnHandler is invoked for asynchronous events such as disconnected,
// reconnected, closed, or discovered-servers notifications.
type ConnHandler func(*Conn)

// ConnErrHandler is invoked on disconnect with the error that caused it,
// if any.
type ConnErrHandler func(*Conn, error)

// ErrHandler processes asynchronous errors encountered while processing
// inbound messages, most commonly a slow consumer on a Subscription.
type ErrHandler func(*Conn, *Subscription, error)

// CustomDialer lets callers supply their own net.Conn factory (e.g. to
// dial through a proxy); satisfied by *net.Dialer.
type CustomDialer interface {
	Dial(network, address string) (net.Conn, error)
}

const (
	Version              = "2.0.0"
	DefaultURL           = "nats://localhost:4222"
	DefaultPort          = 4222
	DefaultMaxReconnect  = 60
	DefaultReconnectWait = 2 * time.Second
	DefaultTimeout       = 2 * time.Second
	DefaultPingInterval  = 2 * time.Minute
	DefaultMaxPingOut    = 2
	DefaultReconnectBufSize = 8 * 1024 * 1024
	DefaultSubPendingMsgsLimit = 512 * 1024
	DefaultSubPendingBytesLimit = 64 * 1024 * 1024
	DefaultFlusherTimeout = time.Minute
	LangString            = "go"
)

// GetDefaultOptions returns a fresh Options populated with the library
// defaults, matching spec §3's ConnectionOptions defaults.
func GetDefaultOptions() Options {
	return Options{
		Servers:        []string{DefaultURL},
		ConnectTimeout: DefaultTimeout,
		Reconnect: ReconnectOpts{
			Allowed:        true,
			MaxAttempts:    DefaultMaxReconnect,
			Wait:           DefaultReconnectWait,
			PendingBufSize: DefaultReconnectBufSize,
		},
		ReconnectBufSize: DefaultReconnectBufSize,
		PingInterval:     DefaultPingInterval,
		MaxPingsOut:      DefaultMaxPingOut,
		SubChanLen:       DefaultSubPendingMsgsLimit,
		SubMaxBytes:      DefaultSubPendingBytesLimit,
		IOBufSize:        defaultBufSize,
		FlusherTimeout:   DefaultFlusherTimeout,
	}
}

// DefaultOptions is the package-level default snapshot, kept for parity
// with the teacher's exported DefaultOptions variable. Copy it (it is a
// value, not a pointer) before mutating.
var DefaultOptions = GetDefaultOptions()

// Option configures an Options value, in functional-option style.
type Option func(*Options) error

func (o *Options) clone() *Options {
	if o == nil {
		return nil
	}
	c := *o
	c.Servers = append([]string(nil), o.Servers...)
	return &c
}

// Connect forms connection to the server(s) in the Options and returns a
// ready Conn, or an error identifying why every endpoint failed.
func (o Options) Connect() (*Conn, error) {
	nc := &Conn{Opts: *o.clone()}
	if err := nc.setupServerPool(); err != nil {
		return nil, err
	}
	if err := nc.connect(); err != nil {
		return nil, err
	}
	return nc, nil
}

// Connect connects to the NATS server(s) described by url (a single URL
// or a comma-separated list), applying any supplied Options.
func Connect(urlStr string, options ...Option) (*Conn, error) {
	opts := GetDefaultOptions()
	opts.Servers = processURLString(urlStr)
	for _, applyOpt := range options {
		if err := applyOpt(&opts); err != nil {
			return nil, err
		}
	}
	return opts.Connect()
}

func processURLString(s string) []string {
	return splitURLs(s)
}

// --- functional options ---

func Name(name string) Option {
	return func(o *Options) error { o.Name = name; return nil }
}

func NoRandomize() Option {
	return func(o *Options) error { o.NoRandomize = true; return nil }
}

func NoEcho() Option {
	return func(o *Options) error { o.NoEcho = true; return nil }
}

func Verbose() Option {
	return func(o *Options) error { o.Verbose = true; return nil }
}

func Pedantic() Option {
	return func(o *Options) error { o.Pedantic = true; return nil }
}

func Secure(tlsConf *tls.Config) Option {
	return func(o *Options) error {
		o.Secure = true
		o.TLSConfig = tlsConf
		return nil
	}
}

func ConnectTimeout(t time.Duration) Option {
	return func(o *Options) error { o.ConnectTimeout = t; return nil }
}

func ReconnectWait(t time.Duration) Option {
	return func(o *Options) error { o.Reconnect.Wait = t; return nil }
}

func MaxReconnects(n int) Option {
	return func(o *Options) error { o.Reconnect.MaxAttempts = n; return nil }
}

func NoReconnect() Option {
	return func(o *Options) error { o.Reconnect.Allowed = false; return nil }
}

func ReconnectBufSize(size int) Option {
	return func(o *Options) error {
		o.Reconnect.PendingBufSize = size
		o.ReconnectBufSize = size
		return nil
	}
}

func PingInterval(t time.Duration) Option {
	return func(o *Options) error { o.PingInterval = t; return nil }
}

func MaxPingsOutstanding(n int) Option {
	return func(o *Options) error { o.MaxPingsOut = n; return nil }
}

func SendAsap() Option {
	return func(o *Options) error { o.SendAsap = true; return nil }
}

func WriteDeadline(t time.Duration) Option {
	return func(o *Options) error { o.WriteDeadline = t; return nil }
}

func UseOldRequestStyle() Option {
	return func(o *Options) error { o.UseOldRequestStyle = true; return nil }
}

func PreferredIPFamily(f IPFamily) Option {
	return func(o *Options) error { o.IPFamily = f; return nil }
}

func DelivererPoolSize(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return newError(KindInvalidArg, "deliverer pool size must be >= 0")
		}
		o.DelivererPoolSize = n
		return nil
	}
}

func UserInfo(user, password string) Option {
	return func(o *Options) error { o.User = user; o.Password = password; return nil }
}

func Token(token string) Option {
	return func(o *Options) error { o.Token = token; return nil }
}

func TokenHandler(cb func() string) Option {
	return func(o *Options) error { o.TokenHandler = cb; return nil }
}

func Nkey(pubKey string, sigCB func(nonce []byte) ([]byte, error)) Option {
	return func(o *Options) error {
		if pubKey == "" || sigCB == nil {
			return newError(KindInvalidArg, "nkey requires a public key and a signature callback")
		}
		o.Nkey = pubKey
		o.SignatureCB = sigCB
		o.UserJWT = nil
		o.UserCredsFile = ""
		return nil
	}
}

// NkeySeed configures Nkey authentication from a raw NKey seed string
// instead of a pre-split public key and signature callback, for callers
// who hold a seed but no credentials file.
func NkeySeed(seed string) Option {
	return func(o *Options) error {
		pub, sigCB, err := nkeySignerFromSeed(seed)
		if err != nil {
			return err
		}
		o.Nkey = pub
		o.SignatureCB = sigCB
		o.UserJWT = nil
		o.UserCredsFile = ""
		return nil
	}
}

func UserJWT(jwtCB func() (string, error), sigCB func(nonce []byte) ([]byte, error)) Option {
	return func(o *Options) error {
		if jwtCB == nil || sigCB == nil {
			return newError(KindInvalidArg, "user JWT requires both a JWT and signature callback")
		}
		o.UserJWT = jwtCB
		o.SignatureCB = sigCB
		o.Nkey = ""
		return nil
	}
}

func UserCredentials(credsFile string) Option {
	return func(o *Options) error {
		jwtCB, sigCB, err := credsCallbacksFromFile(credsFile)
		if err != nil {
			return err
		}
		o.UserJWT = jwtCB
		o.SignatureCB = sigCB
		o.Nkey = ""
		o.UserCredsFile = credsFile
		return nil
	}
}

func ClosedHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

func DisconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.DisconnectedCB = cb; return nil }
}

func DisconnectErrHandler(cb ConnErrHandler) Option {
	return func(o *Options) error { o.DisconnectedErrCB = cb; return nil }
}

func ReconnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

func ConnectHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.ConnectedCB = cb; return nil }
}

func DiscoveredServersHandler(cb ConnHandler) Option {
	return func(o *Options) error { o.DiscoveredServersCB = cb; return nil }
}

func ErrorHandler(cb ErrHandler) Option {
	return func(o *Options) error { o.AsyncErrorCB = cb; return nil }
}

func EventLoop(a *EventLoopAdapter) Option {
	return func(o *Options) error {
		if a == nil || a.Attach == nil {
			return newError(KindInvalidArg, "event loop adapter requires Attach")
		}
		o.EventLoop = a
		return nil
	}
}
