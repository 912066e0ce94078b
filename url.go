// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// srv represents a single candidate endpoint inside a ServerPool: the
// §3 "Endpoint" data model entry (scheme, host, port, optional
// credential fragment, didConnect, reconnect attempt count, lastAttempt,
// discovered flag).
type srv struct {
	url         *url.URL
	didConnect  bool
	reconnects  int
	lastAttempt time.Time
	isImplicit  bool // true when learned via an INFO connect_urls merge.
}

// parseOneURL normalizes a single endpoint string into the
// "nats(+tls)?://[user[:pass]@]host[:port][/]" grammar from spec §6,
// defaulting the scheme and port when omitted.
func parseOneURL(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, newError(KindInvalidArg, "empty server URL")
	}
	if !strings.Contains(s, "://") {
		s = "nats://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, wrapError(KindInvalidArg, err)
	}
	switch u.Scheme {
	case "nats", "tls":
		// accepted; "tls" is treated as an alias for "nats+tls".
	case "nats+tls":
	default:
		return nil, newErrorf(KindInvalidArg, "unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + strconv.Itoa(DefaultPort)
	}
	return u, nil
}

// splitURLs accepts a single URL or a comma-separated list, per spec §6,
// and returns the individual trimmed tokens (not yet parsed).
func splitURLs(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{DefaultURL}
	}
	return out
}

// requiresTLS reports whether the endpoint was given an explicit TLS
// scheme ("tls://" or "nats+tls://").
func (s *srv) requiresTLS() bool {
	return s.url.Scheme == "tls" || s.url.Scheme == "nats+tls"
}
