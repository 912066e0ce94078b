// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"github.com/nats-io/nuid"
)

// InboxPrefix is prepended to every generated inbox subject.
const InboxPrefix = "_INBOX."

var globalNUID = nuid.New()

// NewInbox returns a subject that can be used for directed replies from
// subscribers. Uniqueness comes from nuid, the same generator the rest of
// the NATS ecosystem uses for subjects and identifiers that must be
// collision-free without coordination.
func NewInbox() string {
	return InboxPrefix + globalNUID.Next()
}

// newRequestInbox returns a fresh inbox subject, the same as NewInbox.
// The RequestMux does not call it: it calls NewInbox directly and appends
// the ".*" wildcard and per-request fingerprint itself.
func newRequestInbox() string {
	return NewInbox()
}
