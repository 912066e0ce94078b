// Copyright 2022 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package service implements a request/reply service framework on top of
// a Conn: named, versioned services exposing one or more endpoints, plus
// the $SRV.PING/INFO/STATS discovery control plane.
//
// The core connection (package nats) has no NATS-protocol header support,
// so this package cannot rely on transport-level headers the way later
// service frameworks do. Instead, a handler that needs to carry structured
// headers or a structured error back to the caller wraps its response body
// in a small JSON envelope (see envelope in request.go); a plain Respond
// call with no configured headers publishes the raw bytes unchanged, so
// simple request/reply usage is unaffected.
package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// Config describes a Service to be registered with New.
type Config struct {
	Name        string
	Version     string
	Description string
	QueueGroup  string // default queue group for endpoints that don't set their own
	Metadata    map[string]string
}

// Handler processes a single service Request.
type Handler interface {
	Handle(Request)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(Request)

func (f HandlerFunc) Handle(r Request) { f(r) }

// EndpointConfig is the fully resolved configuration of one endpoint,
// built from AddEndpoint's name and options.
type EndpointConfig struct {
	Name       string
	Subject    string
	Handler    Handler
	QueueGroup string
	Metadata   map[string]string
	Headers    Headers
}

// EndpointOpt customizes an EndpointConfig; applied in AddEndpoint.
type EndpointOpt func(*EndpointConfig) error

// WithEndpointSubject overrides the subject an endpoint listens on;
// defaults to the endpoint's name (or "<group>.<name>" inside a Group).
func WithEndpointSubject(subject string) EndpointOpt {
	return func(c *EndpointConfig) error {
		if subject == "" {
			return ErrArgRequired
		}
		c.Subject = subject
		return nil
	}
}

// WithEndpointQueueGroup overrides the queue group an endpoint's
// subscription joins.
func WithEndpointQueueGroup(queue string) EndpointOpt {
	return func(c *EndpointConfig) error {
		c.QueueGroup = queue
		return nil
	}
}

// WithEndpointMetadata attaches free-form metadata surfaced in $SRV.INFO.
func WithEndpointMetadata(md map[string]string) EndpointOpt {
	return func(c *EndpointConfig) error {
		c.Metadata = md
		return nil
	}
}

// WithHeaders sets headers every response from this endpoint carries in
// its envelope (see the package doc for why these aren't transport-level
// NATS headers).
func WithHeaders(h Headers) EndpointOpt {
	return func(c *EndpointConfig) error {
		c.Headers = h
		return nil
	}
}

// GroupConfig configures a Group created by AddGroup.
type GroupConfig struct {
	Name       string
	QueueGroup string
}

// GroupOpt customizes a GroupConfig.
type GroupOpt func(*GroupConfig) error

// WithGroupQueueGroup sets the queue group every endpoint added under the
// group inherits unless it overrides its own.
func WithGroupQueueGroup(queue string) GroupOpt {
	return func(c *GroupConfig) error {
		c.QueueGroup = queue
		return nil
	}
}

// Group lets endpoints be registered under a common subject prefix and
// inherited queue group.
type Group interface {
	AddEndpoint(name string, handler Handler, opts ...EndpointOpt) error
	AddGroup(name string, opts ...GroupOpt) Group
}

// Service is a named, versioned collection of endpoints plus the
// $SRV.PING/INFO/STATS discovery control plane.
type Service interface {
	Info() Info
	Stats() Stats
	Reset()
	Stop() error
	Stopped() bool
	AddEndpoint(name string, handler Handler, opts ...EndpointOpt) error
	AddGroup(name string, opts ...GroupOpt) Group
}

type endpoint struct {
	cfg EndpointConfig
	sub *nats.Subscription

	mu             sync.Mutex
	numRequests    int64
	numErrors      int64
	lastError      string
	processingTime time.Duration
}

type service struct {
	mu        sync.Mutex
	nc        *nats.Conn
	id        string
	cfg       Config
	started   time.Time
	stopped   bool
	endpoints []*endpoint

	ctrlSubs []*nats.Subscription
}

// New registers a Service on nc: it subscribes the $SRV discovery control
// subjects and returns once those subscriptions are registered on nc.
// Endpoints are added afterwards with AddEndpoint or AddGroup.
func New(nc *nats.Conn, config Config) (Service, error) {
	if nc == nil {
		return nil, ErrArgRequired
	}
	if config.Name == "" {
		return nil, ErrServiceNameRequired
	}
	if config.Version == "" {
		return nil, ErrConfigValidation
	}
	svc := &service{
		nc:      nc,
		id:      nuid.Next(),
		cfg:     config,
		started: time.Now(),
	}
	if err := svc.startControlSubjects(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *service) identity() ServiceIdentity {
	return ServiceIdentity{Name: s.cfg.Name, ID: s.id, Version: s.cfg.Version}
}

// AddEndpoint registers a new endpoint under the root of the service.
func (s *service) AddEndpoint(name string, handler Handler, opts ...EndpointOpt) error {
	return s.addEndpoint(name, name, s.cfg.QueueGroup, handler, opts)
}

func (s *service) addEndpoint(name, defaultSubject, defaultQueue string, handler Handler, opts []EndpointOpt) error {
	if name == "" {
		return ErrArgRequired
	}
	if handler == nil {
		return ErrHandler
	}
	cfg := EndpointConfig{
		Name:       name,
		Subject:    defaultSubject,
		QueueGroup: defaultQueue,
		Handler:    handler,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return err
		}
	}

	ep := &endpoint{cfg: cfg}
	sub, err := s.subscribeEndpoint(ep)
	if err != nil {
		return err
	}
	ep.sub = sub

	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()
	return nil
}

func (s *service) subscribeEndpoint(ep *endpoint) (*nats.Subscription, error) {
	handler := func(msg *nats.Msg) {
		start := time.Now()
		req := &request{msg: msg, ep: ep}
		ep.cfg.Handler.Handle(req)
		ep.mu.Lock()
		ep.numRequests++
		ep.processingTime += time.Since(start)
		ep.mu.Unlock()
	}
	if ep.cfg.QueueGroup != "" {
		return s.nc.QueueSubscribe(ep.cfg.Subject, ep.cfg.QueueGroup, handler)
	}
	return s.nc.Subscribe(ep.cfg.Subject, handler)
}

// AddGroup returns a Group rooted at "<name>", whose endpoints' default
// subject is "<name>.<endpoint>".
func (s *service) AddGroup(name string, opts ...GroupOpt) Group {
	cfg := GroupConfig{Name: name, QueueGroup: s.cfg.QueueGroup}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &group{svc: s, prefix: name, queue: cfg.QueueGroup}
}

type group struct {
	svc    *service
	prefix string
	queue  string
}

func (g *group) AddEndpoint(name string, handler Handler, opts ...EndpointOpt) error {
	subject := name
	if g.prefix != "" {
		subject = g.prefix + "." + name
	}
	fullName := subject
	return g.svc.addEndpoint(fullName, subject, g.queue, handler, opts)
}

func (g *group) AddGroup(name string, opts ...GroupOpt) Group {
	cfg := GroupConfig{Name: name, QueueGroup: g.queue}
	for _, opt := range opts {
		opt(&cfg)
	}
	prefix := name
	if g.prefix != "" {
		prefix = g.prefix + "." + name
	}
	return &group{svc: g.svc, prefix: prefix, queue: cfg.QueueGroup}
}

// Info returns the service's static identity plus its current endpoint
// list, matching the $SRV.INFO response payload.
func (s *service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ServiceIdentity: s.identity(),
		Type:            InfoResponseType,
		Description:     s.cfg.Description,
		Metadata:        s.cfg.Metadata,
	}
	for _, ep := range s.endpoints {
		info.Endpoints = append(info.Endpoints, EndpointInfo{
			Name:       ep.cfg.Name,
			Subject:    ep.cfg.Subject,
			QueueGroup: ep.cfg.QueueGroup,
			Metadata:   ep.cfg.Metadata,
		})
	}
	return info
}

// Stats returns current request/error counters per endpoint, matching the
// $SRV.STATS response payload.
func (s *service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		ServiceIdentity: s.identity(),
		Type:            StatsResponseType,
		Started:         s.started,
	}
	for _, ep := range s.endpoints {
		ep.mu.Lock()
		es := EndpointStats{
			Name:           ep.cfg.Name,
			Subject:        ep.cfg.Subject,
			QueueGroup:     ep.cfg.QueueGroup,
			NumRequests:    ep.numRequests,
			NumErrors:      ep.numErrors,
			LastError:      ep.lastError,
			ProcessingTime: ep.processingTime,
		}
		if ep.numRequests > 0 {
			es.AverageProcessingTime = ep.processingTime / time.Duration(ep.numRequests)
		}
		ep.mu.Unlock()
		stats.Endpoints = append(stats.Endpoints, es)
	}
	return stats
}

// Reset zeroes every endpoint's counters without affecting subscriptions.
func (s *service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		ep.mu.Lock()
		ep.numRequests = 0
		ep.numErrors = 0
		ep.lastError = ""
		ep.processingTime = 0
		ep.mu.Unlock()
	}
}

// Stop unsubscribes every endpoint and control subject. Idempotent.
func (s *service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	endpoints := s.endpoints
	ctrl := s.ctrlSubs
	s.mu.Unlock()

	var firstErr error
	for _, ep := range endpoints {
		if ep.sub != nil {
			if err := ep.sub.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, sub := range ctrl {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *service) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// errorf is a thin fmt.Errorf wrapper kept so every sentinel in errors.go
// reads consistently as "service: ...".
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("service: "+format, args...)
}
