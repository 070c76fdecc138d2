// Package relay talks to Nostr relays over websockets: it keeps one
// connection per relay, publishes events with a first-success race and fans
// subscription results from every relay into one de-duplicated callback.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nostrmeet/nostrmeet/internal/event"
	"github.com/nostrmeet/nostrmeet/internal/identity"
	"github.com/nostrmeet/nostrmeet/internal/metrics"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
	defaultSeenCacheSize  = 4096
)

// Options configures a Pool. Zero values take defaults.
type Options struct {
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	// SeenCacheSize bounds the per-subscription set of event ids already delivered.
	SeenCacheSize int
	// VerifySignatures drops events whose id or signature does not check out.
	VerifySignatures bool
	// ProxyURL routes relay dials through an http(s) or socks5 proxy.
	ProxyURL string
}

// Handle is a live subscription.
type Handle interface {
	ID() string
	Close()
}

// Pool owns the relay connections.
type Pool struct {
	opts   Options
	dialer *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool

	dials singleflight.Group
}

// NewPool returns a pool; connections are dialled lazily.
func NewPool(opts Options) *Pool {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.SeenCacheSize <= 0 {
		opts.SeenCacheSize = defaultSeenCacheSize
	}
	dialer := &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	if err := applyProxy(dialer, opts.ProxyURL); err != nil {
		log.WithError(err).Error("relay proxy misconfigured; relay dials will fail")
	}
	return &Pool{
		opts:   opts,
		dialer: dialer,
		conns:  make(map[string]*conn),
	}
}

// Publish sends ev to every endpoint and returns the first acceptance.
// Attempts outlive ctx up to the publish timeout so losers can still land.
func (p *Pool) Publish(ctx context.Context, endpoints []string, ev event.Event) (PublishResult, error) {
	res, err := Race(ctx, dedupe(endpoints), func(_ context.Context, endpoint string) (PublishResult, error) {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PublishTimeout)
		defer cancel()
		c, err := p.conn(attemptCtx, endpoint)
		if err != nil {
			return PublishResult{}, err
		}
		return c.publish(attemptCtx, ev)
	})
	if err != nil {
		log.WithError(err).WithField("event_id", ev.ID).Warn("publish failed on every relay")
		return res, err
	}
	log.WithFields(log.Fields{"event_id": ev.ID, "relay": res.Relay}).Info("event published")
	return res, nil
}

// Subscribe registers filter on every endpoint and returns at once; dialling
// happens in the background and failures are logged. onEvent is called at
// most once per event id and never concurrently for the same subscription.
func (p *Pool) Subscribe(ctx context.Context, endpoints []string, filter event.Filter, onEvent func(event.Event)) (Handle, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("subscribe: onEvent is required")
	}
	seen, err := lru.New(p.opts.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		filter:  filter,
		onEvent: onEvent,
		seen:    seen,
		verify:  p.opts.VerifySignatures,
	}
	for _, endpoint := range dedupe(endpoints) {
		go p.attach(ctx, endpoint, sub)
	}
	log.WithFields(log.Fields{"subscription": sub.id, "cells": filter.Cells}).Debug("subscription requested")
	return sub, nil
}

func (p *Pool) attach(ctx context.Context, endpoint string, sub *Subscription) {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()
	c, err := p.conn(dialCtx, endpoint)
	if err != nil {
		log.WithError(err).WithField("relay", endpoint).Warn("subscribe: relay unavailable")
		return
	}
	if !sub.add(c) {
		return
	}
	if err = c.subscribe(sub); err != nil {
		log.WithError(err).WithField("relay", endpoint).Warn("subscribe: request failed")
		return
	}
	// Close may have run between add and the REQ going out.
	if sub.isClosed() {
		c.unsubscribe(sub.id, true)
	}
}

// conn returns the live connection to url, dialling once for concurrent callers.
func (p *Pool) conn(ctx context.Context, url string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("relay pool closed")
	}
	if c, ok := p.conns[url]; ok && c.alive() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.dials.Do(url, func() (interface{}, error) {
		p.mu.Lock()
		if c, ok := p.conns[url]; ok && c.alive() {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DialTimeout)
		defer cancel()
		ws, _, err := p.dialer.DialContext(dialCtx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		c := newConn(url, ws, p.forget)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = ws.Close()
			return nil, fmt.Errorf("relay pool closed")
		}
		p.conns[url] = c
		p.mu.Unlock()

		metrics.AddRelayConnections(1)
		go c.readLoop()
		log.WithField("relay", url).Debug("relay connected")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (p *Pool) forget(c *conn) {
	metrics.AddRelayConnections(-1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.url] == c {
		delete(p.conns, c.url)
	}
}

// Connected lists relays with an open connection.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for url, c := range p.conns {
		if c.alive() {
			out = append(out, url)
		}
	}
	return out
}

// Close drops every connection. The pool cannot be reused.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Subscription fans events from several relays into one callback.
type Subscription struct {
	id      string
	filter  event.Filter
	onEvent func(event.Event)
	seen    *lru.Cache
	verify  bool

	mu     sync.Mutex
	conns  []*conn
	closed bool

	deliverMu sync.Mutex
}

// ID returns the subscription id sent to relays.
func (s *Subscription) ID() string { return s.id }

// Close sends CLOSE to every relay the subscription reached. It is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.unsubscribe(s.id, true)
	}
	log.WithField("subscription", s.id).Debug("subscription closed")
}

func (s *Subscription) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns = append(s.conns, c)
	return true
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) deliver(relayURL string, ev event.Event) {
	if s.isClosed() {
		return
	}
	if !s.filter.Matches(ev) {
		log.WithFields(log.Fields{"relay": relayURL, "event_id": ev.ID}).Debug("relay sent event outside filter")
		return
	}
	if s.verify {
		if err := identity.Verify(ev); err != nil {
			log.WithError(err).WithFields(log.Fields{"relay": relayURL, "event_id": ev.ID}).Debug("dropping unverifiable event")
			return
		}
	}
	if seen, _ := s.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.onEvent(ev)
}

// dedupe drops blank and repeated endpoints, keeping order.
func dedupe(endpoints []string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" || !set.Add(ep) {
			continue
		}
		out = append(out, ep)
	}
	return out
}
