package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/checkin"
	"github.com/nostrmeet/nostrmeet/internal/codec"
	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/event"
	"github.com/nostrmeet/nostrmeet/internal/identity"
	"github.com/nostrmeet/nostrmeet/internal/match"
	"github.com/nostrmeet/nostrmeet/internal/metrics"
	"github.com/nostrmeet/nostrmeet/internal/relay"
	"github.com/nostrmeet/nostrmeet/internal/store"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

// DefaultLookback is how far back a subscription asks relays to go.
const DefaultLookback = 12 * time.Hour

// Transport is the relay network as the service sees it.
type Transport interface {
	Publish(ctx context.Context, endpoints []string, ev event.Event) (relay.PublishResult, error)
	Subscribe(ctx context.Context, endpoints []string, filter event.Filter, onEvent func(event.Event)) (relay.Handle, error)
}

// Options configures a Service.
type Options struct {
	Relays   []string
	Lookback time.Duration
	Codec    *codec.Codec
	Store    *store.Store
	// Journal is optional; when set, stored events survive restarts.
	Journal *store.Journal
	Signer  identity.Signer
	Now     func() time.Time
}

// ScanSnapshot is the outcome of the latest topic scan.
type ScanSnapshot struct {
	Intent  topics.Intent  `json:"intent"`
	Results []match.Result `json:"results"`
	At      time.Time      `json:"at"`
}

// Service ties the coordinator, transport, codec and store together. It is
// safe for concurrent use.
type Service struct {
	ctx       context.Context
	transport Transport
	codec     *codec.Codec
	store     *store.Store
	journal   *store.Journal
	lookback  time.Duration
	now       func() time.Time
	// selfKey is the signer's public key, readable without mu.
	selfKey   atomic.Value

	mu        sync.Mutex
	coord     *Coordinator
	relays    []string
	signer    identity.Signer
	handle    relay.Handle
	lastCells []string
	lastScan  *ScanSnapshot

	listenersMu sync.RWMutex
	listeners   []func(checkin.CheckIn)
}

// NewService builds a service. ctx bounds the lifetime of subscriptions.
func NewService(ctx context.Context, transport Transport, opts Options) *Service {
	s := &Service{
		ctx:       ctx,
		transport: transport,
		codec:     opts.Codec,
		store:     opts.Store,
		journal:   opts.Journal,
		lookback:  opts.Lookback,
		now:       opts.Now,
		relays:    append([]string(nil), opts.Relays...),
		signer:    opts.Signer,
	}
	if s.codec == nil {
		s.codec = codec.New()
	}
	if s.store == nil {
		s.store = store.New()
	}
	if s.lookback <= 0 {
		s.lookback = DefaultLookback
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.setSelfKey(opts.Signer)
	s.coord = NewCoordinator(s.requestSubscription)
	return s
}

func (s *Service) setSelfKey(signer identity.Signer) {
	pk := ""
	if signer != nil {
		pk = signer.PublicKey()
	}
	s.selfKey.Store(pk)
}

func (s *Service) isSelf(author string) bool {
	pk, _ := s.selfKey.Load().(string)
	return pk != "" && pk == author
}

// Store exposes the check-in store.
func (s *Service) Store() *store.Store { return s.store }

// OnCheckIn registers fn to receive every newly stored check-in.
func (s *Service) OnCheckIn(fn func(checkin.CheckIn)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(c checkin.CheckIn) {
	s.listenersMu.RLock()
	listeners := append(([]func(checkin.CheckIn))(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// OnViewportChange forwards to the coordinator.
func (s *Service) OnViewportChange(center orb.Point) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.OnViewportChange(center)
}

// LastSubscribedCell returns the current sector.
func (s *Service) LastSubscribedCell() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord.LastSubscribedCell()
}

// requestSubscription runs with s.mu held.
func (s *Service) requestSubscription(cells []string) {
	s.lastCells = cells
	s.subscribeLocked()
}

func (s *Service) subscribeLocked() {
	if len(s.lastCells) == 0 {
		return
	}
	filter := event.Filter{
		Kinds:        []int{event.KindTextNote},
		Cells:        s.lastCells,
		Since:        s.now().Add(-s.lookback),
		NamespaceTag: s.codec.Namespace(),
	}
	h, err := s.transport.Subscribe(s.ctx, s.relays, filter, s.HandleEvent)
	if err != nil {
		log.WithError(err).WithField("cells", s.lastCells).Error("subscribe failed")
		return
	}
	if s.handle != nil {
		s.handle.Close()
	}
	s.handle = h
	metrics.RecordResubscription()
}

// HandleEvent is the subscription callback. Duplicates are no-ops and
// undecodable events are dropped; it never panics. Events signed by the
// current signer are stored as our own.
func (s *Service) HandleEvent(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event_id", ev.ID).Errorf("panic while handling event: %v", r)
		}
	}()
	metrics.RecordEventReceived()

	if ev.Kind != event.KindTextNote || !ev.Tags.Has(codec.TagTopic, s.codec.Namespace()) {
		metrics.RecordDropped("foreign")
		return
	}
	if _, ok := s.store.Get(ev.ID); ok {
		metrics.RecordDuplicate()
		return
	}
	c, err := s.codec.Decode(ev)
	if err != nil {
		metrics.RecordDropped("missing_location")
		log.WithError(err).WithField("event_id", ev.ID).Debug("dropping event")
		return
	}
	c.Self = s.isSelf(c.AuthorID)
	s.insert(c, ev)
}

func (s *Service) insert(c checkin.CheckIn, ev event.Event) {
	if !s.store.Upsert(c) {
		metrics.RecordDuplicate()
		return
	}
	metrics.SetStoreSize(s.store.Len())
	if s.journal != nil {
		if _, err := s.journal.Append(s.ctx, ev); err != nil {
			log.WithError(err).WithField("event_id", ev.ID).Warn("journal append failed")
		}
	}
	s.notify(c)
}

// Publish signs and broadcasts a draft. On success the check-in is stored
// right away, marked as our own.
func (s *Service) Publish(ctx context.Context, d checkin.Draft) (checkin.CheckIn, relay.PublishResult, error) {
	s.mu.Lock()
	signer := s.signer
	relays := append([]string(nil), s.relays...)
	s.mu.Unlock()

	if signer == nil {
		metrics.RecordPublish("unauthenticated")
		return checkin.CheckIn{}, relay.PublishResult{}, apperrors.New(apperrors.CodeNotAuthenticated, "no signing key loaded", nil)
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return checkin.CheckIn{}, relay.PublishResult{}, err
	}
	tpl, err := s.codec.Encode(d, signer.PublicKey())
	if err != nil {
		return checkin.CheckIn{}, relay.PublishResult{}, err
	}
	ev, err := signer.Sign(tpl)
	if err != nil {
		return checkin.CheckIn{}, relay.PublishResult{}, fmt.Errorf("sign check-in: %w", err)
	}
	res, err := s.transport.Publish(ctx, relays, ev)
	if err != nil {
		metrics.RecordPublish("failed")
		return checkin.CheckIn{}, relay.PublishResult{}, err
	}
	metrics.RecordPublish("ok")

	c, err := s.codec.Decode(ev)
	if err != nil {
		return checkin.CheckIn{}, res, err
	}
	c.Self = true
	s.insert(c, ev)
	return c, res, nil
}

// Scan matches local against the store and remembers the outcome.
func (s *Service) Scan(local topics.Intent) []match.Result {
	results := match.ScanStore(local, s.store)
	s.mu.Lock()
	s.lastScan = &ScanSnapshot{Intent: local, Results: results, At: s.now()}
	s.mu.Unlock()
	log.WithFields(log.Fields{"topics": local.Len(), "matches": len(results)}).Debug("scan finished")
	return results
}

// LastScan returns the latest scan, if any.
func (s *Service) LastScan() (ScanSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastScan == nil {
		return ScanSnapshot{}, false
	}
	return *s.lastScan, true
}

// ClearScan forgets the latest scan.
func (s *Service) ClearScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScan = nil
}

// Reset ends the session: the subscription is closed and every check-in,
// journaled event and scan is dropped.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	s.coord.Reset()
	s.lastCells = nil
	s.lastScan = nil
	s.mu.Unlock()

	s.store.Reset()
	metrics.SetStoreSize(0)
	if s.journal != nil {
		return s.journal.Reset(ctx)
	}
	return nil
}

// Replay feeds journaled events from the lookback window back through the
// codec. It returns how many check-ins were restored.
func (s *Service) Replay(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	events, err := s.journal.Since(ctx, s.now().Add(-s.lookback))
	if err != nil {
		return 0, err
	}
	before := s.store.Len()
	for _, ev := range events {
		s.HandleEvent(ev)
	}
	restored := s.store.Len() - before
	log.WithFields(log.Fields{"journaled": len(events), "restored": restored}).Info("replayed journal")
	return restored, nil
}

// Relays returns the configured relay URLs.
func (s *Service) Relays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.relays...)
}

// AddRelay appends a relay and refreshes the live subscription.
func (s *Service) AddRelay(raw string) error {
	urls, err := relay.NormalizeURLs([]string{raw})
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return apperrors.New(apperrors.CodeInvalidRelay, "relay url is empty", nil)
	}
	u := urls[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relays {
		if existing == u {
			return apperrors.Newf(apperrors.CodeInvalidRelay, "relay %s already configured", u)
		}
	}
	s.relays = append(s.relays, u)
	log.WithField("relay", u).Info("relay added")
	s.subscribeLocked()
	return nil
}

// RemoveRelay drops a relay. It reports whether the relay was configured.
func (s *Service) RemoveRelay(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.relays {
		if existing != u {
			continue
		}
		s.relays = append(s.relays[:i:i], s.relays[i+1:]...)
		log.WithField("relay", u).Info("relay removed")
		s.subscribeLocked()
		return true
	}
	return false
}

// SetRelays replaces the relay list, e.g. after a config reload.
func (s *Service) SetRelays(urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays = append([]string(nil), urls...)
	s.subscribeLocked()
}

// SetSigner installs the signing identity; nil logs out.
func (s *Service) SetSigner(signer identity.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
	s.setSelfKey(signer)
}

// PublicKey returns the signer's public key, or "" when logged out.
func (s *Service) PublicKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer == nil {
		return ""
	}
	return s.signer.PublicKey()
}

// Close ends the live subscription.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
}
