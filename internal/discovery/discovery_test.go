package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmeet/nostrmeet/internal/checkin"
	"github.com/nostrmeet/nostrmeet/internal/codec"
	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/event"
	"github.com/nostrmeet/nostrmeet/internal/identity"
	"github.com/nostrmeet/nostrmeet/internal/relay"
	"github.com/nostrmeet/nostrmeet/internal/store"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

var (
	aalborg  = orb.Point{10.40744, 57.64911}
	fixedNow = time.Unix(1700000000, 0)
)

type fakeHandle struct {
	id     string
	closed bool
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Close()     { h.closed = true }

type subscribeCall struct {
	endpoints []string
	filter    event.Filter
	onEvent   func(event.Event)
	handle    *fakeHandle
}

type fakeTransport struct {
	mu        sync.Mutex
	subs      []subscribeCall
	published []event.Event
	publishFn func(ctx context.Context, endpoints []string, ev event.Event) (relay.PublishResult, error)
}

func (f *fakeTransport) Subscribe(_ context.Context, endpoints []string, filter event.Filter, onEvent func(event.Event)) (relay.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{id: "sub-" + string(rune('a'+len(f.subs)))}
	f.subs = append(f.subs, subscribeCall{endpoints: endpoints, filter: filter, onEvent: onEvent, handle: h})
	return h, nil
}

func (f *fakeTransport) Publish(ctx context.Context, endpoints []string, ev event.Event) (relay.PublishResult, error) {
	f.mu.Lock()
	f.published = append(f.published, ev)
	fn := f.publishFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, endpoints, ev)
	}
	return relay.PublishResult{Relay: endpoints[0], EventID: ev.ID}, nil
}

func (f *fakeTransport) calls() []subscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeCall(nil), f.subs...)
}

func newTestService(t *testing.T, tr *fakeTransport, opts Options) *Service {
	t.Helper()
	if opts.Relays == nil {
		opts.Relays = []string{"wss://one", "wss://two"}
	}
	opts.Now = func() time.Time { return fixedNow }
	return NewService(context.Background(), tr, opts)
}

func signedCheckIn(t *testing.T, k *identity.KeySigner, name string, in topics.Intent) event.Event {
	t.Helper()
	tpl, err := codec.New(codec.WithClock(func() time.Time { return fixedNow })).Encode(checkin.Draft{
		Location: aalborg,
		Name:     name,
		Topics:   in,
		Start:    fixedNow,
		End:      fixedNow.Add(time.Hour),
	}, k.PublicKey())
	require.NoError(t, err)
	ev, err := k.Sign(tpl)
	require.NoError(t, err)
	return ev
}

func TestCoordinator_Debounce(t *testing.T) {
	var requests [][]string
	c := NewCoordinator(func(cells []string) { requests = append(requests, cells) })

	issued, err := c.OnViewportChange(aalborg)
	require.NoError(t, err)
	assert.True(t, issued)
	// A few hundred metres away, same sector.
	issued, err = c.OnViewportChange(orb.Point{10.4080, 57.6480})
	require.NoError(t, err)
	assert.False(t, issued)

	require.Len(t, requests, 1)
	assert.Len(t, requests[0], 9)
	assert.Equal(t, "u4pru", requests[0][0])
	assert.Equal(t, "u4pru", c.LastSubscribedCell())

	issued, err = c.OnViewportChange(orb.Point{-5.6, 42.6})
	require.NoError(t, err)
	assert.True(t, issued)
	require.Len(t, requests, 2)
	assert.Equal(t, "ezs42", requests[1][0])

	c.Reset()
	assert.Equal(t, "", c.LastSubscribedCell())
	issued, _ = c.OnViewportChange(orb.Point{-5.6, 42.6})
	assert.True(t, issued)
}

func TestCoordinator_InvalidCenter(t *testing.T) {
	called := false
	c := NewCoordinator(func([]string) { called = true })
	issued, err := c.OnViewportChange(orb.Point{0, 95})
	assert.False(t, issued)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidCode))
	assert.False(t, called)
	assert.Equal(t, "", c.LastSubscribedCell())
}

func TestService_SubscribesWithFilterAndSupersedes(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{})

	_, err := s.OnViewportChange(aalborg)
	require.NoError(t, err)
	_, err = s.OnViewportChange(aalborg)
	require.NoError(t, err)

	calls := tr.calls()
	require.Len(t, calls, 1)
	f := calls[0].filter
	assert.Equal(t, []string{"wss://one", "wss://two"}, calls[0].endpoints)
	assert.Len(t, f.Cells, 9)
	assert.Equal(t, fixedNow.Add(-12*time.Hour), f.Since)
	assert.Equal(t, "nostrmeet", f.NamespaceTag)
	assert.Equal(t, []int{1}, f.Kinds)

	_, err = s.OnViewportChange(orb.Point{-5.6, 42.6})
	require.NoError(t, err)
	calls = tr.calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].handle.closed)
	assert.False(t, calls[1].handle.closed)
}

func TestService_HandleEventIsIdempotent(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	s := newTestService(t, &fakeTransport{}, Options{})

	var notified []string
	s.OnCheckIn(func(c checkin.CheckIn) { notified = append(notified, c.Name) })

	ev := signedCheckIn(t, k, "Alice", topics.NewIntent(topics.Entry{Topic: "Bitcoin", Stance: topics.Talk}))
	s.HandleEvent(ev)
	local := topics.NewIntent(topics.Entry{Topic: "Bitcoin", Stance: topics.Listen})
	first := s.Scan(local)

	s.HandleEvent(ev)
	second := s.Scan(local)

	assert.Equal(t, 1, s.Store().Len())
	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	assert.Equal(t, []string{"Alice"}, notified)
}

func TestService_HandleEventDropsUnusableEvents(t *testing.T) {
	s := newTestService(t, &fakeTransport{}, Options{})

	tests := []struct {
		name string
		ev   event.Event
	}{
		{"no location", event.Event{ID: "a", Kind: 1, Tags: event.Tags{{"t", "nostrmeet"}}, Content: "x"}},
		{"foreign namespace", event.Event{ID: "b", Kind: 1, Tags: event.Tags{{"g", "u4pru"}}, Content: "x"}},
		{"other kind", event.Event{ID: "c", Kind: 0, Tags: event.Tags{{"g", "u4pru"}, {"t", "nostrmeet"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.HandleEvent(tt.ev)
			assert.Equal(t, 0, s.Store().Len())
		})
	}
}

func TestService_HandleEventDegradesMalformedContent(t *testing.T) {
	s := newTestService(t, &fakeTransport{}, Options{})
	s.HandleEvent(event.Event{ID: "x", Kind: 1, Tags: event.Tags{{"g", "u4pru"}, {"t", "nostrmeet"}}, Content: "{{{ not json"})
	c, ok := s.Store().Get("x")
	require.True(t, ok)
	assert.Equal(t, "{{{ not json", c.Note)
	assert.True(t, c.Topics.IsEmpty())
}

func TestService_PublishRequiresSigner(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{})
	_, _, err := s.Publish(context.Background(), checkin.Draft{Name: "Bob"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotAuthenticated))
	assert.Empty(t, tr.published)
}

func TestService_PublishStoresSelfCheckIn(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{Signer: k})

	var notified []checkin.CheckIn
	s.OnCheckIn(func(c checkin.CheckIn) { notified = append(notified, c) })

	d := checkin.Draft{
		Location: aalborg,
		Name:     "  Bob ",
		Place:    "Cafe",
		Topics:   topics.NewIntent(topics.Entry{Topic: "Bitcoin", Stance: topics.Talk}),
		Start:    fixedNow,
		End:      fixedNow.Add(time.Hour),
	}
	c, res, err := s.Publish(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "wss://one", res.Relay)
	assert.True(t, c.Self)
	assert.Equal(t, "Bob", c.Name)
	assert.Equal(t, k.PublicKey(), c.AuthorID)

	require.Len(t, tr.published, 1)
	assert.NoError(t, identity.Verify(tr.published[0]))
	assert.Equal(t, 1, s.Store().Len())
	require.Len(t, notified, 1)

	// The relay echo of our own event is a duplicate.
	s.HandleEvent(tr.published[0])
	assert.Equal(t, 1, s.Store().Len())
	stored, _ := s.Store().Get(c.ID)
	assert.True(t, stored.Self)
}

func TestService_PublishFailureSurfaces(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	tr := &fakeTransport{publishFn: func(ctx context.Context, endpoints []string, ev event.Event) (relay.PublishResult, error) {
		return relay.Race(ctx, endpoints, func(context.Context, string) (relay.PublishResult, error) {
			return relay.PublishResult{}, errors.New("blocked")
		})
	}}
	s := newTestService(t, tr, Options{Signer: k})

	_, _, err = s.Publish(context.Background(), checkin.Draft{
		Location: aalborg, Name: "Bob", Start: fixedNow, End: fixedNow.Add(time.Hour),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPublishFailure))
	assert.Equal(t, 0, s.Store().Len())
}

func TestService_PublishValidatesDraft(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{Signer: k})

	_, _, err = s.Publish(context.Background(), checkin.Draft{Location: aalborg, Start: fixedNow, End: fixedNow.Add(time.Hour)})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidDraft))
	assert.Empty(t, tr.published)
}

func TestService_ScanSnapshot(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	s := newTestService(t, &fakeTransport{}, Options{})
	s.HandleEvent(signedCheckIn(t, k, "Alice", topics.NewIntent(topics.Entry{Topic: "Art", Stance: topics.Listen})))

	_, ok := s.LastScan()
	assert.False(t, ok)

	local := topics.NewIntent(topics.Entry{Topic: "Art", Stance: topics.Listen})
	assert.Empty(t, s.Scan(local))
	snap, ok := s.LastScan()
	require.True(t, ok)
	assert.Equal(t, fixedNow, snap.At)
	assert.True(t, snap.Intent.Equal(local))

	s.ClearScan()
	_, ok = s.LastScan()
	assert.False(t, ok)
}

func TestService_RelayManagement(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{})

	require.NoError(t, s.AddRelay("wss://three/"))
	assert.True(t, errors.Is(s.AddRelay("wss://three"), apperrors.ErrInvalidRelay))
	assert.True(t, errors.Is(s.AddRelay("https://nope"), apperrors.ErrInvalidRelay))
	assert.Equal(t, []string{"wss://one", "wss://two", "wss://three"}, s.Relays())
	assert.Empty(t, tr.calls(), "no live subscription to refresh yet")

	_, err := s.OnViewportChange(aalborg)
	require.NoError(t, err)
	assert.True(t, s.RemoveRelay("wss://one"))
	assert.False(t, s.RemoveRelay("wss://one"))

	calls := tr.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"wss://two", "wss://three"}, calls[1].endpoints)
	assert.True(t, calls[0].handle.closed)
}

func TestService_ResetAndReplay(t *testing.T) {
	ctx := context.Background()
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	j, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	tr := &fakeTransport{}
	s := newTestService(t, tr, Options{Journal: j})
	_, err = s.OnViewportChange(aalborg)
	require.NoError(t, err)
	s.HandleEvent(signedCheckIn(t, k, "Alice", topics.Intent{}))
	s.HandleEvent(signedCheckIn(t, k, "Carol", topics.Intent{}))
	require.Equal(t, 2, s.Store().Len())

	// A fresh service over the same journal restores the session.
	restoredSvc := newTestService(t, &fakeTransport{}, Options{Journal: j})
	n, err := restoredSvc.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, "", s.LastSubscribedCell())
	assert.True(t, tr.calls()[0].handle.closed)

	empty := newTestService(t, &fakeTransport{}, Options{Journal: j})
	n, err = empty.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestService_ReplayKeepsOwnCheckIns(t *testing.T) {
	ctx := context.Background()
	me, err := identity.GenerateKey()
	require.NoError(t, err)
	other, err := identity.GenerateKey()
	require.NoError(t, err)
	j, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	s := newTestService(t, &fakeTransport{}, Options{Journal: j, Signer: me})
	mine, _, err := s.Publish(ctx, checkin.Draft{Location: aalborg, Name: "Me", Start: fixedNow, End: fixedNow.Add(time.Hour)})
	require.NoError(t, err)
	theirs := signedCheckIn(t, other, "Them", topics.Intent{})
	s.HandleEvent(theirs)

	restarted := newTestService(t, &fakeTransport{}, Options{Journal: j, Signer: me})
	n, err := restarted.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, ok := restarted.Store().Get(mine.ID)
	require.True(t, ok)
	assert.True(t, got.Self)
	got, ok = restarted.Store().Get(theirs.ID)
	require.True(t, ok)
	assert.False(t, got.Self)

	// Without a signer nothing is ours.
	anonymous := newTestService(t, &fakeTransport{}, Options{Journal: j})
	_, err = anonymous.Replay(ctx)
	require.NoError(t, err)
	got, _ = anonymous.Store().Get(mine.ID)
	assert.False(t, got.Self)
}

func TestService_SignerLifecycle(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	s := newTestService(t, &fakeTransport{}, Options{})
	assert.Equal(t, "", s.PublicKey())
	s.SetSigner(k)
	assert.Equal(t, k.PublicKey(), s.PublicKey())
	s.SetSigner(nil)
	assert.Equal(t, "", s.PublicKey())
}
