package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/event"
	"github.com/nostrmeet/nostrmeet/internal/identity"
)

// fakeRelay is a minimal in-process relay: it acknowledges EVENTs with a
// fixed verdict and answers every REQ with its stored events and EOSE.
type fakeRelay struct {
	srv    *httptest.Server
	accept bool
	stored []event.Event

	mu        sync.Mutex
	published []event.Event
	filters   []string
	closes    []string
}

func newFakeRelay(t *testing.T, accept bool, stored ...event.Event) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{accept: accept, stored: stored}
	upgrader := websocket.Upgrader{}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			arr := gjson.ParseBytes(msg).Array()
			switch arr[0].String() {
			case "EVENT":
				var ev event.Event
				_ = json.Unmarshal([]byte(arr[1].Raw), &ev)
				fr.mu.Lock()
				fr.published = append(fr.published, ev)
				fr.mu.Unlock()
				reason := ""
				if !fr.accept {
					reason = "blocked: test relay"
				}
				_ = c.WriteJSON([]interface{}{"OK", ev.ID, fr.accept, reason})
			case "REQ":
				id := arr[1].String()
				fr.mu.Lock()
				fr.filters = append(fr.filters, arr[2].Raw)
				fr.mu.Unlock()
				_ = c.WriteJSON([]interface{}{"NOTICE", "hello"})
				for _, ev := range fr.stored {
					_ = c.WriteJSON([]interface{}{"EVENT", id, ev})
				}
				_ = c.WriteJSON([]interface{}{"EOSE", id})
			case "CLOSE":
				fr.mu.Lock()
				fr.closes = append(fr.closes, arr[1].String())
				fr.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.srv.URL, "http")
}

func (fr *fakeRelay) snapshot() (published []event.Event, filters, closes []string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]event.Event(nil), fr.published...), append([]string(nil), fr.filters...), append([]string(nil), fr.closes...)
}

func signed(t *testing.T, k *identity.KeySigner, createdAt int64, cell string) event.Event {
	t.Helper()
	ev, err := k.Sign(event.Template{
		CreatedAt: createdAt,
		Kind:      event.KindTextNote,
		Tags:      event.Tags{{"g", cell}, {"t", "nostrmeet"}},
		Content:   "hi",
	})
	require.NoError(t, err)
	return ev
}

func TestRace_FirstSuccessWins(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	attempt := func(ctx context.Context, endpoint string) (PublishResult, error) {
		switch endpoint {
		case "wss://one":
			time.Sleep(5 * time.Millisecond)
			return PublishResult{}, errors.New("rejected")
		case "wss://two":
			time.Sleep(20 * time.Millisecond)
			return PublishResult{EventID: "e1", Message: "stored"}, nil
		default:
			// endpoint three fails only after the race is decided
			<-release
			return PublishResult{}, errors.New("timeout")
		}
	}

	res, err := Race(context.Background(), []string{"wss://one", "wss://two", "wss://three"}, attempt)
	require.NoError(t, err)
	assert.Equal(t, PublishResult{Relay: "wss://two", EventID: "e1", Message: "stored"}, res)
}

func TestRace_AllFail(t *testing.T) {
	attempt := func(ctx context.Context, endpoint string) (PublishResult, error) {
		return PublishResult{}, errors.New("nope from " + endpoint)
	}
	_, err := Race(context.Background(), []string{"wss://a", "wss://b"}, attempt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPublishFailure))
	assert.ErrorContains(t, err, "nope from wss://a")
	assert.ErrorContains(t, err, "nope from wss://b")

	_, err = Race(context.Background(), nil, attempt)
	assert.True(t, errors.Is(err, apperrors.ErrPublishFailure))
}

func TestRace_ContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)

	_, err := Race(ctx, []string{"wss://slow"}, func(ctx context.Context, _ string) (PublishResult, error) {
		<-block
		return PublishResult{}, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPublishFailure))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPool_PublishRace(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	ev := signed(t, k, time.Now().Unix(), "u4pru")

	rejecting := newFakeRelay(t, false)
	accepting := newFakeRelay(t, true)
	down := newFakeRelay(t, true)
	downURL := down.url()
	down.srv.Close()

	p := NewPool(Options{DialTimeout: time.Second, PublishTimeout: 2 * time.Second})
	defer p.Close()

	res, err := p.Publish(context.Background(), []string{rejecting.url(), accepting.url(), downURL}, ev)
	require.NoError(t, err)
	assert.Equal(t, accepting.url(), res.Relay)
	assert.Equal(t, ev.ID, res.EventID)

	published, _, _ := accepting.snapshot()
	require.Len(t, published, 1)
	assert.NoError(t, identity.Verify(published[0]))
}

func TestPool_PublishAllReject(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	ev := signed(t, k, time.Now().Unix(), "u4pru")

	p := NewPool(Options{DialTimeout: time.Second, PublishTimeout: time.Second})
	defer p.Close()

	_, err = p.Publish(context.Background(), []string{newFakeRelay(t, false).url()}, ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPublishFailure))
	assert.ErrorContains(t, err, "blocked: test relay")
}

func TestPool_SubscribeDedupesAcrossRelays(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	now := time.Now().Unix()
	shared := signed(t, k, now, "u4pru")
	onlyB := signed(t, k, now+1, "u4prv")
	outside := signed(t, k, now, "gbsuv")
	tooOld := signed(t, k, now-48*3600, "u4pru")

	a := newFakeRelay(t, true, shared, outside)
	b := newFakeRelay(t, true, shared, onlyB, tooOld)

	p := NewPool(Options{DialTimeout: time.Second})
	defer p.Close()

	var mu sync.Mutex
	var got []string
	filter := event.Filter{
		Cells:        []string{"u4pru", "u4prv"},
		Since:        time.Unix(now-12*3600, 0),
		NamespaceTag: "nostrmeet",
	}
	h, err := p.Subscribe(context.Background(), []string{a.url(), b.url(), a.url()}, filter, func(ev event.Event) {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{shared.ID, onlyB.ID}, got)
	mu.Unlock()

	var filters []string
	require.Eventually(t, func() bool {
		_, filters, _ = a.snapshot()
		return len(filters) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"kinds":[1],"#g":["u4pru","u4prv"],"since":`+jsonInt(now-12*3600)+`,"#t":["nostrmeet"]}`, filters[0])

	h.Close()
	h.Close()
	require.Eventually(t, func() bool {
		_, _, ca := a.snapshot()
		_, _, cb := b.snapshot()
		return len(ca) == 1 && len(cb) == 1 && ca[0] == h.ID()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SubscribeVerifiesSignatures(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	now := time.Now().Unix()
	good := signed(t, k, now, "u4pru")
	forged := signed(t, k, now+1, "u4pru")
	forged.Content = "tampered"

	r := newFakeRelay(t, true, forged, good)
	p := NewPool(Options{DialTimeout: time.Second, VerifySignatures: true})
	defer p.Close()

	delivered := make(chan string, 4)
	_, err = p.Subscribe(context.Background(), []string{r.url()}, event.Filter{NamespaceTag: "nostrmeet"}, func(ev event.Event) {
		delivered <- ev.ID
	})
	require.NoError(t, err)

	select {
	case id := <-delivered:
		assert.Equal(t, good.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case id := <-delivered:
		t.Fatalf("unexpected second delivery %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPool_OversizedMessageDropsRelay(t *testing.T) {
	k, err := identity.GenerateKey()
	require.NoError(t, err)
	huge := signed(t, k, time.Now().Unix(), "u4pru")
	huge.Content = strings.Repeat("x", MaxMessageBytes)

	r := newFakeRelay(t, true, huge)
	p := NewPool(Options{DialTimeout: time.Second})
	defer p.Close()

	delivered := make(chan string, 1)
	_, err = p.Subscribe(context.Background(), []string{r.url()}, event.Filter{NamespaceTag: "nostrmeet"}, func(ev event.Event) {
		delivered <- ev.ID
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, filters, _ := r.snapshot()
		return len(filters) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(p.Connected()) == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case id := <-delivered:
		t.Fatalf("oversized event %s was delivered", id)
	default:
	}
}

func TestPool_SubscribeRequiresCallback(t *testing.T) {
	p := NewPool(Options{})
	defer p.Close()
	_, err := p.Subscribe(context.Background(), []string{"ws://x"}, event.Filter{}, nil)
	assert.Error(t, err)
}

func TestPool_ReusesConnection(t *testing.T) {
	r := newFakeRelay(t, true)
	p := NewPool(Options{DialTimeout: time.Second})
	defer p.Close()

	var wg sync.WaitGroup
	conns := make([]*conn, 5)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.conn(context.Background(), r.url())
			if err == nil {
				conns[i] = c
			}
		}(i)
	}
	wg.Wait()
	for _, c := range conns {
		require.NotNil(t, c)
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, []string{r.url()}, p.Connected())
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"wss://a", "wss://b"}, dedupe([]string{" wss://a", "wss://b", "", "wss://a"}))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
