package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nostrmeet/nostrmeet/internal/event"
)

const writeWait = 10 * time.Second

// MaxMessageBytes is the largest relay message accepted. A relay sending more
// is disconnected.
const MaxMessageBytes = 256 << 10

var errConnClosed = errors.New("relay connection closed")

type okReply struct {
	accepted bool
	message  string
}

// conn is one websocket to one relay. A single goroutine reads; writes are
// serialised by writeMu.
type conn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]chan okReply
	err     error

	done     chan struct{}
	onClosed func(*conn)
}

func newConn(url string, ws *websocket.Conn, onClosed func(*conn)) *conn {
	ws.SetReadLimit(MaxMessageBytes)
	return &conn{
		url:      url,
		ws:       ws,
		subs:     make(map[string]*Subscription),
		pending:  make(map[string]chan okReply),
		done:     make(chan struct{}),
		onClosed: onClosed,
	}
}

func (c *conn) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) send(parts ...interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parts); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.alive() {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n"))
}

// publish sends ev and waits for the relay's OK.
func (c *conn) publish(ctx context.Context, ev event.Event) (PublishResult, error) {
	ch := make(chan okReply, 1)
	c.mu.Lock()
	c.pending[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending[ev.ID] == ch {
			delete(c.pending, ev.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.send("EVENT", ev); err != nil {
		return PublishResult{}, fmt.Errorf("send event: %w", err)
	}
	select {
	case reply := <-ch:
		if !reply.accepted {
			return PublishResult{}, fmt.Errorf("rejected: %s", reply.message)
		}
		return PublishResult{Relay: c.url, EventID: ev.ID, Message: reply.message}, nil
	case <-c.done:
		return PublishResult{}, c.closeErr()
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
}

func (c *conn) subscribe(sub *Subscription) error {
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	if err := c.send("REQ", sub.id, sub.filter); err != nil {
		c.unsubscribe(sub.id, false)
		return err
	}
	return nil
}

func (c *conn) unsubscribe(id string, notify bool) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok && notify {
		if err := c.send("CLOSE", id); err != nil {
			log.WithError(err).WithField("relay", c.url).Debug("close subscription")
		}
	}
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return errConnClosed
}

func (c *conn) close() {
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	defer func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClosed != nil {
			c.onClosed(c)
		}
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("read %s: %w", c.url, err)
			c.mu.Unlock()
			log.WithError(err).WithField("relay", c.url).Debug("relay connection ended")
			return
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg []byte) {
	if !gjson.ValidBytes(msg) {
		log.WithField("relay", c.url).Debug("ignoring non-JSON relay message")
		return
	}
	arr := gjson.ParseBytes(msg).Array()
	if len(arr) == 0 {
		return
	}
	switch label := arr[0].String(); label {
	case "EVENT":
		if len(arr) < 3 {
			return
		}
		c.mu.Lock()
		sub := c.subs[arr[1].String()]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(arr[2].Raw), &ev); err != nil {
			log.WithError(err).WithField("relay", c.url).Debug("ignoring malformed event")
			return
		}
		sub.deliver(c.url, ev)
	case "OK":
		if len(arr) < 3 {
			return
		}
		reply := okReply{accepted: arr[2].Bool()}
		if len(arr) > 3 {
			reply.message = arr[3].String()
		}
		c.mu.Lock()
		ch := c.pending[arr[1].String()]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- reply:
			default:
			}
		}
	case "EOSE":
		if len(arr) > 1 {
			log.WithFields(log.Fields{"relay": c.url, "subscription": arr[1].String()}).Debug("end of stored events")
		}
	case "NOTICE":
		if len(arr) > 1 {
			log.WithField("relay", c.url).Infof("relay notice: %s", arr[1].String())
		}
	case "CLOSED":
		if len(arr) > 1 {
			id := arr[1].String()
			reason := ""
			if len(arr) > 2 {
				reason = arr[2].String()
			}
			c.unsubscribe(id, false)
			log.WithFields(log.Fields{"relay": c.url, "subscription": id}).Warnf("relay closed subscription: %s", reason)
		}
	default:
		log.WithFields(log.Fields{"relay": c.url, "label": label}).Debug("ignoring relay message")
	}
}
