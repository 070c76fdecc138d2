// Package codec converts check-in drafts into relay event templates and
// decodes received events back into check-ins.
//
// The content of a check-in event is a human-readable summary followed by a
// structured payload:
//
//	📍 Check-in at <place>
//	👤 <name>
//	📝 <note>
//
//	Topics:
//	- Bitcoin 🗣️
//
//	(JSON: {"name":"..","place":"..","note":"..","topics":{"Bitcoin":"talk"}})
//
// Decoding never fails on content; only a missing location is fatal.
package codec

import (
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/nostrmeet/nostrmeet/internal/checkin"
	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/event"
	"github.com/nostrmeet/nostrmeet/internal/geo"
	"github.com/nostrmeet/nostrmeet/internal/metrics"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

const (
	// NamespaceTag marks this application's events on shared relays.
	NamespaceTag = "nostrmeet"
	// Delimiter separates the summary from the structured payload.
	Delimiter = "\n\n(JSON: "
	// DedupPrefix prefixes the author key in the "d" tag.
	DedupPrefix = "checkin:"

	TagGeo         = "g"
	TagExpiration  = "expiration"
	TagTopic       = "t"
	TagStartTime   = "start_time"
	TagEndTime     = "end_time"
	TagDedup       = "d"
	TagTopicStatus = "topic_status"

	noteCutMarker = "\n\n(JSON:"
)

// Codec encodes and decodes check-in events. The zero value is not usable;
// call New.
type Codec struct {
	namespace string
	chain     Chain
	now       func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithNamespace overrides the namespace tag.
func WithNamespace(ns string) Option {
	return func(c *Codec) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithChain replaces the decoder chain.
func WithChain(chain Chain) Option {
	return func(c *Codec) { c.chain = chain }
}

// WithClock sets the clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New returns a codec with the default chain and namespace.
func New(opts ...Option) *Codec {
	c := &Codec{namespace: NamespaceTag, chain: DefaultChain(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace returns the namespace tag this codec writes and expects.
func (c *Codec) Namespace() string { return c.namespace }

// Encode builds the unsigned event for a draft published by authorID.
func (c *Codec) Encode(d checkin.Draft, authorID string) (event.Template, error) {
	cell12, err := geo.EncodePoint(d.Location, geo.PinPrecision)
	if err != nil {
		return event.Template{}, err
	}
	cell5 := geo.Truncate(cell12, geo.DiscoveryPrecision)
	start := strconv.FormatInt(d.Start.Unix(), 10)
	end := strconv.FormatInt(d.End.Unix(), 10)

	tags := event.Tags{
		{TagGeo, cell12},
		{TagGeo, cell5},
		{TagExpiration, end},
		{TagTopic, c.namespace},
		{TagStartTime, start},
		{TagEndTime, end},
		{TagDedup, DedupPrefix + authorID},
	}
	for _, e := range d.Topics.Entries() {
		tags = append(tags,
			event.Tag{TagTopic, e.Topic},
			event.Tag{TagTopicStatus, e.Topic + ":" + string(e.Stance)},
		)
	}

	payload, err := encodePayload(d)
	if err != nil {
		return event.Template{}, err
	}

	return event.Template{
		CreatedAt: c.now().Unix(),
		Kind:      event.KindTextNote,
		Tags:      tags,
		Content:   summary(d, cell12) + Delimiter + payload + ")",
	}, nil
}

func summary(d checkin.Draft, cell12 string) string {
	place := d.Place
	if place == "" {
		place = cell12
	}
	var b strings.Builder
	b.WriteString("📍 Check-in at " + place + "\n")
	b.WriteString("👤 " + d.Name + "\n")
	if d.Note != "" {
		b.WriteString("📝 " + d.Note + "\n")
	}
	b.WriteString("\nTopics:\n")
	for i, e := range d.Topics.Entries() {
		if i > 0 {
			b.WriteByte('\n')
		}
		icon := "👂"
		if e.Stance == topics.Talk {
			icon = "🗣️"
		}
		b.WriteString("- " + e.Topic + " " + icon)
	}
	return b.String()
}

func encodePayload(d checkin.Draft) (string, error) {
	topicsJSON, err := d.Topics.MarshalJSON()
	if err != nil {
		return "", err
	}
	out := "{}"
	for _, kv := range [][2]string{
		{"name", event.Quote(d.Name)},
		{"place", event.Quote(d.Place)},
		{"note", event.Quote(d.Note)},
		{"topics", string(topicsJSON)},
	} {
		if out, err = sjson.SetRaw(out, kv[0], kv[1]); err != nil {
			return "", err
		}
	}
	return out, nil
}

// Decode turns a received event into a check-in. The only error is
// MissingLocation; unreadable content degrades to a note-only check-in.
func (c *Codec) Decode(ev event.Event) (checkin.CheckIn, error) {
	code, area, ok := bestLocation(ev.Tags)
	if !ok {
		return checkin.CheckIn{}, apperrors.New(apperrors.CodeMissingLocation, "event has no decodable g tag", nil).
			WithDetail("event_id", ev.ID)
	}

	cell5 := geo.Truncate(code, geo.DiscoveryPrecision)
	if len(code) < geo.DiscoveryPrecision {
		cell5, _ = geo.EncodePoint(area.Center, geo.DiscoveryPrecision)
	}

	payload, strategy := c.chain.Decode(ev.Content)
	if strategy == "" {
		payload = Payload{Note: ev.Content}
		strategy = "none"
	}
	if strategy == "note" && strings.Contains(ev.Content, "{") {
		log.WithFields(log.Fields{
			"event_id": ev.ID,
			"code":     apperrors.CodeMalformedContent,
		}).Debug("check-in content has no readable payload, keeping it as a note")
	}
	metrics.RecordDecodePath(strategy)

	intent := payload.Topics
	if intent.IsEmpty() {
		intent = topicsFromTags(ev.Tags)
	}

	start := unixTag(ev.Tags, TagStartTime)
	end := unixTag(ev.Tags, TagEndTime)
	if end.IsZero() {
		end = unixTag(ev.Tags, TagExpiration)
	}

	return checkin.CheckIn{
		ID:        ev.ID,
		AuthorID:  ev.PubKey,
		Cell12:    code,
		Cell5:     cell5,
		Location:  area.Center,
		Topics:    intent,
		StartTime: start,
		EndTime:   end,
		Name:      payload.Name,
		Place:     payload.Place,
		Note:      payload.Note,
		CreatedAt: time.Unix(ev.CreatedAt, 0),
	}, nil
}

// bestLocation picks the most precise g tag that decodes.
func bestLocation(tags event.Tags) (string, geo.Area, bool) {
	codes := tags.Values(TagGeo)
	sort.SliceStable(codes, func(i, j int) bool { return len(codes[i]) > len(codes[j]) })
	for _, code := range codes {
		area, err := geo.Decode(code)
		if err != nil {
			continue
		}
		return strings.ToLower(code), area, true
	}
	return "", geo.Area{}, false
}

// topicsFromTags rebuilds an intent from "topic:stance" tags, for events whose
// content carries no payload topics.
func topicsFromTags(tags event.Tags) topics.Intent {
	b := topics.NewWireBuilder()
	for _, tag := range tags {
		if b.Full() {
			break
		}
		if tag.Name() != TagTopicStatus {
			continue
		}
		v := tag.Value()
		i := strings.LastIndexByte(v, ':')
		if i <= 0 {
			continue
		}
		b.Set(v[:i], topics.Stance(v[i+1:]))
	}
	return b.Intent()
}

func unixTag(tags event.Tags, name string) time.Time {
	tag, ok := tags.Find(name)
	if !ok {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(tag.Value()), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
