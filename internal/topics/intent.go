// Package topics models what a user wants to talk or hear about: stances,
// the immutable topic intent, and the persona presets that seed it.
package topics

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxTopics caps how many topics are read from one JSON object or event.
// Further topics are ignored.
const MaxTopics = 256

// Stance is a user's position on a topic.
type Stance string

const (
	// Talk offers to discuss the topic.
	Talk Stance = "talk"
	// Listen asks to hear about the topic.
	Listen Stance = "listen"
)

// ParseStance accepts "talk" or "listen" in any case. Anything else, including
// "none", reports false.
func ParseStance(s string) (Stance, bool) {
	switch Stance(strings.ToLower(strings.TrimSpace(s))) {
	case Talk:
		return Talk, true
	case Listen:
		return Listen, true
	default:
		return "", false
	}
}

// parseWireStance accepts only the exact lowercase stances other clients write.
func parseWireStance(s string) (Stance, bool) {
	switch st := Stance(s); st {
	case Talk, Listen:
		return st, true
	default:
		return "", false
	}
}

// Entry is one topic and its stance.
type Entry struct {
	Topic  string `json:"topic"`
	Stance Stance `json:"stance"`
}

// Intent maps topics to stances, remembering first-insertion order. The zero
// value is an empty intent. Intents are values: every modifier returns a new one.
type Intent struct {
	entries []Entry
}

// NewIntent builds an intent from entries. A repeated topic keeps its first
// position and takes the last stance; blank topics and invalid stances are skipped.
func NewIntent(entries ...Entry) Intent {
	b := NewBuilder()
	for _, e := range entries {
		b.Set(e.Topic, e.Stance)
	}
	return b.Intent()
}

// FromMap builds an intent from a plain map, ordering topics alphabetically.
func FromMap(m map[string]Stance) Intent {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := NewBuilder()
	for _, k := range keys {
		b.Set(k, m[k])
	}
	return b.Intent()
}

// Builder accumulates an intent in one pass. Unlike With it does not copy on
// every insertion.
type Builder struct {
	entries []Entry
	pos     map[string]int
	wire    bool
	limit   int
}

// NewBuilder returns a builder for local input: topics are trimmed and
// stances are case-insensitive.
func NewBuilder() *Builder {
	return &Builder{pos: make(map[string]int)}
}

// NewWireBuilder returns a builder for content received from relays. Topic
// names are kept verbatim, only "talk" and "listen" count, and at most
// MaxTopics distinct topics are kept.
func NewWireBuilder() *Builder {
	return &Builder{pos: make(map[string]int), wire: true, limit: MaxTopics}
}

// Set records stance for topic. A repeated topic keeps its first position and
// takes the last stance. It reports whether the entry was accepted.
func (b *Builder) Set(topic string, stance Stance) bool {
	var st Stance
	var ok bool
	if b.wire {
		st, ok = parseWireStance(string(stance))
	} else {
		topic = strings.TrimSpace(topic)
		st, ok = ParseStance(string(stance))
	}
	if topic == "" || !ok {
		return false
	}
	if i, exists := b.pos[topic]; exists {
		b.entries[i].Stance = st
		return true
	}
	if b.Full() {
		return false
	}
	b.pos[topic] = len(b.entries)
	b.entries = append(b.entries, Entry{Topic: topic, Stance: st})
	return true
}

// Full reports whether the builder has reached its topic limit.
func (b *Builder) Full() bool {
	return b.limit > 0 && len(b.entries) >= b.limit
}

// Len returns the number of distinct topics so far.
func (b *Builder) Len() int { return len(b.entries) }

// Intent returns the built intent. The builder must not be reused afterwards.
func (b *Builder) Intent() Intent {
	return Intent{entries: b.entries}
}

func (in Intent) index(topic string) int {
	for i := range in.entries {
		if in.entries[i].Topic == topic {
			return i
		}
	}
	return -1
}

// Get returns the stance held for topic.
func (in Intent) Get(topic string) (Stance, bool) {
	if i := in.index(topic); i >= 0 {
		return in.entries[i].Stance, true
	}
	return "", false
}

// Len returns the number of topics with a stance.
func (in Intent) Len() int { return len(in.entries) }

// IsEmpty reports whether no topic has a stance.
func (in Intent) IsEmpty() bool { return len(in.entries) == 0 }

// Entries returns a copy of the entries in order.
func (in Intent) Entries() []Entry {
	out := make([]Entry, len(in.entries))
	copy(out, in.entries)
	return out
}

// Topics returns the topic names in order.
func (in Intent) Topics() []string {
	out := make([]string, len(in.entries))
	for i, e := range in.entries {
		out[i] = e.Topic
	}
	return out
}

// Map returns the intent as a plain map.
func (in Intent) Map() map[string]Stance {
	out := make(map[string]Stance, len(in.entries))
	for _, e := range in.entries {
		out[e.Topic] = e.Stance
	}
	return out
}

// With returns a copy with topic set to stance. An existing topic keeps its
// position. Invalid stances and blank topics leave the intent unchanged.
func (in Intent) With(topic string, stance Stance) Intent {
	topic = strings.TrimSpace(topic)
	st, ok := ParseStance(string(stance))
	if topic == "" || !ok {
		return in
	}
	out := Intent{entries: make([]Entry, len(in.entries), len(in.entries)+1)}
	copy(out.entries, in.entries)
	if i := out.index(topic); i >= 0 {
		out.entries[i].Stance = st
		return out
	}
	out.entries = append(out.entries, Entry{Topic: topic, Stance: st})
	return out
}

// Without returns a copy with topic removed.
func (in Intent) Without(topic string) Intent {
	i := in.index(topic)
	if i < 0 {
		return in
	}
	out := Intent{entries: make([]Entry, 0, len(in.entries)-1)}
	out.entries = append(out.entries, in.entries[:i]...)
	out.entries = append(out.entries, in.entries[i+1:]...)
	return out
}

// Cycle advances topic through none -> talk -> listen -> none.
func (in Intent) Cycle(topic string) Intent {
	st, ok := in.Get(topic)
	switch {
	case !ok:
		return in.With(topic, Talk)
	case st == Talk:
		return in.With(topic, Listen)
	default:
		return in.Without(topic)
	}
}

// Equal reports whether both intents hold the same entries in the same order.
func (in Intent) Equal(other Intent) bool {
	if len(in.entries) != len(other.entries) {
		return false
	}
	for i := range in.entries {
		if in.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// MarshalJSON writes the intent as a JSON object in insertion order, without
// HTML escaping so the output matches what browser clients produce.
func (in Intent) MarshalJSON() ([]byte, error) {
	out := []byte("{}")
	for _, e := range in.entries {
		v, err := marshalString(string(e.Stance))
		if err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, EscapeKey(e.Topic), v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EscapeKey escapes a topic name for use as a single gjson/sjson path key.
func EscapeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		switch c := key[i]; c {
		case '\\', '.', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', ':':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UnmarshalJSON reads an object of topic -> stance leniently: non-string or
// unknown stances are dropped rather than failing the whole payload.
func (in *Intent) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	*in = ParseResult(res)
	return nil
}

// ParseResult reads an intent out of an already parsed JSON value, leniently
// as for local input. Anything other than an object yields an empty intent.
// At most MaxTopics topics are read.
func ParseResult(res gjson.Result) Intent {
	b := NewBuilder()
	b.limit = MaxTopics
	return parseInto(b, res)
}

// ParseWireResult is ParseResult for payloads received from relays: stances
// must be exactly "talk" or "listen" and topic names are kept verbatim.
func ParseWireResult(res gjson.Result) Intent {
	return parseInto(NewWireBuilder(), res)
}

func parseInto(b *Builder, res gjson.Result) Intent {
	if !res.IsObject() {
		return Intent{}
	}
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			b.Set(key.String(), Stance(value.String()))
		}
		return !b.Full()
	})
	return b.Intent()
}

func marshalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
