// Package event holds the relay wire types: signed events, unsigned templates,
// tags and subscription filters, plus the canonical serialisation that event
// ids are hashed over.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"unicode/utf8"
)

// KindTextNote is the only event kind check-ins are published as.
const KindTextNote = 1

// Tag is a single tag: a name followed by values.
type Tag []string

// Name returns the tag name, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value, or "" when absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered list of tags.
type Tags []Tag

// MarshalJSON writes nil tags as an empty array; relays reject null.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Tag(t))
}

// Find returns the first tag with the given name that carries a value.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// Values returns the first value of every tag with the given name.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Has reports whether a tag name=value exists.
func (t Tags) Has(name, value string) bool {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}
	return false
}

// Template is an unsigned event.
type Template struct {
	CreatedAt int64
	Kind      int
	Tags      Tags
	Content   string
}

// Event is a signed event as exchanged with relays.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Template returns the unsigned part of the event.
func (e Event) Template() Template {
	return Template{CreatedAt: e.CreatedAt, Kind: e.Kind, Tags: e.Tags, Content: e.Content}
}

// Serialize returns the canonical array [0,pubkey,created_at,kind,tags,content]
// the event id is computed over.
func Serialize(pubkey string, t Template) []byte {
	buf := make([]byte, 0, 128+len(t.Content))
	buf = append(buf, "[0,"...)
	buf = AppendQuoted(buf, pubkey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, t.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(t.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range t.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = AppendQuoted(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = AppendQuoted(buf, t.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the hex sha256 of the canonical serialisation.
func ComputeID(pubkey string, t Template) string {
	sum := sha256.Sum256(Serialize(pubkey, t))
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether e.ID matches its content.
func (e Event) CheckID() bool {
	return e.ID == ComputeID(e.PubKey, e.Template())
}

// Quote returns s as a JSON string literal using the minimal escaping that
// browser JSON.stringify and relays use: no HTML escaping, raw UTF-8.
func Quote(s string) string {
	return string(AppendQuoted(nil, s))
}

// AppendQuoted appends the JSON string literal for s to buf.
func AppendQuoted(buf []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf = append(buf, '\\', '"')
			case '\\':
				buf = append(buf, '\\', '\\')
			case '\n':
				buf = append(buf, '\\', 'n')
			case '\r':
				buf = append(buf, '\\', 'r')
			case '\t':
				buf = append(buf, '\\', 't')
			case '\b':
				buf = append(buf, '\\', 'b')
			case '\f':
				buf = append(buf, '\\', 'f')
			default:
				if c < 0x20 {
					buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				} else {
					buf = append(buf, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf = append(buf, `�`...)
		} else {
			buf = append(buf, s[i:i+size]...)
		}
		i += size
	}
	return append(buf, '"')
}
