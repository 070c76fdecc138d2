package codec

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nostrmeet/nostrmeet/internal/topics"
)

// Payload is the structured part of a check-in's content.
type Payload struct {
	Name   string
	Place  string
	Note   string
	Topics topics.Intent
}

// Strategy extracts a payload from content, reporting false when it does not apply.
type Strategy interface {
	Name() string
	TryDecode(content string) (Payload, bool)
}

// Chain tries strategies in order; the first success wins.
type Chain []Strategy

// Decode runs the chain. The strategy name is "" when nothing matched.
func (c Chain) Decode(content string) (Payload, string) {
	for _, s := range c {
		if p, ok := s.TryDecode(content); ok {
			return p, s.Name()
		}
	}
	return Payload{}, ""
}

// DefaultChain is delimited, then legacy, then plain note.
func DefaultChain() Chain {
	return Chain{DelimitedStrategy{}, LegacyStrategy{}, NoteStrategy{}}
}

// DelimitedStrategy reads the payload after the last delimiter, up to the
// last closing parenthesis. Searching from the end lets user text contain
// braces or even the delimiter itself.
type DelimitedStrategy struct{}

// Name implements Strategy.
func (DelimitedStrategy) Name() string { return "delimited" }

// TryDecode implements Strategy.
func (DelimitedStrategy) TryDecode(content string) (Payload, bool) {
	idx := strings.LastIndex(content, Delimiter)
	if idx < 0 {
		return Payload{}, false
	}
	start := idx + len(Delimiter)
	end := strings.LastIndex(content, ")")
	if end < start {
		return Payload{}, false
	}
	return parsePayload(content[start:end])
}

// LegacyStrategy handles content written before the delimiter existed: the
// payload runs from the first '{' to the end of the content. It steps aside
// when the delimiter is present so a broken delimited payload degrades to a note.
type LegacyStrategy struct{}

// Name implements Strategy.
func (LegacyStrategy) Name() string { return "legacy" }

// TryDecode implements Strategy.
func (LegacyStrategy) TryDecode(content string) (Payload, bool) {
	if strings.Contains(content, Delimiter) {
		return Payload{}, false
	}
	idx := strings.IndexByte(content, '{')
	if idx < 0 {
		return Payload{}, false
	}
	return parsePayload(content[idx:])
}

// NoteStrategy treats the content as a free-text note. It always succeeds.
type NoteStrategy struct{}

// Name implements Strategy.
func (NoteStrategy) Name() string { return "note" }

// TryDecode implements Strategy.
func (NoteStrategy) TryDecode(content string) (Payload, bool) {
	note := content
	if idx := strings.Index(content, noteCutMarker); idx >= 0 {
		note = content[:idx]
	}
	return Payload{Note: note}, true
}

func parsePayload(raw string) (Payload, bool) {
	if !gjson.Valid(raw) {
		return Payload{}, false
	}
	res := gjson.Parse(raw)
	if !res.IsObject() {
		return Payload{}, false
	}
	return Payload{
		Name:   stringField(res, "name"),
		Place:  stringField(res, "place"),
		Note:   stringField(res, "note"),
		Topics: topics.ParseWireResult(res.Get("topics")),
	}, true
}

func stringField(res gjson.Result, key string) string {
	v := res.Get(key)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}
