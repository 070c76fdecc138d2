package event

import (
	"time"

	"github.com/tidwall/sjson"
)

// Filter selects check-in events for a subscription.
type Filter struct {
	// Kinds restricts event kinds; empty means text notes only.
	Kinds []int
	// Cells are geohashes matched against "g" tags.
	Cells []string
	// Since excludes events created before it. Zero means no bound.
	Since time.Time
	// NamespaceTag is matched against "t" tags.
	NamespaceTag string
}

// MarshalJSON produces the relay filter object with keys in wire order:
// {"kinds":[1],"#g":[...],"since":N,"#t":["ns"]}.
func (f Filter) MarshalJSON() ([]byte, error) {
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = []int{KindTextNote}
	}
	out, err := sjson.SetBytes([]byte("{}"), "kinds", kinds)
	if err != nil {
		return nil, err
	}
	if len(f.Cells) > 0 {
		if out, err = sjson.SetBytes(out, `\#g`, f.Cells); err != nil {
			return nil, err
		}
	}
	if !f.Since.IsZero() {
		if out, err = sjson.SetBytes(out, "since", f.Since.Unix()); err != nil {
			return nil, err
		}
	}
	if f.NamespaceTag != "" {
		if out, err = sjson.SetBytes(out, `\#t`, []string{f.NamespaceTag}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Matches applies the filter locally. Relays are untrusted, so delivered
// events are re-checked before they reach the codec.
func (f Filter) Matches(e Event) bool {
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = []int{KindTextNote}
	}
	kindOK := false
	for _, k := range kinds {
		if e.Kind == k {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt < f.Since.Unix() {
		return false
	}
	if f.NamespaceTag != "" && !e.Tags.Has("t", f.NamespaceTag) {
		return false
	}
	if len(f.Cells) > 0 {
		found := false
		for _, c := range f.Cells {
			if e.Tags.Has("g", c) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
