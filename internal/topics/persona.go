package topics

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Persona is a named preset of topics a user typically talks and listens about.
type Persona struct {
	ID      string   `yaml:"id" json:"id"`
	Label   string   `yaml:"label" json:"label"`
	Icon    string   `yaml:"icon,omitempty" json:"icon,omitempty"`
	Talks   []string `yaml:"talks,omitempty" json:"talks"`
	Listens []string `yaml:"listens,omitempty" json:"listens"`
}

// Catalog is the static list of personas and suggested topics.
type Catalog struct {
	Personas []Persona `yaml:"personas" json:"personas"`
	Topics   []string  `yaml:"topics" json:"topics"`
}

// DefaultCatalog returns the built-in presets.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Topics: []string{
			"Bitcoin", "Economics", "Privacy", "Coding", "Nostr",
			"Gadgets", "Mining", "Investment/Trading", "Geopolitics", "History",
			"Philosophy", "Art", "Music", "Gaming", "Health/Diet",
			"Parenting", "Spirituality", "Dating", "Anime/Manga", "Science",
		},
		Personas: []Persona{
			{ID: "newbie", Label: "Bitcoin Newbie", Icon: "🐣", Listens: []string{"Bitcoin", "Nostr", "gadgets"}},
			{ID: "maxi", Label: "Bitcoiner", Icon: "⚡", Talks: []string{"Bitcoin", "Economics"}, Listens: []string{"Privacy", "Mining"}},
			{ID: "investor", Label: "Investor", Icon: "📈", Talks: []string{"Investment/Trading", "Economics"}, Listens: []string{"Geopolitics"}},
			{ID: "tech", Label: "Tech Bro", Icon: "💻", Talks: []string{"Coding", "Gadgets"}, Listens: []string{"Science", "AI"}},
			{ID: "philosopher", Label: "Philosopher", Icon: "🤔", Talks: []string{"Philosophy", "History"}, Listens: []string{"Spirituality"}},
			{ID: "artist", Label: "Artist", Icon: "🎨", Talks: []string{"Art", "Music"}, Listens: []string{"Nostr"}},
			{ID: "health", Label: "Health Nut", Icon: "🥦", Talks: []string{"Health/Diet"}, Listens: []string{"Science"}},
			{ID: "gamer", Label: "Gamer", Icon: "🎮", Talks: []string{"Gaming", "Anime/Manga"}, Listens: []string{"Coding"}},
			{ID: "freedom", Label: "Freedom Lover", Icon: "🗽", Talks: []string{"Privacy", "Geopolitics"}, Listens: []string{"Bitcoin"}},
			{ID: "precoiner", Label: "Pre-coiner", Icon: "👀", Listens: []string{"Bitcoin", "Economics"}},
		},
	}
}

// LoadCatalog reads a YAML catalog file. Personas without an id are rejected;
// an empty topic list falls back to the built-in suggestions.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}
	var c Catalog
	if err = yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse persona catalog %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(c.Personas))
	for i := range c.Personas {
		id := strings.TrimSpace(c.Personas[i].ID)
		if id == "" {
			return nil, fmt.Errorf("persona catalog %s: entry %d has no id", path, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("persona catalog %s: duplicate id %q", path, id)
		}
		seen[id] = struct{}{}
		c.Personas[i].ID = id
	}
	if len(c.Topics) == 0 {
		c.Topics = DefaultCatalog().Topics
	}
	return &c, nil
}

// Persona looks up a persona by id.
func (c *Catalog) Persona(id string) (Persona, bool) {
	if c == nil {
		return Persona{}, false
	}
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Merge combines the selected personas into one intent. Personas are applied
// in catalog order, not selection order. A talk stance always wins over a
// listen stance for the same topic, whichever persona contributed it. Unknown
// ids are ignored.
func (c *Catalog) Merge(ids ...string) Intent {
	var out Intent
	if c == nil || len(ids) == 0 {
		return out
	}
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[strings.TrimSpace(id)] = true
	}
	matched := 0
	for _, p := range c.Personas {
		if !selected[p.ID] {
			continue
		}
		matched++
		for _, t := range p.Talks {
			out = out.With(t, Talk)
		}
		for _, t := range p.Listens {
			if st, ok := out.Get(t); ok && st == Talk {
				continue
			}
			out = out.With(t, Listen)
		}
	}
	if matched < len(selected) {
		log.WithField("requested", ids).Debug("persona merge ignored unknown ids")
	}
	return out
}
