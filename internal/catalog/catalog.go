// Package catalog loads the source catalog and resolves candidate sources
// for enrichment requests.
package catalog

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Entry is one catalog source definition.
type Entry struct {
	ID                 string    `yaml:"id"`
	Name               string    `yaml:"name"`
	Kind               string    `yaml:"kind"` // http | ftp
	Endpoint           string    `yaml:"endpoint"`
	Topics             []string  `yaml:"topics,omitempty"`
	Priority           int       `yaml:"priority"`
	Active             *bool     `yaml:"active,omitempty"` // nil means active
	DefaultItemsPerDay float64   `yaml:"default_items_per_day,omitempty"`
	Coverage           []float64 `yaml:"coverage,omitempty"` // [minLon, minLat, maxLon, maxLat]
}

// Catalog is the parsed source catalog.
type Catalog struct {
	Sources []model.Source
}

// Load reads a source catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse parses catalog YAML. The file has a top-level "sources" key.
func Parse(data []byte) (*Catalog, error) {
	var wrapper struct {
		Sources []Entry `yaml:"sources"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}

	seen := make(map[string]struct{}, len(wrapper.Sources))
	sources := make([]model.Source, 0, len(wrapper.Sources))
	for i, e := range wrapper.Sources {
		if e.ID == "" {
			return nil, eris.Errorf("catalog: source at index %d has no id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, eris.Errorf("catalog: duplicate source id %q", e.ID)
		}
		seen[e.ID] = struct{}{}

		kind := model.SourceKind(strings.ToLower(e.Kind))
		switch kind {
		case model.SourceKindHTTP, model.SourceKindFTP:
		case "":
			kind = model.SourceKindHTTP
		default:
			return nil, eris.Errorf("catalog: source %q has unknown kind %q", e.ID, e.Kind)
		}
		if len(e.Coverage) != 0 && len(e.Coverage) != 4 {
			return nil, eris.Errorf("catalog: source %q coverage needs 4 values", e.ID)
		}

		active := e.Active == nil || *e.Active
		sources = append(sources, model.Source{
			ID:                 e.ID,
			Name:               e.Name,
			Kind:               kind,
			Endpoint:           e.Endpoint,
			Topics:             e.Topics,
			Priority:           e.Priority,
			Active:             active,
			DefaultItemsPerDay: e.DefaultItemsPerDay,
			Coverage:           e.Coverage,
		})
	}

	// Highest priority first; stable by id for equal priorities.
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Priority != sources[j].Priority {
			return sources[i].Priority > sources[j].Priority
		}
		return sources[i].ID < sources[j].ID
	})

	return &Catalog{Sources: sources}, nil
}

// Get returns the source with the given ID.
func (c *Catalog) Get(id string) (model.Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return model.Source{}, false
}

// Active returns all active sources in priority order.
func (c *Catalog) Active() []model.Source {
	out := make([]model.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}
