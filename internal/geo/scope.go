// Package geo resolves request location scopes against source coverage.
package geo

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Scope is a parsed location scope. Supported forms:
//
//	global
//	city:<name>
//	bbox:<minLon>,<minLat>,<maxLon>,<maxLat>
type Scope struct {
	Raw    string
	Global bool
	City   string
	Bounds *geom.Bounds
}

// ParseScope parses a raw location scope string. An empty string parses as
// the global scope.
func ParseScope(raw string) (Scope, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" || trimmed == "global" {
		return Scope{Raw: "global", Global: true}, nil
	}

	switch {
	case strings.HasPrefix(trimmed, "city:"):
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, "city:"))
		if name == "" {
			return Scope{}, eris.Errorf("geo: empty city in scope %q", raw)
		}
		return Scope{Raw: trimmed, City: name}, nil

	case strings.HasPrefix(trimmed, "bbox:"):
		parts := strings.Split(strings.TrimPrefix(trimmed, "bbox:"), ",")
		if len(parts) != 4 {
			return Scope{}, eris.Errorf("geo: bbox scope %q needs 4 coordinates", raw)
		}
		coords := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return Scope{}, eris.Wrapf(err, "geo: parse bbox coordinate %q", p)
			}
			coords[i] = v
		}
		if coords[0] > coords[2] || coords[1] > coords[3] {
			return Scope{}, eris.Errorf("geo: bbox scope %q has inverted bounds", raw)
		}
		b := geom.NewBounds(geom.XY)
		b.Set(coords[0], coords[1], coords[2], coords[3])
		return Scope{Raw: trimmed, Bounds: b}, nil
	}

	return Scope{}, eris.Errorf("geo: unrecognized location scope %q", raw)
}

// Resolve fills in the bounds for a city scope from the index. Scopes that
// already carry bounds (or are global) pass through unchanged. An unknown
// city resolves to a scope with no bounds, which only global-coverage
// sources match.
func (s Scope) Resolve(idx *CoverageIndex) Scope {
	if s.City == "" || s.Bounds != nil || idx == nil {
		return s
	}
	if b, ok := idx.Lookup(s.City); ok {
		s.Bounds = b
	}
	return s
}

// Matches reports whether a source with the given coverage bounding box
// serves this scope. An empty coverage means the source is global and
// matches everything; a global scope likewise matches every source.
func (s Scope) Matches(coverage []float64) bool {
	if s.Global || len(coverage) == 0 {
		return true
	}
	if len(coverage) != 4 {
		return false
	}
	if s.Bounds == nil {
		// Unresolved city scope: only global-coverage sources qualify,
		// and those were handled above.
		return false
	}
	cb := geom.NewBounds(geom.XY)
	cb.Set(coverage[0], coverage[1], coverage[2], coverage[3])
	return s.Bounds.Overlaps(geom.XY, cb)
}
