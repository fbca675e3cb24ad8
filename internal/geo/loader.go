package geo

import (
	"strings"
	"sync"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// CoverageIndex maps place names to bounding boxes, used to resolve
// city-scoped requests against source coverage.
type CoverageIndex struct {
	mu     sync.RWMutex
	bounds map[string]*geom.Bounds
}

func NewCoverageIndex() *CoverageIndex {
	return &CoverageIndex{bounds: make(map[string]*geom.Bounds)}
}

// Add registers a place's bounding box. Names are matched case-insensitively.
func (idx *CoverageIndex) Add(name string, minX, minY, maxX, maxY float64) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	b := geom.NewBounds(geom.XY)
	b.Set(minX, minY, maxX, maxY)

	idx.mu.Lock()
	idx.bounds[key] = b
	idx.mu.Unlock()
}

// Lookup returns the bounding box for a place name.
func (idx *CoverageIndex) Lookup(name string) (*geom.Bounds, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.bounds[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Len returns the number of indexed places.
func (idx *CoverageIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.bounds)
}

// LoadCoverageIndex reads a shapefile and indexes each record's bounding box
// under the value of nameField (e.g. NAME in Census place/CBSA files).
// Records with a missing name or nil shape are skipped.
func LoadCoverageIndex(shpPath, nameField string) (*CoverageIndex, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := fieldIndex(reader, nameField)
	if nameIdx < 0 {
		return nil, eris.Errorf("geo: field %q not found in shapefile", nameField)
	}

	idx := NewCoverageIndex()
	var skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		if shape == nil {
			skipped++
			continue
		}
		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		if name == "" {
			skipped++
			continue
		}
		box := shape.BBox()
		idx.Add(name, box.MinX, box.MinY, box.MaxX, box.MaxY)
	}

	if skipped > 0 {
		zap.L().Debug("geo: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	zap.L().Info("geo: coverage index loaded",
		zap.String("path", shpPath),
		zap.Int("places", idx.Len()),
	)
	return idx, nil
}

// fieldIndex finds the index of a named attribute field, ignoring case and
// trailing NULs in field names.
func fieldIndex(reader *shp.Reader, name string) int {
	for i, f := range reader.Fields() {
		fieldName := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(fieldName, name) {
			return i
		}
	}
	return -1
}
