// Package importer bulk-records enrichment requests from spreadsheet and
// CSV files.
package importer

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/model"
)

// Recorder is the ledger surface the importer feeds.
type Recorder interface {
	Record(ctx context.Context, raws []model.RawRequest, requesterID string, observedAt time.Time) ([]model.EnrichmentRequest, error)
}

// Config bounds import concurrency and batch size.
type Config struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, BatchSize: 100}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// Summary reports what one import run did.
type Summary struct {
	Rows          int
	Accepted      int
	Skipped       int
	FailedBatches int
}

// Importer reads request files and records them through the ledger in
// bounded concurrent batches.
type Importer struct {
	recorder Recorder
	cfg      Config
}

func New(recorder Recorder, cfg Config) *Importer {
	return &Importer{recorder: recorder, cfg: cfg.withDefaults()}
}

// ImportFile imports requests from a .csv or .xlsx file. The first row must
// be a header naming at least a term column; entity_kind, reason,
// location_scope, and result_count_hint are recognized when present. A
// failed batch is logged and the rest of the file still imports.
func (im *Importer) ImportFile(ctx context.Context, path, requesterID string) (Summary, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return Summary{}, eris.Errorf("importer: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return Summary{}, err
	}
	if len(rows) < 2 {
		return Summary{}, eris.Errorf("importer: %s has no data rows", path)
	}

	cols, err := mapHeader(rows[0])
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	var raws []model.RawRequest
	for _, row := range rows[1:] {
		summary.Rows++
		raw, ok := cols.toRawRequest(row)
		if !ok {
			summary.Skipped++
			continue
		}
		raws = append(raws, raw)
	}

	observedAt := time.Now().UTC()
	var accepted, failedBatches atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Concurrency)

	for start := 0; start < len(raws); start += im.cfg.BatchSize {
		end := start + im.cfg.BatchSize
		if end > len(raws) {
			end = len(raws)
		}
		batch := raws[start:end]

		g.Go(func() error {
			recorded, err := im.recorder.Record(gctx, batch, requesterID, observedAt)
			if err != nil {
				failedBatches.Add(1)
				zap.L().Error("importer: batch failed",
					zap.Int("batch_size", len(batch)),
					zap.Error(err),
				)
				return nil // don't abort the import on individual batch failure
			}
			accepted.Add(int64(len(recorded)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, eris.Wrap(err, "importer: record batches")
	}

	summary.Accepted = int(accepted.Load())
	summary.FailedBatches = int(failedBatches.Load())

	zap.L().Info("importer: file imported",
		zap.String("path", path),
		zap.Int("rows", summary.Rows),
		zap.Int("accepted", summary.Accepted),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed_batches", summary.FailedBatches),
	)
	return summary, nil
}

// columnMap holds header indices; -1 means absent.
type columnMap struct {
	term   int
	kind   int
	reason int
	scope  int
	hint   int
}

func mapHeader(header []string) (columnMap, error) {
	cols := columnMap{term: -1, kind: -1, reason: -1, scope: -1, hint: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "term", "query":
			cols.term = i
		case "entity_kind", "kind":
			cols.kind = i
		case "reason":
			cols.reason = i
		case "location_scope", "scope":
			cols.scope = i
		case "result_count_hint", "results":
			cols.hint = i
		}
	}
	if cols.term < 0 {
		return cols, eris.New("importer: header has no term column")
	}
	return cols, nil
}

func (c columnMap) toRawRequest(row []string) (model.RawRequest, bool) {
	raw := model.RawRequest{Reason: model.ReasonUnresolvedQuery}

	raw.Term = cell(row, c.term)
	if raw.Term == "" {
		return raw, false
	}
	raw.EntityKind = cell(row, c.kind)
	if raw.EntityKind == "" {
		return raw, false
	}
	if reason := cell(row, c.reason); reason != "" {
		raw.Reason = model.RequestReason(reason)
	}
	raw.LocationScope = cell(row, c.scope)
	if hint := cell(row, c.hint); hint != "" {
		if n, err := strconv.Atoi(hint); err == nil && n > 0 {
			raw.ResultCountHint = n
		}
	}
	return raw, true
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: open %s", path)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "importer: parse %s", path)
	}
	return rows, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("importer: %s has no sheets", path)
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
