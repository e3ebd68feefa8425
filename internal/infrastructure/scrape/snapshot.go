// Package scrape loads supplier snapshots produced by the scraping jobs.
// A snapshot is a JSON-lines file, one scraped product per line, written
// by the crawler after each supplier pass.
package scrape

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/suppliersync/backend/internal/domain/reconcile"
)

// snapshotLine is the on-disk shape of one scraped product. Branch
// quantities arrive as a string-keyed object so new branches need no code
// change.
type snapshotLine struct {
	Code        string                     `json:"code"`
	Description string                     `json:"description"`
	Brand       string                     `json:"brand"`
	Branches    map[string]decimal.Decimal `json:"branches"`
	Price       *decimal.Decimal           `json:"price"`
	Currency    string                     `json:"currency"`
}

// LoadResult pairs the usable records with a count of lines that could
// not be parsed. Malformed lines are dropped, never fatal: a snapshot
// with a few broken rows is still worth syncing.
type LoadResult struct {
	Records   []reconcile.ScrapedRecord
	Malformed int
}

// Load reads a snapshot file.
func Load(path string, logger *zap.Logger) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	return Read(f, logger)
}

// Read parses snapshot lines from r.
func Read(r io.Reader, logger *zap.Logger) (LoadResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var result LoadResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line snapshotLine
		if err := json.Unmarshal(raw, &line); err != nil {
			result.Malformed++
			logger.Warn("dropping malformed snapshot line",
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		if line.Code == "" {
			result.Malformed++
			logger.Warn("dropping snapshot line without code", zap.Int("line", lineNo))
			continue
		}

		result.Records = append(result.Records, reconcile.ScrapedRecord{
			RawCode:      line.Code,
			Description:  line.Description,
			Brand:        line.Brand,
			Availability: reconcile.AvailabilitySignal{Branches: line.Branches},
			Price:        line.Price,
			Currency:     line.Currency,
		})
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading snapshot: %w", err)
	}

	logger.Info("snapshot loaded",
		zap.Int("records", len(result.Records)),
		zap.Int("malformed", result.Malformed))
	return result, nil
}
