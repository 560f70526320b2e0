package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
)

// Compile-time interface check.
var _ FillStore = (*ParquetFillArchive)(nil)

// ParquetFillArchive implements FillStore using Parquet files on disk. Fills
// are grouped per symbol and date:
//
//	<DataDir>/fills/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// Writes merge with existing records (dedup by venue order id + seq), so
// re-archiving after a crash is idempotent.
type ParquetFillArchive struct {
	DataDir string
}

// NewParquetFillArchive creates an archive rooted at the given data directory.
func NewParquetFillArchive(dataDir string) *ParquetFillArchive {
	return &ParquetFillArchive{DataDir: dataDir}
}

// FillRecord is the Parquet schema for archived fill events.
type FillRecord struct {
	Symbol       string `parquet:"symbol"`
	VenueOrderID string `parquet:"venue_order_id"`
	Seq          int64  `parquet:"seq"`
	Qty          int64  `parquet:"qty"`
	Price        string `parquet:"price"` // decimal string, exact
	Timestamp    int64  `parquet:"timestamp,timestamp(millisecond)"`
}

// WriteFills appends fill events for a symbol to the archive.
func (a *ParquetFillArchive) WriteFills(_ context.Context, symbol string, fills []domain.FillEvent) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillRecord)
	for _, f := range fills {
		date := f.Timestamp.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRecord{
			Symbol:       symbol,
			VenueOrderID: f.VenueOrderID,
			Seq:          f.Seq,
			Qty:          f.Qty,
			Price:        f.Price.String(),
			Timestamp:    f.Timestamp.UnixMilli(),
		})
	}

	for date, records := range groups {
		path := a.fillPath(symbol, date)

		existing, _ := readParquetFile[FillRecord](path)
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s/%s: %w", symbol, date, err)
		}
	}
	return nil
}

// ReadFills returns archived fills for the symbol within [start, end].
func (a *ParquetFillArchive) ReadFills(_ context.Context, symbol string, start, end time.Time) ([]domain.FillEvent, error) {
	var fills []domain.FillEvent
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := a.fillPath(symbol, d.Format("2006-01-02"))
		records, err := readParquetFile[FillRecord](path)
		if err != nil {
			// No archive file for this date.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			price, err := decimal.NewFromString(r.Price)
			if err != nil {
				return nil, fmt.Errorf("parsing archived price %q: %w", r.Price, err)
			}
			fills = append(fills, domain.FillEvent{
				VenueOrderID: r.VenueOrderID,
				Seq:          r.Seq,
				Qty:          r.Qty,
				Price:        price,
				Timestamp:    ts,
			})
		}
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].VenueOrderID != fills[j].VenueOrderID {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		}
		return fills[i].Seq < fills[j].Seq
	})
	return fills, nil
}

// fillPath returns the archive path for one symbol and date.
func (a *ParquetFillArchive) fillPath(symbol, date string) string {
	return filepath.Join(a.DataDir, "fills", strings.ToUpper(symbol), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeFillRecords deduplicates by (venue order id, seq), preferring new
// records. Results are sorted by timestamp then seq.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	type key struct {
		venueID string
		seq     int64
	}
	seen := make(map[key]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.VenueOrderID, r.Seq}] = r
	}
	for _, r := range incoming {
		seen[key{r.VenueOrderID, r.Seq}] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
