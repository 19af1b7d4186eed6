package repositories

import (
	"context"
	"errors"
	"sort"
	"time"

	"pos-report-service/internal/models"
)

var (
	ErrNotFound            = errors.New("report not found")
	ErrDuplicateReportDate = errors.New("duplicate report date in store")
)

// ReportRepository holds one authoritative record per report date together
// with the index of consumed message ids. Writes only happen through WithTx.
type ReportRepository interface {
	Get(ctx context.Context, reportDate string) (*models.ParsedReport, error)
	AllRecords(ctx context.Context) ([]*models.ParsedReport, error)
	ConsumedMessageIDs(ctx context.Context) (map[string]struct{}, error)
	ProcessedIndex(ctx context.Context) (map[string]models.ProcessedEntry, error)
	LastUpdate(ctx context.Context) (time.Time, error)
	SheetState(ctx context.Context) (SheetState, error)
	// MarkSheetSynced records that the sheets reflect every record change up
	// to recordsChangedAt. It does not touch LastUpdate.
	MarkSheetSynced(ctx context.Context, recordsChangedAt time.Time) error
	// WithTx runs fn against a transactional view of the store. When fn
	// returns an error nothing it did is visible afterwards; when fn writes
	// nothing the store, LastUpdate included, is left as it was.
	WithTx(ctx context.Context, fn func(tx ReportTx) error) error
}

// SheetState tracks whether the sheet projection lags behind the records.
type SheetState struct {
	// RecordsChangedAt is stamped by every commit that puts or removes a
	// record.
	RecordsChangedAt time.Time
	// SyncedAt is the RecordsChangedAt the last successful push reflected.
	SyncedAt time.Time
}

// Pending reports whether records changed since the last successful push.
func (s SheetState) Pending() bool {
	return s.RecordsChangedAt.After(s.SyncedAt)
}

type ReportTx interface {
	Get(reportDate string) (*models.ParsedReport, error)
	// HashOwner returns the report date of the record carrying hash, or ""
	// when no record does.
	HashOwner(hash string) (string, error)
	Consumed(messageID string) (bool, error)
	Put(report *models.ParsedReport) error
	Remove(reportDate string) error
	MarkConsumed(messageID string, entry models.ProcessedEntry) error
	// Supersede flags the entry of a message whose record was replaced.
	Supersede(messageID, by string) error
}

// sortRecords orders records by report date, newest first. Dates that do not
// parse go last, ordered by their raw text.
func sortRecords(records []*models.ParsedReport) {
	sort.SliceStable(records, func(i, j int) bool {
		a, okA := models.ParseReportDate(records[i].ReportDate())
		b, okB := models.ParseReportDate(records[j].ReportDate())
		switch {
		case okA && okB:
			return a.After(b)
		case okA != okB:
			return okA
		default:
			return records[i].ReportDate() < records[j].ReportDate()
		}
	})
}
