package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pos-report-service/internal/models"
)

type document struct {
	ProcessedEmails map[string]models.ProcessedEntry `json:"processedEmails"`
	Records         []*models.ParsedReport           `json:"records"`
	LastUpdate      time.Time                        `json:"lastUpdate,omitzero"`
	RecordsChanged  time.Time                        `json:"recordsChangedAt,omitzero"`
	SheetSynced     time.Time                        `json:"sheetSyncedAt,omitzero"`
}

type documentState struct {
	processed  map[string]models.ProcessedEntry
	records    map[string]*models.ParsedReport
	lastUpdate time.Time
	sheet      SheetState
}

func (s *documentState) clone() *documentState {
	c := &documentState{
		processed:  make(map[string]models.ProcessedEntry, len(s.processed)),
		records:    make(map[string]*models.ParsedReport, len(s.records)),
		lastUpdate: s.lastUpdate,
		sheet:      s.sheet,
	}
	for id, e := range s.processed {
		c.processed[id] = e
	}
	for date, r := range s.records {
		c.records[date] = r.Clone()
	}
	return c
}

type documentRepository struct {
	mu    sync.RWMutex
	path  string
	state *documentState
	now   func() time.Time
}

// NewDocumentRepository opens the JSON snapshot at path. A missing file is an
// empty store; it is created on the first commit.
func NewDocumentRepository(path string) (ReportRepository, error) {
	state, err := loadDocument(path)
	if err != nil {
		return nil, err
	}
	return &documentRepository{path: path, state: state, now: time.Now}, nil
}

func loadDocument(path string) (*documentState, error) {
	state := &documentState{
		processed: make(map[string]models.ProcessedEntry),
		records:   make(map[string]*models.ParsedReport),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode store document: %w", err)
	}

	for id, e := range doc.ProcessedEmails {
		state.processed[id] = e
	}
	for _, r := range doc.Records {
		if r == nil {
			continue
		}
		if _, ok := state.records[r.ReportDate()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateReportDate, r.ReportDate())
		}
		state.records[r.ReportDate()] = r
	}
	state.lastUpdate = doc.LastUpdate
	state.sheet = SheetState{RecordsChangedAt: doc.RecordsChanged, SyncedAt: doc.SheetSynced}
	return state, nil
}

func (r *documentRepository) Get(ctx context.Context, reportDate string) (*models.ParsedReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.state.records[reportDate]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *documentRepository) AllRecords(ctx context.Context) ([]*models.ParsedReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*models.ParsedReport, 0, len(r.state.records))
	for _, rec := range r.state.records {
		records = append(records, rec.Clone())
	}
	sortRecords(records)
	return records, nil
}

func (r *documentRepository) ConsumedMessageIDs(ctx context.Context) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]struct{}, len(r.state.processed))
	for id := range r.state.processed {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (r *documentRepository) ProcessedIndex(ctx context.Context) (map[string]models.ProcessedEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index := make(map[string]models.ProcessedEntry, len(r.state.processed))
	for id, e := range r.state.processed {
		index[id] = e
	}
	return index, nil
}

func (r *documentRepository) LastUpdate(ctx context.Context) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.lastUpdate, nil
}

func (r *documentRepository) WithTx(ctx context.Context, fn func(tx ReportTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	next := r.state.clone()
	tx := &documentTx{state: next}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	now := r.now().UTC()
	next.lastUpdate = now
	if tx.recordsChanged {
		next.sheet.RecordsChangedAt = now
	}

	if err := r.write(next); err != nil {
		return err
	}
	r.state = next
	return nil
}

func (r *documentRepository) SheetState(ctx context.Context) (SheetState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.sheet, nil
}

func (r *documentRepository) MarkSheetSynced(ctx context.Context, recordsChangedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.clone()
	next.sheet.SyncedAt = recordsChangedAt.UTC()
	if err := r.write(next); err != nil {
		return err
	}
	r.state = next
	return nil
}

// write persists state with a temp file and rename so a crash never leaves a
// half-written document behind.
func (r *documentRepository) write(state *documentState) error {
	doc := document{
		ProcessedEmails: state.processed,
		Records:         make([]*models.ParsedReport, 0, len(state.records)),
		LastUpdate:      state.lastUpdate,
		RecordsChanged:  state.sheet.RecordsChangedAt,
		SheetSynced:     state.sheet.SyncedAt,
	}
	for _, rec := range state.records {
		doc.Records = append(doc.Records, rec)
	}
	sortRecords(doc.Records)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store document: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store document: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace store document: %w", err)
	}
	return nil
}

type documentTx struct {
	state          *documentState
	dirty          bool
	recordsChanged bool
}

func (tx *documentTx) Get(reportDate string) (*models.ParsedReport, error) {
	rec, ok := tx.state.records[reportDate]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (tx *documentTx) HashOwner(hash string) (string, error) {
	for date, rec := range tx.state.records {
		if rec.ContentHash == hash {
			return date, nil
		}
	}
	return "", nil
}

func (tx *documentTx) Consumed(messageID string) (bool, error) {
	_, ok := tx.state.processed[messageID]
	return ok, nil
}

func (tx *documentTx) Put(report *models.ParsedReport) error {
	if report.ReportDate() == "" {
		return errors.New("report has no report date")
	}
	tx.state.records[report.ReportDate()] = report.Clone()
	tx.dirty, tx.recordsChanged = true, true
	return nil
}

func (tx *documentTx) Remove(reportDate string) error {
	if _, ok := tx.state.records[reportDate]; !ok {
		return ErrNotFound
	}
	delete(tx.state.records, reportDate)
	tx.dirty, tx.recordsChanged = true, true
	return nil
}

func (tx *documentTx) MarkConsumed(messageID string, entry models.ProcessedEntry) error {
	tx.state.processed[messageID] = entry
	tx.dirty = true
	return nil
}

func (tx *documentTx) Supersede(messageID, by string) error {
	entry, ok := tx.state.processed[messageID]
	if !ok {
		return nil
	}
	entry.Decision = models.DecisionSuperseded
	entry.SupersededBy = by
	tx.state.processed[messageID] = entry
	tx.dirty = true
	return nil
}
