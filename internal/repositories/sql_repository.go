package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-report-service/internal/database"
	"pos-report-service/internal/models"
)

const (
	lastUpdateKey       = "last_update"
	recordsChangedAtKey = "records_changed_at"
	sheetSyncedAtKey    = "sheet_synced_at"
)

type sqlRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLRepository stores reports in the tables created by the migrations in
// migrations/. Queries stick to syntax shared by MySQL and SQLite.
func NewSQLRepository(db *sql.DB) ReportRepository {
	return &sqlRepository{db: db, now: time.Now}
}

// queryer is the part of *sql.DB and *sql.Tx the read paths need.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqlRepository) Get(ctx context.Context, reportDate string) (*models.ParsedReport, error) {
	return getReport(ctx, r.db, reportDate)
}

func (r *sqlRepository) AllRecords(ctx context.Context) ([]*models.ParsedReport, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM reports`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var records []*models.ParsedReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeReport(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

func (r *sqlRepository) ConsumedMessageIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT message_id FROM processed_emails`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed emails: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (r *sqlRepository) ProcessedIndex(ctx context.Context) (map[string]models.ProcessedEntry, error) {
	query := `
		SELECT message_id, report_date, content_hash, decision, superseded_by, processed_at
		FROM processed_emails
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed emails: %w", err)
	}
	defer rows.Close()

	index := make(map[string]models.ProcessedEntry)
	for rows.Next() {
		var (
			id          string
			entry       models.ProcessedEntry
			processedAt string
		)
		if err := rows.Scan(&id, &entry.ReportDate, &entry.ContentHash, &entry.Decision, &entry.SupersededBy, &processedAt); err != nil {
			return nil, err
		}
		entry.ProcessedAt = parseStoredTime(processedAt)
		index[id] = entry
	}
	return index, rows.Err()
}

func (r *sqlRepository) LastUpdate(ctx context.Context) (time.Time, error) {
	t, err := readMetaTime(ctx, r.db, lastUpdateKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last update: %w", err)
	}
	return t, nil
}

func (r *sqlRepository) SheetState(ctx context.Context) (SheetState, error) {
	var state SheetState
	var err error
	if state.RecordsChangedAt, err = readMetaTime(ctx, r.db, recordsChangedAtKey); err != nil {
		return SheetState{}, fmt.Errorf("failed to read sheet state: %w", err)
	}
	if state.SyncedAt, err = readMetaTime(ctx, r.db, sheetSyncedAtKey); err != nil {
		return SheetState{}, fmt.Errorf("failed to read sheet state: %w", err)
	}
	return state, nil
}

func (r *sqlRepository) MarkSheetSynced(ctx context.Context, recordsChangedAt time.Time) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return writeMeta(ctx, tx, sheetSyncedAtKey, formatStoredTime(recordsChangedAt))
	})
}

func (r *sqlRepository) WithTx(ctx context.Context, fn func(tx ReportTx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		t := &sqlTx{ctx: ctx, tx: tx}
		if err := fn(t); err != nil {
			return err
		}
		if !t.dirty {
			return nil
		}

		now := formatStoredTime(r.now())
		if err := writeMeta(ctx, tx, lastUpdateKey, now); err != nil {
			return fmt.Errorf("failed to stamp last update: %w", err)
		}
		if t.recordsChanged {
			if err := writeMeta(ctx, tx, recordsChangedAtKey, now); err != nil {
				return fmt.Errorf("failed to stamp record change: %w", err)
			}
		}
		return nil
	})
}

func readMetaTime(ctx context.Context, q queryer, key string) (time.Time, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT meta_value FROM store_meta WHERE meta_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseStoredTime(value), nil
}

func writeMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM store_meta WHERE meta_key = ?`, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO store_meta (meta_key, meta_value) VALUES (?, ?)`, key, value)
	return err
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx

	dirty          bool
	recordsChanged bool
}

func (t *sqlTx) Get(reportDate string) (*models.ParsedReport, error) {
	return getReport(t.ctx, t.tx, reportDate)
}

func (t *sqlTx) HashOwner(hash string) (string, error) {
	var date string
	err := t.tx.QueryRowContext(t.ctx, `SELECT report_date FROM reports WHERE content_hash = ? LIMIT 1`, hash).Scan(&date)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up hash owner: %w", err)
	}
	return date, nil
}

func (t *sqlTx) Consumed(messageID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM processed_emails WHERE message_id = ?`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check processed entry: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) Put(report *models.ParsedReport) error {
	if report.ReportDate() == "" {
		return errors.New("report has no report date")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM reports WHERE report_date = ?`, report.ReportDate()); err != nil {
		return fmt.Errorf("failed to clear report slot: %w", err)
	}
	query := `
		INSERT INTO reports (
			report_date, content_hash, source_message_id, payload, parsed_at
		) VALUES (?, ?, ?, ?, ?)
	`
	_, err = t.tx.ExecContext(t.ctx, query,
		report.ReportDate(),
		report.ContentHash,
		report.SourceMessageID,
		string(payload),
		formatStoredTime(report.ParsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	t.dirty, t.recordsChanged = true, true
	return nil
}

func (t *sqlTx) Remove(reportDate string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM reports WHERE report_date = ?`, reportDate)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	t.dirty, t.recordsChanged = true, true
	return nil
}

func (t *sqlTx) MarkConsumed(messageID string, entry models.ProcessedEntry) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM processed_emails WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to clear processed entry: %w", err)
	}
	query := `
		INSERT INTO processed_emails (
			message_id, report_date, content_hash, decision, superseded_by, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := t.tx.ExecContext(t.ctx, query,
		messageID,
		entry.ReportDate,
		entry.ContentHash,
		entry.Decision,
		entry.SupersededBy,
		formatStoredTime(entry.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert processed entry: %w", err)
	}
	t.dirty = true
	return nil
}

func (t *sqlTx) Supersede(messageID, by string) error {
	query := `
		UPDATE processed_emails
		SET decision = ?, superseded_by = ?
		WHERE message_id = ?
	`
	if _, err := t.tx.ExecContext(t.ctx, query, models.DecisionSuperseded, by, messageID); err != nil {
		return fmt.Errorf("failed to supersede processed entry: %w", err)
	}
	t.dirty = true
	return nil
}

func getReport(ctx context.Context, q queryer, reportDate string) (*models.ParsedReport, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM reports WHERE report_date = ?`, reportDate).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	return decodeReport(payload)
}

func decodeReport(payload string) (*models.ParsedReport, error) {
	var rec models.ParsedReport
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rec, nil
}

// Times are kept as RFC 3339 text so both drivers round-trip them without
// driver-specific parseTime settings.
func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
