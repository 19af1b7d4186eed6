package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pos-report-service/internal/logger"
	"pos-report-service/internal/metrics"
	"pos-report-service/internal/projection"
	"pos-report-service/internal/repositories"
)

// SheetSink is a spreadsheet that accepts whole-sheet rewrites.
type SheetSink interface {
	ClearRange(ctx context.Context, sheet string) error
	WriteRows(ctx context.Context, sheet string, rows [][]any) error
}

type SheetSyncService struct {
	repo repositories.ReportRepository
	sink SheetSink
	log  *zap.Logger
}

func NewSheetSyncService(repo repositories.ReportRepository, sink SheetSink, log *zap.Logger) *SheetSyncService {
	return &SheetSyncService{repo: repo, sink: sink, log: log}
}

// SyncResult maps each sheet to the data rows written to it.
type SyncResult struct {
	Rows map[string]int `json:"rows"`
}

// Pending reports whether records changed since the last successful push,
// including changes whose push failed.
func (s *SheetSyncService) Pending(ctx context.Context) (bool, error) {
	state, err := s.repo.SheetState(ctx)
	if err != nil {
		return false, err
	}
	return state.Pending(), nil
}

// Sync rebuilds every sheet from the store and, once every sheet is written,
// marks the store's current record changes as pushed.
func (s *SheetSyncService) Sync(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	result, err := s.sync(ctx)
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.RecordSheetSyncDuration(status, time.Since(start))
	return result, err
}

func (s *SheetSyncService) sync(ctx context.Context) (*SyncResult, error) {
	state, err := s.repo.SheetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet state: %w", err)
	}
	records, err := s.repo.AllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load records for projection: %w", err)
	}

	result := &SyncResult{Rows: make(map[string]int)}
	for _, table := range projection.Project(records).All() {
		if err := s.sink.ClearRange(ctx, table.Sheet); err != nil {
			return result, fmt.Errorf("failed to clear sheet %s: %w", table.Sheet, err)
		}
		if err := s.sink.WriteRows(ctx, table.Sheet, table.Rows); err != nil {
			return result, fmt.Errorf("failed to write sheet %s: %w", table.Sheet, err)
		}
		result.Rows[table.Sheet] = table.DataRows()
	}
	if err := s.repo.MarkSheetSynced(ctx, state.RecordsChangedAt); err != nil {
		return result, fmt.Errorf("failed to record sheet push: %w", err)
	}

	logger.WithBatch(ctx, s.log).Info("Sheets updated",
		zap.Int("records", len(records)),
		zap.Any("rows", result.Rows),
	)
	return result, nil
}
