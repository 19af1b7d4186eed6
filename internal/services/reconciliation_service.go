package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pos-report-service/internal/logger"
	"pos-report-service/internal/matching"
	"pos-report-service/internal/metrics"
	"pos-report-service/internal/models"
	"pos-report-service/internal/repositories"
)

type ReconciliationService struct {
	repo        repositories.ReportRepository
	matchEngine *matching.MatchEngine
	log         *zap.Logger
	now         func() time.Time
}

func NewReconciliationService(repo repositories.ReportRepository, log *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		repo:        repo,
		matchEngine: matching.NewMatchEngine(),
		log:         log,
		now:         time.Now,
	}
}

// Outcome is the terminal decision taken for one message.
type Outcome struct {
	MessageID         string `json:"message_id"`
	ReportDate        string `json:"report_date"`
	ContentHash       string `json:"content_hash"`
	Decision          string `json:"decision"`
	Reason            string `json:"reason,omitempty"`
	Anomaly           string `json:"anomaly,omitempty"`
	ReplacedMessageID string `json:"replaced_message_id,omitempty"`
}

// Reconcile decides what to do with candidate and applies the decision in a
// single store transaction: the record change and the consumed mark commit
// together or not at all. The candidate's SourceMessageID identifies the
// delivery being consumed.
func (s *ReconciliationService) Reconcile(ctx context.Context, candidate *models.ParsedReport, forwarded bool) (*Outcome, error) {
	if candidate == nil || candidate.SourceMessageID == "" {
		return nil, errors.New("candidate has no source message id")
	}
	if candidate.ReportDate() == "" {
		return nil, errors.New("candidate has no report date")
	}

	candidate = candidate.Clone()
	candidate.Forwarded = forwarded
	candidate.ContentHash = matching.Identify(candidate)

	outcome := &Outcome{
		MessageID:   candidate.SourceMessageID,
		ReportDate:  candidate.ReportDate(),
		ContentHash: candidate.ContentHash,
	}

	err := s.repo.WithTx(ctx, func(tx repositories.ReportTx) error {
		consumed, err := tx.Consumed(candidate.SourceMessageID)
		if err != nil {
			return err
		}
		if consumed {
			outcome.Decision = models.DecisionSkip
			outcome.Reason = models.ReasonAlreadyConsumed
			return nil
		}

		existing, err := tx.Get(candidate.ReportDate())
		if errors.Is(err, repositories.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return fmt.Errorf("failed to load record %s: %w", candidate.ReportDate(), err)
		}

		var hashOwner string
		if existing == nil {
			if hashOwner, err = tx.HashOwner(candidate.ContentHash); err != nil {
				return err
			}
		}

		result := s.matchEngine.Decide(candidate, forwarded, existing, hashOwner)
		candidate.ContentHash = result.Hash
		outcome.ContentHash = result.Hash
		outcome.Decision = result.Decision
		outcome.Reason = result.Reason
		outcome.Anomaly = result.Anomaly

		switch result.Decision {
		case models.DecisionInsert:
			if err := tx.Put(candidate); err != nil {
				return fmt.Errorf("failed to insert record: %w", err)
			}
		case models.DecisionReplace:
			replaced := result.Replaced
			if err := tx.Remove(replaced.ReportDate()); err != nil {
				return fmt.Errorf("failed to remove superseded record: %w", err)
			}
			if replaced.SourceMessageID != "" {
				if err := tx.Supersede(replaced.SourceMessageID, candidate.SourceMessageID); err != nil {
					return err
				}
				outcome.ReplacedMessageID = replaced.SourceMessageID
			}
			if err := tx.Put(candidate); err != nil {
				return fmt.Errorf("failed to insert replacement record: %w", err)
			}
		}

		return tx.MarkConsumed(candidate.SourceMessageID, models.ProcessedEntry{
			ReportDate:  candidate.ReportDate(),
			ContentHash: candidate.ContentHash,
			Decision:    result.Decision,
			ProcessedAt: s.now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile message %s: %w", candidate.SourceMessageID, err)
	}

	s.record(ctx, outcome)
	return outcome, nil
}

func (s *ReconciliationService) record(ctx context.Context, o *Outcome) {
	log := logger.WithBatch(ctx, s.log).With(
		zap.String("message_id", o.MessageID),
		zap.String("report_date", o.ReportDate),
		zap.String("decision", o.Decision),
	)

	metrics.IncrementDecision(o.Decision, o.Reason)
	if o.Anomaly != "" {
		metrics.IncrementAnomaly(o.Anomaly)
		log.Warn("Reconciliation anomaly needs review",
			zap.String("anomaly", o.Anomaly),
			zap.String("content_hash", o.ContentHash),
		)
		return
	}

	switch o.Decision {
	case models.DecisionReplace:
		log.Info("Replaced incomplete record", zap.String("replaced_message_id", o.ReplacedMessageID))
	case models.DecisionInsert:
		log.Info("Inserted record")
	default:
		log.Debug("Skipped candidate", zap.String("reason", o.Reason))
	}
}

// ListReports returns every authoritative record, newest first.
func (s *ReconciliationService) ListReports(ctx context.Context) ([]*models.ParsedReport, error) {
	records, err := s.repo.AllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return records, nil
}

func (s *ReconciliationService) GetReport(ctx context.Context, reportDate string) (*models.ParsedReport, error) {
	rec, err := s.repo.Get(ctx, reportDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", reportDate, err)
	}
	return rec, nil
}

type ProcessedStatus struct {
	LastUpdate time.Time                        `json:"last_update"`
	Entries    map[string]models.ProcessedEntry `json:"entries"`
}

func (s *ReconciliationService) ProcessedStatus(ctx context.Context) (*ProcessedStatus, error) {
	index, err := s.repo.ProcessedIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get processed index: %w", err)
	}
	last, err := s.repo.LastUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get last update: %w", err)
	}
	return &ProcessedStatus{LastUpdate: last, Entries: index}, nil
}
