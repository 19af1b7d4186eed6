package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-report-service/internal/extraction"
	"pos-report-service/internal/locking"
	"pos-report-service/internal/logger"
	"pos-report-service/internal/metrics"
	"pos-report-service/internal/models"
	"pos-report-service/internal/repositories"
)

var ErrNoHTMLBody = errors.New("message has no HTML body")

// MailSource lists and fetches report deliveries.
type MailSource interface {
	ListMessageIDs(ctx context.Context, label string) ([]string, error)
	GetMessage(ctx context.Context, id string) (*models.RawMessage, error)
}

// ExtractionError marks a message whose body yielded no report. Such
// messages stay unconsumed and are retried by the next batch.
type ExtractionError struct {
	MessageID string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract report from message %s: %v", e.MessageID, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

type IngestionService struct {
	mail       MailSource
	label      string
	parser     *extraction.Parser
	reconciler *ReconciliationService
	sheets     *SheetSyncService
	repo       repositories.ReportRepository
	locker     locking.Locker
	log        *zap.Logger
	now        func() time.Time
}

// NewIngestionService wires the batch pipeline. sheets may be nil, in which
// case batches only update the store.
func NewIngestionService(
	mail MailSource,
	label string,
	parser *extraction.Parser,
	reconciler *ReconciliationService,
	sheets *SheetSyncService,
	repo repositories.ReportRepository,
	locker locking.Locker,
	log *zap.Logger,
) *IngestionService {
	return &IngestionService{
		mail:       mail,
		label:      label,
		parser:     parser,
		reconciler: reconciler,
		sheets:     sheets,
		repo:       repo,
		locker:     locker,
		log:        log,
		now:        time.Now,
	}
}

type Failure struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject,omitempty"`
	Error     string `json:"error"`
}

type BatchResult struct {
	BatchID      string      `json:"batch_id"`
	Success      bool        `json:"success"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Fetched      int         `json:"fetched"`
	Processed    int         `json:"processed"`
	Inserted     int         `json:"inserted"`
	Replaced     int         `json:"replaced"`
	Skipped      int         `json:"skipped"`
	Failed       int         `json:"failed"`
	TotalRecords int         `json:"total_records"`
	SheetSynced  bool        `json:"sheet_synced"`
	SheetRows    *SyncResult `json:"sheet_rows,omitempty"`
	Outcomes     []*Outcome  `json:"outcomes,omitempty"`
	Anomalies    []*Outcome  `json:"anomalies,omitempty"`
	Failures     []Failure   `json:"failures,omitempty"`
	Errors       []string    `json:"errors,omitempty"`
}

func (r *BatchResult) add(o *Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Reason == models.ReasonAlreadyConsumed {
		return
	}
	r.Processed++
	switch o.Decision {
	case models.DecisionInsert:
		r.Inserted++
	case models.DecisionReplace:
		r.Replaced++
	default:
		r.Skipped++
	}
	if o.Anomaly != "" {
		r.Anomalies = append(r.Anomalies, o)
	}
}

// RunBatch pulls every unconsumed message, reconciles them one at a time and
// pushes the projection when records changed since the last successful push,
// so a push that failed in an earlier batch is retried. All messages are fetched
// before the store is touched, so a source failure leaves it unchanged.
// Each decision is committed before the next message is looked at; on error
// the partial result is returned along with it.
func (s *IngestionService) RunBatch(ctx context.Context) (*BatchResult, error) {
	release, err := s.locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &BatchResult{BatchID: uuid.NewString(), StartedAt: s.now().UTC()}
	ctx = logger.ContextWithBatchID(ctx, result.BatchID)
	log := logger.WithBatch(ctx, s.log)
	log.Info("Batch started", zap.String("label", s.label))

	err = s.runBatch(ctx, result)
	result.FinishedAt = s.now().UTC()
	result.Success = err == nil

	status := "success"
	if err != nil {
		status = "failed"
		result.Errors = append(result.Errors, err.Error())
		log.Error("Batch failed", zap.Error(err))
	}
	metrics.RecordBatchDuration(status, result.FinishedAt.Sub(result.StartedAt))

	log.Info("Batch finished",
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("replaced", result.Replaced),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("anomalies", len(result.Anomalies)),
		zap.Int("total_records", result.TotalRecords),
	)
	return result, err
}

func (s *IngestionService) runBatch(ctx context.Context, result *BatchResult) error {
	messages, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	result.Fetched = len(messages)
	orderMessages(messages)

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := s.IngestMessage(ctx, msg)
		var extractErr *ExtractionError
		if errors.As(err, &extractErr) {
			result.Failed++
			result.Failures = append(result.Failures, Failure{MessageID: msg.ID, Subject: msg.Subject, Error: extractErr.Err.Error()})
			continue
		}
		if err != nil {
			return err
		}
		result.add(outcome)
	}

	rows, synced, err := s.syncSheets(ctx)
	result.SheetRows = rows
	result.SheetSynced = synced
	if err != nil {
		return err
	}

	records, err := s.repo.AllRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}
	result.TotalRecords = len(records)
	return nil
}

// fetch loads every message under the label that is not consumed yet.
func (s *IngestionService) fetch(ctx context.Context) ([]*models.RawMessage, error) {
	consumed, err := s.repo.ConsumedMessageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load processed index: %w", err)
	}

	ids, err := s.mail.ListMessageIDs(ctx, s.label)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var messages []*models.RawMessage
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := consumed[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		msg, err := s.mail.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// syncSheets pushes the projection when the sheets lag behind the records.
func (s *IngestionService) syncSheets(ctx context.Context) (*SyncResult, bool, error) {
	if s.sheets == nil {
		return nil, false, nil
	}
	pending, err := s.sheets.Pending(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read sheet state: %w", err)
	}
	if !pending {
		return nil, false, nil
	}
	rows, err := s.sheets.Sync(ctx)
	if err != nil {
		return rows, false, fmt.Errorf("failed to sync sheets: %w", err)
	}
	return rows, true, nil
}

// orderMessages puts originals before forwards and newer deliveries first.
func orderMessages(messages []*models.RawMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if a.Forwarded != b.Forwarded {
			return !a.Forwarded
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.After(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// IngestMessage extracts and reconciles a single message.
func (s *IngestionService) IngestMessage(ctx context.Context, msg *models.RawMessage) (*Outcome, error) {
	report, err := s.extract(msg)
	if err != nil {
		logger.WithBatch(ctx, s.log).Warn("Message left unconsumed",
			zap.String("message_id", msg.ID),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return nil, err
	}
	return s.reconciler.Reconcile(ctx, report, msg.Forwarded)
}

func (s *IngestionService) extract(msg *models.RawMessage) (*models.ParsedReport, error) {
	if msg.HTMLBody == "" {
		metrics.IncrementExtractionFailure("no_html_body")
		return nil, &ExtractionError{MessageID: msg.ID, Err: ErrNoHTMLBody}
	}

	report, err := s.parser.Parse(msg.HTMLBody)
	if err != nil {
		cause := "parse_error"
		if errors.Is(err, extraction.ErrNoReportDate) {
			cause = "no_report_date"
		}
		metrics.IncrementExtractionFailure(cause)
		return nil, &ExtractionError{MessageID: msg.ID, Err: err}
	}

	report.SourceMessageID = msg.ID
	report.Subject = msg.Subject
	report.EmailDate = msg.DateHeader
	report.ParsedAt = s.now().UTC()
	return report, nil
}

// IngestByID pulls one message from the mail source and reconciles it,
// whether or not it carries the batch label. It holds the batch lock so it
// never interleaves with RunBatch, and pushes the projection when the sheets
// lag behind the records.
func (s *IngestionService) IngestByID(ctx context.Context, id string) (*Outcome, error) {
	release, err := s.locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logger.ContextWithBatchID(ctx, uuid.NewString())
	msg, err := s.mail.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
	}

	outcome, err := s.IngestMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if _, _, err := s.syncSheets(ctx); err != nil {
		return outcome, err
	}
	return outcome, nil
}
