package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-report-service/internal/locking"
	"pos-report-service/internal/models"
	"pos-report-service/internal/projection"
	"pos-report-service/internal/repositories"
)

var day = time.Date(2025, 7, 15, 6, 0, 0, 0, time.UTC)

func TestRunBatchInsertsAndSyncsSheets(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("13/07/2025 06:00", "13/07/2025 23:59", "1.850,00", 3), day.Add(-48*time.Hour)),
		message("m2", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "920,00", 2), day.Add(-24*time.Hour)),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.BatchID)
	require.Equal(t, 2, res.Fetched)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 2, res.Inserted)
	require.Equal(t, 2, res.TotalRecords)
	require.True(t, res.SheetSynced)
	require.Equal(t, 3+2, res.SheetRows.Rows[projection.SheetProducts])

	totals := h.sheets.written[projection.SheetTotals]
	require.Len(t, totals, 3)
	require.Equal(t, "14/07/2025", totals[1][0], "newest report first")
	require.Equal(t, "€ 1.850,00", totals[2][4])

	rec, err := h.repo.Get(ctx, "13/07/2025")
	require.NoError(t, err)
	require.Equal(t, "m1", rec.SourceMessageID)
	require.Equal(t, "Report Panorama Beach", rec.Subject)
	require.Equal(t, "Sun, 13 Jul 2025 06:00:00 +0000", rec.EmailDate)
	require.NotEmpty(t, rec.ContentHash)
	require.False(t, rec.ParsedAt.IsZero())
}

func TestRunBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "0,00", 0), day),
		message("m2", "Fwd: Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day.Add(time.Hour)),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	_, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	first, err := h.repo.AllRecords(ctx)
	require.NoError(t, err)
	firstIndex, err := h.repo.ProcessedIndex(ctx)
	require.NoError(t, err)
	clears := h.sheets.clears()

	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Fetched)
	require.Zero(t, res.Processed)
	require.False(t, res.SheetSynced)
	require.Equal(t, clears, h.sheets.clears(), "unchanged store must not be pushed again")

	second, err := h.repo.AllRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	secondIndex, err := h.repo.ProcessedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, firstIndex, secondIndex)
}

func TestRunBatchSuppressesForwardOfValidRecord(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach 14/07/2025", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	_, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	before, err := h.repo.Get(ctx, "14/07/2025")
	require.NoError(t, err)

	mail.add(message("m2", "Fwd: Report Panorama Beach 14/07/2025", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day.Add(time.Hour)))
	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, models.ReasonForwardedDuplicate, res.Outcomes[0].Reason)
	require.Empty(t, res.Anomalies)

	after, err := h.repo.Get(ctx, "14/07/2025")
	require.NoError(t, err)
	require.Equal(t, before, after)

	ids, err := h.repo.ConsumedMessageIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "m2")
}

func TestRunBatchSelfHealsInvalidRecord(t *testing.T) {
	backends := map[string]func(t *testing.T) *harness{
		"document": func(t *testing.T) *harness { return newHarness(t, newDocumentRepo(t), newFakeMail()) },
		"sqlite":   func(t *testing.T) *harness { return newHarness(t, newSQLiteRepo(t), newFakeMail()) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := open(t)

			h.mail.add(message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "0,00", 0), day))
			res, err := h.ingestion.RunBatch(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, res.Inserted)

			h.mail.add(message("m2", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day.Add(time.Hour)))
			res, err = h.ingestion.RunBatch(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, res.Replaced)
			require.Equal(t, "m1", res.Outcomes[0].ReplacedMessageID)
			require.True(t, res.SheetSynced)

			rec, err := h.repo.Get(ctx, "14/07/2025")
			require.NoError(t, err)
			require.Equal(t, "m2", rec.SourceMessageID)
			require.Equal(t, 1850.00, rec.Totals.InvoiceAmount)
			require.Len(t, rec.Products, 12)

			index, err := h.repo.ProcessedIndex(ctx)
			require.NoError(t, err)
			require.Equal(t, models.DecisionSuperseded, index["m1"].Decision)
			require.Equal(t, "m2", index["m1"].SupersededBy)
			require.Equal(t, models.DecisionReplace, index["m2"].Decision)

			all, err := h.repo.AllRecords(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
		})
	}
}

func TestRunBatchIsOrderIndependent(t *testing.T) {
	bodies := map[string]*models.RawMessage{
		"truncated-original": message("truncated-original", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "0,00", 0), day.Add(2*time.Hour)),
		"valid-forward":      message("valid-forward", "Fwd: Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
		"partial-forward":    message("partial-forward", "FW: Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "0,00", 4), day.Add(time.Hour)),
	}

	for _, order := range permutations([]string{"truncated-original", "valid-forward", "partial-forward"}) {
		// one batch per message, so the arrival order is exactly the permutation
		ctx := context.Background()
		h := newHarness(t, newDocumentRepo(t), newFakeMail())
		for _, id := range order {
			h.mail.add(bodies[id])
			_, err := h.ingestion.RunBatch(ctx)
			require.NoError(t, err, "order %v", order)
		}

		rec, err := h.repo.Get(ctx, "14/07/2025")
		require.NoError(t, err)
		require.Equal(t, "valid-forward", rec.SourceMessageID, "order %v", order)

		all, err := h.repo.AllRecords(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	}

	// and all at once
	ctx := context.Background()
	h := newHarness(t, newDocumentRepo(t), newFakeMail(bodies["partial-forward"], bodies["valid-forward"], bodies["truncated-original"]))
	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, "truncated-original", res.Outcomes[0].MessageID, "originals are reconciled first")
	rec, err := h.repo.Get(ctx, "14/07/2025")
	require.NoError(t, err)
	require.Equal(t, "valid-forward", rec.SourceMessageID)
}

func TestRunBatchPrefersOriginalOverForwardInAnyOrder(t *testing.T) {
	bodies := map[string]*models.RawMessage{
		"truncated-original": message("truncated-original", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "0,00", 0), day.Add(2*time.Hour)),
		"valid-forward":      message("valid-forward", "Fwd: Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day.Add(time.Hour)),
		"valid-original":     message("valid-original", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
	}

	for _, order := range permutations([]string{"truncated-original", "valid-forward", "valid-original"}) {
		ctx := context.Background()
		h := newHarness(t, newDocumentRepo(t), newFakeMail())
		for _, id := range order {
			h.mail.add(bodies[id])
			res, err := h.ingestion.RunBatch(ctx)
			require.NoError(t, err, "order %v", order)
			require.Empty(t, res.Anomalies, "order %v", order)
		}

		all, err := h.repo.AllRecords(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1, "order %v", order)
		require.Equal(t, "valid-original", all[0].SourceMessageID, "order %v", order)
		require.False(t, all[0].Forwarded, "order %v", order)
	}
}

func TestRunBatchLeavesExtractionFailuresForRetry(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("broken", "Report Panorama Beach", "<p>questa mail non contiene un report</p>", day),
		message("empty", "Report Panorama Beach", "", day),
		message("good", "Report Panorama Beach", reportHTML("13/07/2025 06:00", "13/07/2025 23:59", "10,00", 1), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.Inserted)
	require.Len(t, res.Failures, 2)

	ids, err := h.repo.ConsumedMessageIDs(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, "broken")
	require.NotContains(t, ids, "empty")

	// the sender fixes the report; the same message is picked up again
	mail.add(message("broken", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day))
	res, err = h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, "empty", res.Failures[0].MessageID)
}

func TestRunBatchFetchErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("13/07/2025 06:00", "13/07/2025 23:59", "10,00", 1), day),
		message("m2", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "10,00", 1), day),
	)
	mail.getErr["m2"] = errors.New("quota exceeded")
	h := newHarness(t, newDocumentRepo(t), mail)

	res, err := h.ingestion.RunBatch(ctx)
	require.Error(t, err)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Errors)

	all, err := h.repo.AllRecords(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
	ids, err := h.repo.ConsumedMessageIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	mail.listErr = errors.New("unauthorized")
	_, err = h.ingestion.RunBatch(ctx)
	require.ErrorContains(t, err, "unauthorized")
}

func TestRunBatchFlagsConflictingOriginals(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day.Add(time.Hour)),
		message("m2", "Report Panorama Beach", reportHTML("14/07/2025 08:00", "14/07/2025 22:00", "900,00", 6), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	res, err := h.ingestion.RunBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, res.Anomalies, 1)
	require.Equal(t, "m2", res.Anomalies[0].MessageID)
	require.Equal(t, models.AnomalyConflictingOriginal, res.Anomalies[0].Anomaly)

	rec, err := h.repo.Get(ctx, "14/07/2025")
	require.NoError(t, err)
	require.Equal(t, "m1", rec.SourceMessageID, "newest original wins, the other is flagged")
}

func TestRunBatchReturnsSheetErrorAfterCommit(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)
	h.sheets.err = errors.New("sheet locked")

	res, err := h.ingestion.RunBatch(ctx)
	require.ErrorContains(t, err, "sheet locked")
	require.Equal(t, 1, res.Inserted)
	require.False(t, res.SheetSynced)

	_, err = h.repo.Get(ctx, "14/07/2025")
	require.NoError(t, err, "committed records stand when the push fails")
}

func TestRunBatchRetriesFailedSheetPush(t *testing.T) {
	for _, backend := range []struct {
		name string
		open func(t *testing.T) repositories.ReportRepository
	}{
		{"document", newDocumentRepo},
		{"sqlite", newSQLiteRepo},
	} {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			mail := newFakeMail(
				message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
			)
			h := newHarness(t, backend.open(t), mail)
			h.sheets.err = errors.New("sheet locked")

			_, err := h.ingestion.RunBatch(ctx)
			require.ErrorContains(t, err, "sheet locked")

			h.sheets.err = nil
			res, err := h.ingestion.RunBatch(ctx)
			require.NoError(t, err)
			require.Zero(t, res.Processed)
			require.True(t, res.SheetSynced, "the push that failed last batch is retried")
			require.Len(t, h.sheets.written[projection.SheetTotals], 2)

			clears := h.sheets.clears()
			res, err = h.ingestion.RunBatch(ctx)
			require.NoError(t, err)
			require.False(t, res.SheetSynced)
			require.Equal(t, clears, h.sheets.clears())
		})
	}
}

func TestRunBatchRefusesConcurrentRun(t *testing.T) {
	h := newHarness(t, newDocumentRepo(t), newFakeMail())

	release, err := h.locker.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = h.ingestion.RunBatch(context.Background())
	require.ErrorIs(t, err, locking.ErrLocked)
}

func TestRunBatchStopsOnCancellation(t *testing.T) {
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 12), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ingestion.RunBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)

	all, err := h.repo.AllRecords(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestIngestMessageReportsExtractionError(t *testing.T) {
	h := newHarness(t, newDocumentRepo(t), newFakeMail())

	_, err := h.ingestion.IngestMessage(context.Background(), message("x", "s", "<p>nothing</p>", day))
	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	require.Equal(t, "x", extractErr.MessageID)
}

func TestIngestByIDSyncsSheetsOnlyWhenStoreChanges(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMail(
		message("m1", "Report Panorama Beach", reportHTML("14/07/2025 06:00", "14/07/2025 23:59", "1.850,00", 3), day),
	)
	h := newHarness(t, newDocumentRepo(t), mail)

	out, err := h.ingestion.IngestByID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.DecisionInsert, out.Decision)
	require.Equal(t, 4, h.sheets.clears())

	out, err = h.ingestion.IngestByID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.ReasonAlreadyConsumed, out.Reason)
	require.Equal(t, 4, h.sheets.clears())
}

func TestIngestByIDPropagatesFetchErrors(t *testing.T) {
	mail := newFakeMail()
	mail.getErr["m1"] = errors.New("quota exceeded")
	h := newHarness(t, newDocumentRepo(t), mail)

	_, err := h.ingestion.IngestByID(context.Background(), "m1")
	require.ErrorContains(t, err, "quota exceeded")

	status, err := h.reconciler.ProcessedStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, status.Entries)
}

func TestIngestByIDHoldsTheBatchLock(t *testing.T) {
	h := newHarness(t, newDocumentRepo(t), newFakeMail())

	release, err := h.locker.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = h.ingestion.IngestByID(context.Background(), "m1")
	require.ErrorIs(t, err, locking.ErrLocked)
}
