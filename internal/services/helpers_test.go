package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pos-report-service/internal/config"
	"pos-report-service/internal/database"
	"pos-report-service/internal/extraction"
	"pos-report-service/internal/locking"
	"pos-report-service/internal/models"
	"pos-report-service/internal/repositories"
)

// reportHTML renders a report the way the POS mails it. products == 0 drops
// the products section entirely.
func reportHTML(start, end, invoice string, products int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>Report Panorama Beach</h1><p>dal %s al %s</p>\n", start, end)
	fmt.Fprintf(&b, "<table><tr><td>Totale incassi</td><td>37</td><td>&euro; %s</td></tr></table>\n", invoice)
	if products > 0 {
		b.WriteString("<h2>Prodotti</h2><table>\n")
		for i := 0; i < products; i++ {
			fmt.Fprintf(&b, "<tr><td>PRODOTTO %d</td><td>BAR</td><td></td><td>pz</td><td>0</td><td>%d</td><td>1</td><td>&euro; 5,00</td></tr>\n", i, i+1)
		}
		b.WriteString("</table>\n")
	}
	return b.String()
}

func message(id, subject, body string, received time.Time) *models.RawMessage {
	return &models.RawMessage{
		ID:         id,
		Subject:    subject,
		DateHeader: received.Format(time.RFC1123Z),
		ReceivedAt: received,
		Forwarded:  strings.HasPrefix(subject, "Fwd:") || strings.HasPrefix(subject, "FW:"),
		HTMLBody:   body,
	}
}

type fakeMail struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*models.RawMessage
	listErr  error
	getErr   map[string]error
	gets     int
}

func newFakeMail(msgs ...*models.RawMessage) *fakeMail {
	m := &fakeMail{messages: make(map[string]*models.RawMessage), getErr: make(map[string]error)}
	for _, msg := range msgs {
		m.add(msg)
	}
	return m
}

func (m *fakeMail) add(msg *models.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		m.order = append(m.order, msg.ID)
	}
	m.messages[msg.ID] = msg
}

func (m *fakeMail) ListMessageIDs(ctx context.Context, label string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.order...), nil
}

func (m *fakeMail) GetMessage(ctx context.Context, id string) (*models.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if err := m.getErr[id]; err != nil {
		return nil, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, errors.New("no such message")
	}
	c := *msg
	return &c, nil
}

type fakeSheets struct {
	mu      sync.Mutex
	cleared []string
	written map[string][][]any
	err     error
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{written: make(map[string][][]any)}
}

func (s *fakeSheets) ClearRange(ctx context.Context, sheet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cleared = append(s.cleared, sheet)
	delete(s.written, sheet)
	return nil
}

func (s *fakeSheets) WriteRows(ctx context.Context, sheet string, rows [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.written[sheet] = rows
	return nil
}

func (s *fakeSheets) clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cleared)
}

type harness struct {
	repo       repositories.ReportRepository
	mail       *fakeMail
	sheets     *fakeSheets
	locker     *locking.LocalLocker
	reconciler *ReconciliationService
	ingestion  *IngestionService
}

func newDocumentRepo(t *testing.T) repositories.ReportRepository {
	t.Helper()
	repo, err := repositories.NewDocumentRepository(filepath.Join(t.TempDir(), "reports.json"))
	require.NoError(t, err)
	return repo
}

func newSQLiteRepo(t *testing.T) repositories.ReportRepository {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations, err := filepath.Abs("../../migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrationsWithDB(db, config.StoreDriverSQLite, migrations))
	return repositories.NewSQLRepository(db)
}

func newHarness(t *testing.T, repo repositories.ReportRepository, mail *fakeMail) *harness {
	t.Helper()
	log := zap.NewNop()
	sheets := newFakeSheets()
	locker := locking.NewLocalLocker()
	reconciler := NewReconciliationService(repo, log)
	syncer := NewSheetSyncService(repo, sheets, log)
	ingestion := NewIngestionService(mail, "consumi Spiaggia", extraction.NewParser(extraction.DefaultLayout()), reconciler, syncer, repo, locker, log)
	return &harness{repo: repo, mail: mail, sheets: sheets, locker: locker, reconciler: reconciler, ingestion: ingestion}
}

func permutations(items []string) [][]string {
	if len(items) <= 1 {
		return [][]string{append([]string(nil), items...)}
	}
	var out [][]string
	for i := range items {
		rest := make([]string, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{items[i]}, p...))
		}
	}
	return out
}
