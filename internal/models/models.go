package models

import (
	"time"
)

// ReportDateLayout is the layout of report dates as they appear in the
// period text of a report (dd/mm/yyyy).
const ReportDateLayout = "02/01/2006"

// RawMessage is a single delivery fetched from the mail source. It is never
// persisted; only its ID ends up in the processed index.
type RawMessage struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	DateHeader string    `json:"date_header,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Forwarded  bool      `json:"forwarded"`
	HTMLBody   string    `json:"-"`
}

// Totals holds the summary block of a report.
type Totals struct {
	ReportDate    string  `json:"reportDate"`
	PeriodStart   string  `json:"periodStart"`
	PeriodEnd     string  `json:"periodEnd"`
	ReceiptCount  int     `json:"receiptCount"`
	ReceiptAmount float64 `json:"receiptAmount"`
	InvoiceCount  int     `json:"invoiceCount"`
	InvoiceAmount float64 `json:"invoiceAmount"`
}

// ProductLine is one row of the products section.
type ProductLine struct {
	Name       string  `json:"name"`
	Department string  `json:"department"`
	Family     string  `json:"family,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Stock      int     `json:"stock"`
	Quantity   int     `json:"quantity"`
	Orders     int     `json:"orders"`
	Amount     float64 `json:"amount"`
}

// DepartmentLine is one row of the departments section.
type DepartmentLine struct {
	Name     string  `json:"name"`
	Family   string  `json:"family,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Stock    int     `json:"stock"`
	Quantity int     `json:"quantity"`
	Orders   int     `json:"orders"`
	Amount   float64 `json:"amount"`
}

// MovementLine is one row of the stock movements section.
type MovementLine struct {
	Timestamp string `json:"timestamp"`
	Operator  string `json:"operator"`
	Type      string `json:"type"`
	Detail    string `json:"detail,omitempty"`
	Value     string `json:"value"`
	Article   string `json:"article"`
}

// ParsedReport is a normalized report, either a candidate produced by the
// extractor or the authoritative record held by the store.
type ParsedReport struct {
	Totals          Totals           `json:"totals"`
	Products        []ProductLine    `json:"products"`
	Departments     []DepartmentLine `json:"departments"`
	Movements       []MovementLine   `json:"movements"`
	ContentHash     string           `json:"contentHash"`
	SourceMessageID string           `json:"sourceMessageId"`
	Subject         string           `json:"subject,omitempty"`
	EmailDate       string           `json:"emailDate,omitempty"`
	Forwarded       bool             `json:"forwarded"`
	ParsedAt        time.Time        `json:"parsedAt"`
}

// ReportDate is the logical primary key of the report.
func (r *ParsedReport) ReportDate() string {
	return r.Totals.ReportDate
}

// Clone returns a deep copy so stored records are never mutated in place.
func (r *ParsedReport) Clone() *ParsedReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Products = cloneSlice(r.Products)
	c.Departments = cloneSlice(r.Departments)
	c.Movements = cloneSlice(r.Movements)
	return &c
}

// cloneSlice copies s, keeping the nil/empty distinction.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

// ProcessedEntry records that a message reached a terminal decision.
type ProcessedEntry struct {
	ReportDate   string    `json:"reportDate"`
	ContentHash  string    `json:"hash"`
	Decision     string    `json:"decision,omitempty"`
	SupersededBy string    `json:"supersededBy,omitempty"`
	ProcessedAt  time.Time `json:"processedAt"`
}

// Decision constants
const (
	DecisionInsert     = "insert"
	DecisionReplace    = "replace"
	DecisionSkip       = "skip"
	DecisionSuperseded = "superseded"
)

// Anomaly constants
const (
	AnomalyHashCollision       = "hash_collision"
	AnomalyConflictingOriginal = "conflicting_original"
)

// Skip reason constants
const (
	ReasonForwardedDuplicate = "forwarded_duplicate"
	ReasonDuplicate          = "duplicate"
	ReasonNotMoreComplete    = "not_more_complete"
	ReasonAlreadyConsumed    = "already_consumed"
)

// ParseReportDate parses a dd/mm/yyyy report date.
func ParseReportDate(s string) (time.Time, bool) {
	t, err := time.Parse(ReportDateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
