// Package projection flattens stored reports into the four tabular views
// pushed to the spreadsheet.
package projection

import (
	"strings"

	"github.com/shopspring/decimal"

	"pos-report-service/internal/models"
)

// Sheet names of the spreadsheet tabs.
const (
	SheetTotals      = "Totali"
	SheetProducts    = "Prodotti"
	SheetDepartments = "Reparti"
	SheetMovements   = "Movimentazioni"
)

var (
	totalsHeader      = []any{"Data Report", "Periodo Dal", "Periodo Al", "N. Incassi", "Tot. Incassi €", "N. Scontrini", "Tot. Scontrini €"}
	productsHeader    = []any{"Data Report", "Prodotto", "Reparto", "Famiglia", "UM", "Magazzino", "Quantità", "Ordini", "Importo €"}
	departmentsHeader = []any{"Data Report", "Reparto", "Famiglia", "UM", "Magazzino", "Quantità", "Ordini", "Importo €"}
	movementsHeader   = []any{"Data Report", "Data/Ora", "Operatore", "Tipo", "Dettaglio", "Articolo", "Valore"}
)

// Table is one sheet worth of rows; the first row is the header.
type Table struct {
	Sheet string
	Rows  [][]any
}

// DataRows is the number of rows below the header.
func (t Table) DataRows() int {
	if len(t.Rows) == 0 {
		return 0
	}
	return len(t.Rows) - 1
}

type Tables struct {
	Totals      Table
	Products    Table
	Departments Table
	Movements   Table
}

// All returns the tables in the order they are written.
func (t Tables) All() []Table {
	return []Table{t.Totals, t.Products, t.Departments, t.Movements}
}

// Project builds the four tables from records, which the store already
// returns newest first. Every detail row carries its parent report date.
func Project(records []*models.ParsedReport) Tables {
	tables := Tables{
		Totals:      Table{Sheet: SheetTotals, Rows: [][]any{totalsHeader}},
		Products:    Table{Sheet: SheetProducts, Rows: [][]any{productsHeader}},
		Departments: Table{Sheet: SheetDepartments, Rows: [][]any{departmentsHeader}},
		Movements:   Table{Sheet: SheetMovements, Rows: [][]any{movementsHeader}},
	}

	for _, r := range records {
		date := r.ReportDate()
		t := r.Totals
		tables.Totals.Rows = append(tables.Totals.Rows, []any{
			date, t.PeriodStart, t.PeriodEnd,
			t.InvoiceCount, FormatMoney(t.InvoiceAmount),
			t.ReceiptCount, FormatMoney(t.ReceiptAmount),
		})
		for _, p := range r.Products {
			tables.Products.Rows = append(tables.Products.Rows, []any{
				date, p.Name, p.Department, p.Family, p.Unit, p.Stock, p.Quantity, p.Orders, FormatMoney(p.Amount),
			})
		}
		for _, d := range r.Departments {
			tables.Departments.Rows = append(tables.Departments.Rows, []any{
				date, d.Name, d.Family, d.Unit, d.Stock, d.Quantity, d.Orders, FormatMoney(d.Amount),
			})
		}
		for _, m := range r.Movements {
			tables.Movements.Rows = append(tables.Movements.Rows, []any{
				date, m.Timestamp, m.Operator, m.Type, m.Detail, m.Article, m.Value,
			})
		}
	}
	return tables
}

// FormatMoney renders an amount the Italian way: "€ 1.850,00".
func FormatMoney(v float64) string {
	fixed := decimal.NewFromFloat(v).StringFixed(2)

	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	return "€ " + sign + b.String() + "," + frac
}
