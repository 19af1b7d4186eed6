package extraction

// Layout names the markers the extractor looks for. All comparisons are made
// on lower-cased text with collapsed whitespace.
type Layout struct {
	// Title is the heading that opens a report and is followed by its period.
	Title string

	Totals      []string
	Products    []string
	Departments []string
	Movements   []string

	InvoiceLabel string
	ReceiptLabel string

	// Column labels: a row whose first cell repeats one of these is a header.
	ProductLabels    []string
	DepartmentLabels []string
	MovementLabels   []string

	// TotalsRowPrefixes mark a footer row inside a line-item section.
	TotalsRowPrefixes []string
}

// Positional widths of a row per section.
const (
	totalsWidth     = 3
	productWidth    = 8
	departmentWidth = 7
	movementWidth   = 6
)

// DefaultLayout returns the markers used by the point-of-sale summary mails.
func DefaultLayout() Layout {
	return Layout{
		Title:            "Report Panorama Beach",
		Totals:           []string{"Totali", "Riepilogo"},
		Products:         []string{"Prodotti"},
		Departments:      []string{"Reparti"},
		Movements:        []string{"Movimentazione", "Movimentazioni"},
		InvoiceLabel:     "Totale incassi",
		ReceiptLabel:     "Totale scontrini",
		ProductLabels:    []string{"Prodotto"},
		DepartmentLabels: []string{"Reparto"},
		MovementLabels:   []string{"Data", "Data/Ora"},
		TotalsRowPrefixes: []string{"Totali", "Totals"},
	}
}

func (l Layout) normalized() Layout {
	n := Layout{
		Title:            fold(l.Title),
		Totals:           foldAll(l.Totals),
		Products:         foldAll(l.Products),
		Departments:      foldAll(l.Departments),
		Movements:        foldAll(l.Movements),
		InvoiceLabel:     fold(l.InvoiceLabel),
		ReceiptLabel:     fold(l.ReceiptLabel),
		ProductLabels:    foldAll(l.ProductLabels),
		DepartmentLabels: foldAll(l.DepartmentLabels),
		MovementLabels:   foldAll(l.MovementLabels),
		TotalsRowPrefixes: foldAll(l.TotalsRowPrefixes),
	}
	return n
}

func (l Layout) sectionMarkers() [][]string {
	return [][]string{l.Totals, l.Products, l.Departments, l.Movements}
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if f := fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
