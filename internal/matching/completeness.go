package matching

import (
	"pos-report-service/internal/models"
)

// IsValid reports whether r looks like a complete capture: it has a positive
// invoice total and at least one product line.
func IsValid(r *models.ParsedReport) bool {
	if r == nil {
		return false
	}
	return r.Totals.InvoiceAmount > 0 && len(r.Products) > 0
}

type completeness struct {
	valid       bool
	original    bool
	amount      float64
	products    int
	departments int
	movements   int
}

func measure(r *models.ParsedReport, forwarded bool) completeness {
	return completeness{
		valid:       IsValid(r),
		original:    !forwarded,
		amount:      r.Totals.InvoiceAmount,
		products:    len(r.Products),
		departments: len(r.Departments),
		movements:   len(r.Movements),
	}
}

// compare orders captures field by field; the first difference decides.
func (c completeness) compare(o completeness) int {
	switch {
	case c.valid != o.valid:
		return boolCmp(c.valid)
	case c.original != o.original:
		return boolCmp(c.original)
	case c.amount != o.amount:
		if c.amount > o.amount {
			return 1
		}
		return -1
	case c.products != o.products:
		return c.products - o.products
	case c.departments != o.departments:
		return c.departments - o.departments
	default:
		return c.movements - o.movements
	}
}

func boolCmp(b bool) int {
	if b {
		return 1
	}
	return -1
}

// Outranks reports whether a is a strictly more complete capture than b.
func Outranks(a *models.ParsedReport, aForwarded bool, b *models.ParsedReport, bForwarded bool) bool {
	return measure(a, aForwarded).compare(measure(b, bForwarded)) > 0
}
