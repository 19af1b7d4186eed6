package extraction

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyStripper = strings.NewReplacer("€", "", "EUR", "", "&euro;", "")

// ParseAmount converts an Italian-formatted money cell ("€ 1.234,56") to a
// value rounded to cents. Anything that does not parse yields 0.
func ParseAmount(s string) float64 {
	s = currencyStripper.Replace(s)
	s = strings.Join(strings.Fields(s), "")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Replace(s, ",", ".", 1)
	if s == "" {
		return 0
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Round(2).Float64()
	return f
}

// ParseCount converts a count cell to a non-negative integer. Dots are read
// as thousands separators; any other non-digit yields 0.
func ParseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ".", "")
	if s == "" {
		return 0
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
