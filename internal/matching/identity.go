package matching

import (
	"crypto/md5"
	"encoding/hex"

	"pos-report-service/internal/models"
)

// ContentHash returns the identity of a report: a digest of its report date
// and period exactly as extracted. Body text never takes part, so a relay
// that re-encodes the markup does not change identity.
func ContentHash(t models.Totals) string {
	sum := md5.Sum([]byte(t.ReportDate + "|" + t.PeriodStart + "|" + t.PeriodEnd))
	return hex.EncodeToString(sum[:])
}

// Identify is ContentHash for a whole report.
func Identify(r *models.ParsedReport) string {
	return ContentHash(r.Totals)
}
