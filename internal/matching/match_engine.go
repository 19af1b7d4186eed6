package matching

import (
	"pos-report-service/internal/models"
)

type MatchResult struct {
	Decision string // insert, replace, skip
	Reason   string
	Anomaly  string // set only for outcomes that need manual review
	Hash     string
	Replaced *models.ParsedReport
}

// IsAnomaly reports whether the outcome must be surfaced for review.
func (r *MatchResult) IsAnomaly() bool {
	return r.Anomaly != ""
}

type MatchEngine struct{}

func NewMatchEngine() *MatchEngine {
	return &MatchEngine{}
}

// Decide runs the reconciliation table for one candidate. existing is the
// authoritative record for the candidate's report date (nil when none) and
// hashOwner is the report date of whichever record already carries the
// candidate's hash ("" when none). Decide never touches the store.
func (m *MatchEngine) Decide(candidate *models.ParsedReport, forwarded bool, existing *models.ParsedReport, hashOwner string) *MatchResult {
	hash := Identify(candidate)

	if existing == nil {
		if hashOwner != "" && hashOwner != candidate.ReportDate() {
			return &MatchResult{Decision: models.DecisionSkip, Reason: models.AnomalyHashCollision, Anomaly: models.AnomalyHashCollision, Hash: hash}
		}
		return &MatchResult{Decision: models.DecisionInsert, Hash: hash}
	}

	if IsValid(existing) {
		// A relay only stands in for the original until the original arrives.
		if existing.Forwarded && !forwarded && Outranks(candidate, forwarded, existing, true) {
			return &MatchResult{Decision: models.DecisionReplace, Hash: hash, Replaced: existing}
		}
		if forwarded {
			return &MatchResult{Decision: models.DecisionSkip, Reason: models.ReasonForwardedDuplicate, Hash: hash}
		}
		if hash == Identify(existing) {
			return &MatchResult{Decision: models.DecisionSkip, Reason: models.ReasonDuplicate, Hash: hash}
		}
		return &MatchResult{Decision: models.DecisionSkip, Reason: models.AnomalyConflictingOriginal, Anomaly: models.AnomalyConflictingOriginal, Hash: hash}
	}

	// The stored record is a truncated capture: any more complete delivery
	// supersedes it, a valid one always does.
	if Outranks(candidate, forwarded, existing, existing.Forwarded) {
		return &MatchResult{Decision: models.DecisionReplace, Hash: hash, Replaced: existing}
	}
	return &MatchResult{Decision: models.DecisionSkip, Reason: models.ReasonNotMoreComplete, Hash: hash}
}
