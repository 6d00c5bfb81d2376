package crucible

// SummaryResult is the comparison verdict across both toolchain slots for one
// crate. It is always derived through Reduce, never set directly.
type SummaryResult string

const (
	SameTestPass    SummaryResult = "same-test-pass"
	SameTestSkipped SummaryResult = "same-test-skipped"
	SameTestFail    SummaryResult = "same-test-fail"
	SameBuildFail   SummaryResult = "same-build-fail"
	Regressed       SummaryResult = "regressed"
	Fixed           SummaryResult = "fixed"
	SummarySkipped  SummaryResult = "skipped"
	SummaryUnknown  SummaryResult = "unknown"
	SummaryError    SummaryResult = "error"
)

// sameVariants maps each comparable outcome to its same-* verdict.
var sameVariants = map[SingleOutcome]SummaryResult{
	OutcomeTestPass:    SameTestPass,
	OutcomeTestSkipped: SameTestSkipped,
	OutcomeTestFail:    SameTestFail,
	OutcomeBuildFail:   SameBuildFail,
}

// Reduce maps the two single-task outcomes of a crate to its summary verdict.
// The checks form a deliberate precedence, error > skipped > same > regressed
// or fixed > unknown, since a pair of outcomes can satisfy several of the
// looser conditions at once. Reduce is pure and total over the whole outcome
// space; any pairing not covered by a stronger rule is classified unknown
// rather than guessed at.
func Reduce(baseline, candidate SingleOutcome) SummaryResult {
	if baseline == OutcomeError || candidate == OutcomeError {
		return SummaryError
	}
	if baseline == OutcomeSkipped && candidate == OutcomeSkipped {
		return SummarySkipped
	}
	if baseline == candidate {
		if same, ok := sameVariants[baseline]; ok {
			return same
		}
		return SummaryUnknown
	}
	if strictlyWorse(baseline, candidate) {
		return Regressed
	}
	if strictlyWorse(candidate, baseline) {
		return Fixed
	}
	return SummaryUnknown
}

// strictlyWorse reports whether the second outcome is a clear behavior change
// for the worse compared to the first: the first side succeeded and the second
// stopped building, or tests went from passing to failing. Looser pairings,
// such as pass against skipped or a one-sided unknown, deliberately don't
// count so they fall through to unknown.
func strictlyWorse(from, to SingleOutcome) bool {
	succeeded := from == OutcomeTestPass || from == OutcomeTestSkipped
	if !succeeded {
		return false
	}
	if to == OutcomeBuildFail {
		return true
	}
	return to == OutcomeTestFail && from == OutcomeTestPass
}
