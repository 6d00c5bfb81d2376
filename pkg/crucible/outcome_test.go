package crucible

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduce(t *testing.T) {
	values := []struct {
		baseline  SingleOutcome
		candidate SingleOutcome

		expected SummaryResult
	}{
		// Identical comparable outcomes
		{OutcomeTestPass, OutcomeTestPass, SameTestPass},
		{OutcomeTestSkipped, OutcomeTestSkipped, SameTestSkipped},
		{OutcomeTestFail, OutcomeTestFail, SameTestFail},
		{OutcomeBuildFail, OutcomeBuildFail, SameBuildFail},

		// Clear behavior changes
		{OutcomeTestPass, OutcomeBuildFail, Regressed},
		{OutcomeTestSkipped, OutcomeBuildFail, Regressed},
		{OutcomeTestPass, OutcomeTestFail, Regressed},
		{OutcomeBuildFail, OutcomeTestPass, Fixed},
		{OutcomeBuildFail, OutcomeTestSkipped, Fixed},
		{OutcomeTestFail, OutcomeTestPass, Fixed},

		// Errors dominate everything
		{OutcomeError, OutcomeTestPass, SummaryError},
		{OutcomeTestPass, OutcomeError, SummaryError},
		{OutcomeError, OutcomeError, SummaryError},
		{OutcomeError, OutcomeSkipped, SummaryError},

		// Skipped only counts when both sides skipped
		{OutcomeSkipped, OutcomeSkipped, SummarySkipped},
		{OutcomeSkipped, OutcomeTestPass, SummaryUnknown},
		{OutcomeTestPass, OutcomeSkipped, SummaryUnknown},

		// Loose pairings stay unknown instead of guessing
		{OutcomeTestPass, OutcomeTestSkipped, SummaryUnknown},
		{OutcomeTestSkipped, OutcomeTestPass, SummaryUnknown},
		{OutcomeTestSkipped, OutcomeTestFail, SummaryUnknown},
		{OutcomeTestFail, OutcomeBuildFail, SummaryUnknown},
		{OutcomeBuildFail, OutcomeTestFail, SummaryUnknown},
		{OutcomeUnknown, OutcomeTestPass, SummaryUnknown},
		{OutcomeTestPass, OutcomeUnknown, SummaryUnknown},
		{OutcomeUnknown, OutcomeUnknown, SummaryUnknown},
	}

	for _, v := range values {
		assert.Equalf(t, v.expected, Reduce(v.baseline, v.candidate), "Wrong verdict for (%s, %s)", v.baseline, v.candidate)
	}
}

func TestReduceIsTotalAndPure(t *testing.T) {
	// Every pair in the full outcome space must reduce to exactly one known
	// verdict, and reducing the same pair twice must agree.
	known := map[SummaryResult]bool{
		SameTestPass: true, SameTestSkipped: true, SameTestFail: true, SameBuildFail: true,
		Regressed: true, Fixed: true, SummarySkipped: true, SummaryUnknown: true, SummaryError: true,
	}

	for _, baseline := range SingleOutcomes {
		for _, candidate := range SingleOutcomes {
			first := Reduce(baseline, candidate)
			assert.Truef(t, known[first], "Reduce(%s, %s) produced unknown verdict %q", baseline, candidate, first)
			assert.Equalf(t, first, Reduce(baseline, candidate), "Reduce(%s, %s) is not deterministic", baseline, candidate)
		}
	}
}
