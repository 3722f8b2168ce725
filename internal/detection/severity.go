package detection

// severityRule maps a predicate over a detector metric to a severity.
type severityRule struct {
	match    func(v float64) bool
	severity Severity
}

// severityTable evaluates rules in order; the first match wins.
type severityTable struct {
	rules    []severityRule
	fallback Severity
}

func (t severityTable) classify(v float64) Severity {
	for _, r := range t.rules {
		if r.match(v) {
			return r.severity
		}
	}
	return t.fallback
}

func above(limit float64) func(float64) bool {
	return func(v float64) bool { return v > limit }
}

func below(limit float64) func(float64) bool {
	return func(v float64) bool { return v < limit }
}

// zScoreSeverity: medium covers everything between low and high. With the
// default threshold of 3, low is only reachable if the threshold is lowered
// below 2.
var zScoreSeverity = severityTable{
	rules: []severityRule{
		{match: above(5), severity: SeverityCritical},
		{match: above(4), severity: SeverityHigh},
		{match: below(2), severity: SeverityLow},
	},
	fallback: SeverityMedium,
}

var liquiditySeverity = severityTable{
	rules: []severityRule{
		{match: above(0.5), severity: SeverityHigh},
	},
	fallback: SeverityMedium,
}

// flashLoanSeverity is keyed on totalValue/threshold.
var flashLoanSeverity = severityTable{
	rules: []severityRule{
		{match: above(2), severity: SeverityCritical},
	},
	fallback: SeverityHigh,
}
