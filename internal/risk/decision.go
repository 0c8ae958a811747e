package risk

// Decision is the outcome of a pre-trade check. It is deliberately opaque:
// callers must branch on Approved() and cannot mistake a rejection reason for
// an approval.
type Decision struct {
	approved bool
	reason   string
}

// Approve returns the approving decision.
func Approve() Decision {
	return Decision{approved: true, reason: "Trade approved"}
}

// Reject returns a rejecting decision carrying the first violated rule.
func Reject(reason string) Decision {
	return Decision{reason: reason}
}

// Approved reports whether the trade may proceed.
func (d Decision) Approved() bool { return d.approved }

// Reason returns the human-readable outcome: the first violated rule, or
// "Trade approved".
func (d Decision) Reason() string { return d.reason }
