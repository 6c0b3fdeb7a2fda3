package process

// Stage is the position of a modification request in its validation state
// machine. Requests move forward only; the first failed precondition moves
// them to Rejected and nothing after it runs.
type Stage int

const (
	Received Stage = iota
	TypeValidated
	TargetResolved
	TreeResolved
	Submitted
	Rejected
)

var stageNames = [...]string{
	Received:       "received",
	TypeValidated:  "type_validated",
	TargetResolved: "target_resolved",
	TreeResolved:   "tree_resolved",
	Submitted:      "submitted",
	Rejected:       "rejected",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
