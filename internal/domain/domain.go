package domain

// Job, workstream and project statuses share one vocabulary.
const (
	StatusPlanned    = "planned"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// AgreementAgreed is the agreement_status value required before a job may
// start or complete.
const AgreementAgreed = "agreed"

var validStatuses = map[string]bool{
	StatusPlanned:    true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusDone:       true,
	StatusCancelled:  true,
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool { return validStatuses[s] }

// Terminal reports whether s is a final status.
func Terminal(s string) bool { return s == StatusDone || s == StatusCancelled }

// Rollup derives a parent status from its child statuses. Any in_progress
// child wins, then any blocked child, then done when every child is terminal
// and at least one exists, otherwise planned.
func Rollup(children []string) string {
	if len(children) == 0 {
		return StatusPlanned
	}
	anyBlocked := false
	allTerminal := true
	for _, s := range children {
		switch s {
		case StatusInProgress:
			return StatusInProgress
		case StatusBlocked:
			anyBlocked = true
			allTerminal = false
		case StatusDone, StatusCancelled:
		default:
			allTerminal = false
		}
	}
	if anyBlocked {
		return StatusBlocked
	}
	if allTerminal {
		return StatusDone
	}
	return StatusPlanned
}
