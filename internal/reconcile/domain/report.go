package reconcile

import "time"

// Sweep actions.
const (
	ActionInSync     = "in_sync"
	ActionCorrective = "corrective"
	ActionPoll       = "poll"
	ActionError      = "error"
)

// Finding is the outcome for one space in a sweep.
type Finding struct {
	SpaceID      string `json:"space_id"`
	Destination  string `json:"destination"`
	DesiredState string `json:"desired_state"`
	Action       string `json:"action"`
	Detail       string `json:"detail,omitempty"`
}

// Report summarizes one reconciliation sweep.
type Report struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	SpacesChecked int       `json:"spaces_checked"`
	InSync        int       `json:"in_sync"`
	Corrective    int       `json:"corrective"`
	Polls         int       `json:"polls"`
	Errors        int       `json:"errors"`
	Findings      []Finding `json:"findings"`
}
