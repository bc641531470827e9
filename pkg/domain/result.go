package domain

// TurnState enumerates the stages of one safeguarded turn.
type TurnState string

const (
	StateReceived        TurnState = "RECEIVED"
	StateInboundChecked  TurnState = "INBOUND_CHECKED"
	StateDispatched      TurnState = "DISPATCHED"
	StateParsed          TurnState = "PARSED"
	StateOutboundChecked TurnState = "OUTBOUND_CHECKED"
	StateAudited         TurnState = "AUDITED"
	StateDone            TurnState = "DONE"
	StateRejected        TurnState = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s TurnState) Terminal() bool {
	return s == StateDone || s == StateRejected
}

// AuditOutcome records the bulk result audit.
type AuditOutcome struct {
	Performed  bool   `json:"performed"`
	Authorized bool   `json:"authorized"`
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason,omitempty"`
}

// SafeguardedResult is the final, policy-compliant outcome of a turn. When
// Rejected is set only Reason is meaningful.
type SafeguardedResult struct {
	ThreadID string    `json:"thread_id"`
	State    TurnState `json:"state"`

	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`

	// Prompt is the inbound text after the guard approved it.
	Prompt         string       `json:"prompt,omitempty"`
	AnswerText     string       `json:"answer"`
	GeneratedQuery string       `json:"query,omitempty"`
	Citations      []Citation   `json:"citations"`
	Table          *Table       `json:"table,omitempty"`
	Audit          AuditOutcome `json:"audit"`
}

// Content returns the text the presentation layer shows as the assistant's
// message: the denial reason for rejected turns, the answer otherwise.
func (r SafeguardedResult) Content() string {
	if r.Rejected {
		return r.Reason
	}
	return r.AnswerText
}
