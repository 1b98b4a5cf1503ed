// Package userassist defines the JSON message schema exchanged between the
// BatchRunner and an external collaborator UI (spec.md §6 "User-assist
// protocol"). The runner owns this schema; the presentation layer (NiceGUI,
// out of scope per §1) or the terminal `rmcitecraft resolve` fallback
// consume it. Grounded on the teacher's internal/rpc/protocol.go
// Request/Response envelope and Op* constant style.
package userassist

// Message type discriminators.
const (
	TypeMissingFieldsRequest = "missing_fields_request"
	TypePlaceApprovalRequest = "place_approval_request"
	TypeFieldsComplete       = "fields_complete"
	TypePlaceDecision        = "place_decision"
	TypeCancelSession        = "cancel_session"
)

// MissingFieldsRequest asks the operator to supply values for fields the
// Extractor could not determine (spec.md §4.4, §6).
type MissingFieldsRequest struct {
	Type      string   `json:"type"`
	ItemID    string   `json:"item"`
	Fields    []string `json:"fields"`
	SourceURL string   `json:"source_url"`
}

// FieldsComplete is the operator's answer to a MissingFieldsRequest.
type FieldsComplete struct {
	Type   string            `json:"type"`
	ItemID string            `json:"item"`
	Values map[string]string `json:"values"`
}

// PlaceCandidateView is one ranked existing place shown to the operator.
type PlaceCandidateView struct {
	PlaceID string  `json:"place_id"`
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
}

// PlaceApprovalRequest is emitted when a findagrave cemetery location
// doesn't match any existing PrimaryStore place (spec.md §4.10 place-
// approval protocol).
type PlaceApprovalRequest struct {
	Type       string               `json:"type"`
	ItemID     string               `json:"item"`
	Proposed   string               `json:"proposed_place"`
	Valid      bool                 `json:"gazetteer_valid"`
	Candidates []PlaceCandidateView `json:"candidates"`
}

// PlaceChoiceKind is the operator's decision for a PlaceApprovalRequest.
type PlaceChoiceKind string

const (
	ChoiceAddNew      PlaceChoiceKind = "add_new"
	ChoiceUseExisting PlaceChoiceKind = "use_existing"
	ChoiceAbortBatch  PlaceChoiceKind = "abort_batch"
)

// PlaceDecision is the operator's answer to a PlaceApprovalRequest.
type PlaceDecision struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item"`
	Choice     PlaceChoiceKind `json:"choice"`
	ExistingID string          `json:"existing_id,omitempty"`
}

// CancelSession requests the BatchRunner abandon the current item and
// pause the session (spec.md §4.10 Cancellation).
type CancelSession struct {
	Type      string `json:"type"`
	SessionID string `json:"id"`
}
