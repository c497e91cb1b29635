package api

import "github.com/twinshift/twinshift/internal/engine"

// StateResponse is the API response for workflow state.
type StateResponse struct {
	engine.Snapshot
	Running bool `json:"running"`
}

// ResolveRequest is the body for POST /api/approvals/{id}. Approved is a
// pointer so a missing field is rejected rather than read as a denial.
type ResolveRequest struct {
	Approved *bool  `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comment  string `json:"comment,omitempty"`
}
