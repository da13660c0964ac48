package domain

import (
	"encoding/json"
)

// ActivityEntry is one row of GET /users/history/.
type ActivityEntry struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Details     string `json:"details,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// FieldChange records a single profile field transition.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ActivityDetails is the decoded form of ActivityEntry.Details.
type ActivityDetails struct {
	Changed map[string]FieldChange `json:"changed,omitempty"`
	IP      string                 `json:"ip,omitempty"`
}

// ParsedDetails decodes the JSON-encoded details. Empty or malformed details
// yield nil.
func (a *ActivityEntry) ParsedDetails() *ActivityDetails {
	if a.Details == "" {
		return nil
	}
	var d ActivityDetails
	if err := json.Unmarshal([]byte(a.Details), &d); err != nil {
		return nil
	}
	return &d
}
