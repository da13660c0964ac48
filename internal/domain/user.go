// Package domain contains core domain types for the AgriBoost web client.
package domain

import (
	"encoding/json"
	"fmt"
)

// User is the profile returned by the backend for the signed-in account.
// Fields the client does not know about are kept in Extra so that the cached
// copy round-trips without loss.
type User struct {
	ID       json.Number    `json:"id,omitempty"`
	FullName string         `json:"full_name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Address  string         `json:"address,omitempty"`
	Extra    map[string]any `json:"-"`
}

var knownUserFields = map[string]struct{}{
	"id": {}, "full_name": {}, "email": {}, "address": {},
}

type userAlias User

// UnmarshalJSON decodes the known fields and stashes everything else in Extra.
func (u *User) UnmarshalJSON(data []byte) error {
	var alias userAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownUserFields {
		delete(raw, k)
	}

	*u = User(alias)
	if len(raw) > 0 {
		u.Extra = raw
	}
	return nil
}

// MarshalJSON merges Extra back into the encoded object. Known fields win.
func (u User) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(userAlias(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]any, len(u.Extra)+4)
	for k, v := range u.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, fmt.Errorf("re-decode user: %w", err)
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Valid reports whether the profile carries enough data to be adopted as the
// current user.
func (u *User) Valid() bool {
	return u != nil && (u.Email != "" || u.FullName != "" || u.ID != "")
}

// Tokens is the credential set issued by the backend.
type Tokens struct {
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
}
