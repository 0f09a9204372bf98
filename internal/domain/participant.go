// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxDisplayNameLen = 36

var ErrDisplayNameTooLong = errors.New("display name too long")

// ParticipantID is opaque and assigned by the relay transport,
// unique per connection. It is never trusted from a payload.
type ParticipantID string

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName,omitempty"`
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
