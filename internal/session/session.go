// Package session identifies one running editor tab.
package session

import "github.com/google/uuid"

// Session is created once per tab and attached to version records and
// broadcast payloads.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// New creates a session with a fresh random id for the given user.
func New(userID string) Session {
	return Session{ID: uuid.NewString(), UserID: userID}
}

// Authenticated reports whether a user is attached to the session.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}
