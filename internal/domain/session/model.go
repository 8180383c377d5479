package session

import "time"

// Profile is the cached staff profile shown once a user is signed in.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	PracticeID  string `json:"practice_id,omitempty"`
}

// Session is the authenticated state handed to views.
type Session struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Profile   Profile   `json:"profile"`

	// Stale is set when the profile came from cache and could not be
	// revalidated within the manager's timeout.
	Stale bool `json:"stale"`
}
