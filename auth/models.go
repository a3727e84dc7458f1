package auth

import "time"

// Account holds the login credentials of a participant. Its ID is the
// participant id used across collaborations.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Admin        bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Actor is the authenticated caller of a request.
type Actor struct {
	ID       string
	Verified bool
	Admin    bool
}
