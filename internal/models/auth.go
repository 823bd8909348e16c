package models

import "time"

// TokenPair is the credential state owned by the token manager. The
// expiry is derived once from the access token's exp claim.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}

// LoginRequest is the credential payload for /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	OtpCode  string `json:"otpCode,omitempty"`
}

// LoginResponse is the wire shape returned by /v1/auth/login.
type LoginResponse struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	IsOtpRequired  bool   `json:"isOtpCodeRequired"`
}

// RefreshResponse is the wire shape returned by /v1/auth/refresh-access-token.
// The refresh token is only present when the server rotates it.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LoginResult is the outcome of a login attempt: either a token pair or
// a demand for a second factor.
type LoginResult struct {
	OtpRequired bool
	Tokens      *TokenPair
}
