package types

import "time"

// Credentials is an access token together with what is known about it
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiryDate is zero for tokens without a known expiry
	ExpiryDate time.Time
	ObtainedAt time.Time
	Scopes     []string
}

// StoredCredentials is the persisted form of Credentials
type StoredCredentials struct {
	Profile      string   `json:"profile"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiryDate   string   `json:"expiry_date,omitempty"`
	ObtainedAt   string   `json:"obtained_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}
