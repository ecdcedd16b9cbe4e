package model

import "time"

type AuthEventType string

const (
	AuthEventStart    AuthEventType = "oauth_start"
	AuthEventComplete AuthEventType = "oauth_complete"
	AuthEventRefresh  AuthEventType = "oauth_refresh"
	AuthEventRevoke   AuthEventType = "oauth_revoke"
)

type AuthEventStatus string

const (
	AuthStatusPending AuthEventStatus = "pending"
	AuthStatusOK      AuthEventStatus = "ok"
	AuthStatusError   AuthEventStatus = "error"
)

// AuthEventMetadata carries per-event details. Only oauth_start events
// carry a code verifier.
type AuthEventMetadata struct {
	State        string `json:"state,omitempty"`
	StartEventID string `json:"start_event_id,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AuthEvent is an append-only audit record of the OAuth flow.
type AuthEvent struct {
	ID        string            `json:"id"`
	EventType AuthEventType     `json:"event_type"`
	Status    AuthEventStatus   `json:"status"`
	Metadata  AuthEventMetadata `json:"metadata"`
	CreatedAt string            `json:"created_at"`
}

// Credential is the OAuth token set stored encrypted at rest.
type Credential struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	Scope        string     `json:"scope"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ObtainedAt   time.Time  `json:"obtained_at"`
	RefreshedAt  *time.Time `json:"refreshed_at,omitempty"`
}

// CredentialStatus describes the stored credential without exposing secrets.
type CredentialStatus struct {
	Connected   bool       `json:"connected"`
	Expired     bool       `json:"expired"`
	Refreshable bool       `json:"refreshable"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Scope       string     `json:"scope,omitempty"`
}

// AuthStart is returned when an authorization attempt begins.
type AuthStart struct {
	AuthURL     string    `json:"auth_url"`
	State       string    `json:"state"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
}
