package repository

import (
	"context"
	"time"

	"x-agent-manager/domain/model"
)

// IPlatform is the gateway to the remote posting platform.
type IPlatform interface {
	// Name identifies the backend ("simulated" or "live").
	Name() string
	// Publish creates a post with text and returns its external id.
	Publish(ctx context.Context, text string) (*model.PublishResult, error)
	// FetchMetrics returns engagement counters for an external post id.
	FetchMetrics(ctx context.Context, tweetID string) (*model.PostMetrics, error)
}

// ITokenProvider hands out bearer tokens to outbound calls.
type ITokenProvider interface {
	// EnsureAccessToken returns a token valid for at least minTTL, refreshing if needed.
	EnsureAccessToken(ctx context.Context, minTTL time.Duration) (string, error)
	// Refresh forces a refresh grant and tags the audit event with reason.
	Refresh(ctx context.Context, reason string) (*model.CredentialStatus, error)
}

// ICredential stores the single credential of an account.
type ICredential interface {
	// Load returns the stored credential, or nil when none is stored.
	Load(ctx context.Context) (*model.Credential, error)
	// Save replaces the stored credential.
	Save(ctx context.Context, cred *model.Credential) error
	// Delete removes the stored credential. Deleting nothing is not an error.
	Delete(ctx context.Context) error
}
