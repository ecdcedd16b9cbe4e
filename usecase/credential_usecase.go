package usecase

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

const minTokenLifetime = 60 * time.Second

const (
	RefreshReasonManual   = "manual"
	RefreshReasonExpiring = "expiring"
)

// ICredentialUseCase manages the OAuth2 PKCE lifecycle of the account credential.
type ICredentialUseCase interface {
	repository.ITokenProvider

	Start(ctx context.Context, redirectURI string) (*model.AuthStart, error)
	Complete(ctx context.Context, code, state string) (*model.CredentialStatus, error)
	Status(ctx context.Context) (*model.CredentialStatus, error)
	Revoke(ctx context.Context) error
}

// CredentialUseCase implements ICredentialUseCase on top of the authEvents
// collection and an encrypted credential repository.
type CredentialUseCase struct {
	store      repository.ICollectionStore
	creds      repository.ICredential
	oauth      configuration.OAuth
	httpClient *http.Client
	now        func() time.Time

	// refreshMu keeps concurrent callers in this process from spending one refresh token twice.
	refreshMu sync.Mutex
}

func NewCredentialUseCase(oauthCfg configuration.OAuth, timeout time.Duration, store repository.ICollectionStore, creds repository.ICredential) *CredentialUseCase {
	return &CredentialUseCase{
		store:      store,
		creds:      creds,
		oauth:      oauthCfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// WithClock overrides the time source (fluent).
func (u *CredentialUseCase) WithClock(now func() time.Time) *CredentialUseCase {
	u.now = now
	return u
}

// WithHTTPClient overrides the client used for token endpoint calls (fluent).
func (u *CredentialUseCase) WithHTTPClient(c *http.Client) *CredentialUseCase {
	u.httpClient = c
	return u
}

func (u *CredentialUseCase) oauthConfig(redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if u.oauth.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     u.oauth.ClientID,
		ClientSecret: u.oauth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   u.oauth.AuthURL,
			TokenURL:  u.oauth.TokenURL,
			AuthStyle: style,
		},
		RedirectURL: redirectURI,
		Scopes:      u.oauth.Scopes,
	}
}

func (u *CredentialUseCase) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)
}

// Start records a pending authorization attempt and returns the URL the user must visit.
func (u *CredentialUseCase) Start(ctx context.Context, redirectURI string) (*model.AuthStart, error) {
	if u.oauth.ClientID == "" {
		return nil, &model.ValidationError{Field: "client_id", Message: "OAuth client id is not configured"}
	}
	if redirectURI == "" {
		redirectURI = u.oauth.RedirectURI
	}
	if redirectURI == "" {
		return nil, &model.ValidationError{Field: "redirect_uri", Message: "required"}
	}

	state, err := randomToken(24)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()
	now := u.now().UTC()
	expiresAt := now.Add(u.oauth.StateTTL).Truncate(time.Second)

	event := model.AuthEvent{
		ID:        uuid.NewString(),
		EventType: model.AuthEventStart,
		Status:    model.AuthStatusPending,
		Metadata: model.AuthEventMetadata{
			State:        state,
			CodeVerifier: verifier,
			RedirectURI:  redirectURI,
			Scope:        strings.Join(u.oauth.Scopes, " "),
			ExpiresAt:    model.FormatTime(expiresAt),
		},
		CreatedAt: model.FormatTime(now),
	}
	if err := u.store.Append(ctx, model.CollectionAuthEvents, event); err != nil {
		return nil, fmt.Errorf("record oauth start: %w", err)
	}

	authURL := u.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	logger.GetLogger().WithField("event_id", event.ID).WithField("expires_at", event.Metadata.ExpiresAt).Info("OAuth authorization started")

	return &model.AuthStart{
		AuthURL:     authURL,
		State:       state,
		RedirectURI: redirectURI,
		ExpiresAt:   expiresAt,
	}, nil
}

// Complete exchanges an authorization code for a credential. Each pending state
// can be completed once; later attempts fail with AuthStateError "not found".
func (u *CredentialUseCase) Complete(ctx context.Context, code, state string) (*model.CredentialStatus, error) {
	code = strings.TrimSpace(code)
	state = strings.TrimSpace(state)
	if code == "" {
		return nil, &model.ValidationError{Field: "code", Message: "required"}
	}
	if state == "" {
		return nil, &model.ValidationError{Field: "state", Message: "required"}
	}

	events, err := repository.ReadAll[model.AuthEvent](ctx, u.store, model.CollectionAuthEvents)
	if err != nil {
		return nil, fmt.Errorf("read auth events: %w", err)
	}
	start := findPendingStart(events, state)
	if start == nil {
		return nil, &model.AuthStateError{Reason: model.AuthStateNotFound}
	}

	now := u.now().UTC()
	expiresAt, err := time.Parse(model.TimeLayout, start.Metadata.ExpiresAt)
	if err != nil || !now.Before(expiresAt) {
		stateErr := &model.AuthStateError{Reason: model.AuthStateExpired}
		u.appendComplete(ctx, start, model.AuthStatusError, stateErr.Error())
		return nil, stateErr
	}

	cfg := u.oauthConfig(start.Metadata.RedirectURI)
	tok, err := cfg.Exchange(u.httpContext(ctx), code, oauth2.VerifierOption(start.Metadata.CodeVerifier))
	if err != nil {
		exErr := tokenExchangeError("authorization_code", err)
		u.appendComplete(ctx, start, model.AuthStatusError, exErr.Error())
		return nil, exErr
	}

	cred := u.credentialFromToken(tok, now, start.Metadata.Scope)
	cred.ObtainedAt = now
	if cred.RefreshToken == "" {
		logger.GetLogger().Warn("Token response has no refresh token; request the offline.access scope to enable refresh")
	}
	if err := u.creds.Save(ctx, cred); err != nil {
		u.appendComplete(ctx, start, model.AuthStatusError, err.Error())
		return nil, fmt.Errorf("store credential: %w", err)
	}
	u.appendComplete(ctx, start, model.AuthStatusOK, "")

	logger.GetLogger().WithField("expires_at", model.FormatTime(cred.ExpiresAt)).WithField("refreshable", cred.RefreshToken != "").Info("OAuth authorization completed")
	return u.statusOf(cred), nil
}

// findPendingStart returns the most recent pending start for state that no
// oauth_complete event has consumed yet.
func findPendingStart(events []model.AuthEvent, state string) *model.AuthEvent {
	consumed := map[string]struct{}{}
	for _, e := range events {
		if e.EventType != model.AuthEventComplete {
			continue
		}
		if e.Metadata.State != "" {
			consumed["state:"+e.Metadata.State] = struct{}{}
		}
		if e.Metadata.StartEventID != "" {
			consumed["id:"+e.Metadata.StartEventID] = struct{}{}
		}
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.EventType != model.AuthEventStart || e.Status != model.AuthStatusPending || e.Metadata.State != state {
			continue
		}
		if _, ok := consumed["state:"+state]; ok {
			return nil
		}
		if _, ok := consumed["id:"+e.ID]; ok {
			return nil
		}
		return &e
	}
	return nil
}

func (u *CredentialUseCase) appendComplete(ctx context.Context, start *model.AuthEvent, status model.AuthEventStatus, errMsg string) {
	u.appendEvent(ctx, model.AuthEventComplete, status, model.AuthEventMetadata{
		State:        start.Metadata.State,
		StartEventID: start.ID,
		RedirectURI:  start.Metadata.RedirectURI,
		Error:        errMsg,
	})
}

func (u *CredentialUseCase) appendEvent(ctx context.Context, eventType model.AuthEventType, status model.AuthEventStatus, meta model.AuthEventMetadata) {
	event := model.AuthEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Status:    status,
		Metadata:  meta,
		CreatedAt: model.FormatTime(u.now()),
	}
	if err := u.store.Append(ctx, model.CollectionAuthEvents, event); err != nil {
		logger.GetLogger().WithField("error", err).WithField("event_type", eventType).Error("Error while recording auth event")
	}
}

// Status reports the stored credential without exposing token values.
func (u *CredentialUseCase) Status(ctx context.Context) (*model.CredentialStatus, error) {
	cred, err := u.creds.Load(ctx)
	if err != nil {
		return nil, err
	}
	return u.statusOf(cred), nil
}

func (u *CredentialUseCase) statusOf(cred *model.Credential) *model.CredentialStatus {
	if cred == nil || cred.AccessToken == "" {
		return &model.CredentialStatus{Refreshable: cred != nil && cred.RefreshToken != ""}
	}
	exp := cred.ExpiresAt
	return &model.CredentialStatus{
		Connected:   true,
		Expired:     !exp.IsZero() && !u.now().Before(exp),
		Refreshable: cred.RefreshToken != "",
		ExpiresAt:   &exp,
		Scope:       cred.Scope,
	}
}

// Refresh runs the refresh_token grant and replaces the stored credential.
func (u *CredentialUseCase) Refresh(ctx context.Context, reason string) (*model.CredentialStatus, error) {
	u.refreshMu.Lock()
	defer u.refreshMu.Unlock()

	cred, err := u.refreshLocked(ctx, reason)
	if err != nil {
		return nil, err
	}
	return u.statusOf(cred), nil
}

func (u *CredentialUseCase) refreshLocked(ctx context.Context, reason string) (*model.Credential, error) {
	if reason == "" {
		reason = RefreshReasonManual
	}
	cred, err := u.creds.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, model.ErrNoRefreshToken
	}

	now := u.now().UTC()
	cfg := u.oauthConfig(u.oauth.RedirectURI)
	tok, err := cfg.TokenSource(u.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		exErr := tokenExchangeError("refresh_token", err)
		u.appendEvent(ctx, model.AuthEventRefresh, model.AuthStatusError, model.AuthEventMetadata{Reason: reason, Error: exErr.Error()})
		return nil, exErr
	}

	next := u.credentialFromToken(tok, now, cred.Scope)
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	next.ObtainedAt = cred.ObtainedAt
	next.RefreshedAt = &now
	if err := u.creds.Save(ctx, next); err != nil {
		u.appendEvent(ctx, model.AuthEventRefresh, model.AuthStatusError, model.AuthEventMetadata{Reason: reason, Error: err.Error()})
		return nil, fmt.Errorf("store credential: %w", err)
	}
	u.appendEvent(ctx, model.AuthEventRefresh, model.AuthStatusOK, model.AuthEventMetadata{
		Reason:    reason,
		Scope:     next.Scope,
		ExpiresAt: model.FormatTime(next.ExpiresAt),
	})
	logger.GetLogger().WithField("reason", reason).WithField("expires_at", model.FormatTime(next.ExpiresAt)).Info("OAuth credential refreshed")
	return next, nil
}

// Revoke deletes the stored credential. Revoking without a credential succeeds.
func (u *CredentialUseCase) Revoke(ctx context.Context) error {
	if err := u.creds.Delete(ctx); err != nil {
		return err
	}
	u.appendEvent(ctx, model.AuthEventRevoke, model.AuthStatusOK, model.AuthEventMetadata{})
	logger.GetLogger().Info("OAuth credential revoked")
	return nil
}

// EnsureAccessToken returns an access token that stays valid for more than minTTL,
// refreshing the credential first when it does not.
func (u *CredentialUseCase) EnsureAccessToken(ctx context.Context, minTTL time.Duration) (string, error) {
	cred, err := u.creds.Load(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil || cred.AccessToken == "" {
		return "", model.ErrNotConnected
	}
	if cred.ExpiresAt.Sub(u.now()) > minTTL {
		return cred.AccessToken, nil
	}

	u.refreshMu.Lock()
	defer u.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited.
	if cur, err := u.creds.Load(ctx); err == nil && cur != nil && cur.AccessToken != "" && cur.ExpiresAt.Sub(u.now()) > minTTL {
		return cur.AccessToken, nil
	}
	next, err := u.refreshLocked(ctx, RefreshReasonExpiring)
	if err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

func (u *CredentialUseCase) credentialFromToken(tok *oauth2.Token, now time.Time, fallbackScope string) *model.Credential {
	scope, _ := tok.Extra("scope").(string)
	if scope == "" {
		scope = fallbackScope
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		ExpiresAt:    now.Add(tokenLifetime(tok, now)).Truncate(time.Second),
	}
}

// tokenLifetime reads expires_in from the raw response, falling back to the
// computed expiry, and never returns less than a minute.
func tokenLifetime(tok *oauth2.Token, now time.Time) time.Duration {
	var ttl time.Duration
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		ttl = time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Int64(); err == nil {
			ttl = time.Duration(n) * time.Second
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ttl = time.Duration(n) * time.Second
		}
	default:
		if !tok.Expiry.IsZero() {
			ttl = tok.Expiry.Sub(now)
		}
	}
	if ttl < minTokenLifetime {
		ttl = minTokenLifetime
	}
	return ttl
}

func tokenExchangeError(grant string, err error) *model.TokenExchangeError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return &model.TokenExchangeError{Grant: grant, StatusCode: status, Body: strings.TrimSpace(string(rErr.Body)), Err: err}
	}
	return &model.TokenExchangeError{Grant: grant, Err: err}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
