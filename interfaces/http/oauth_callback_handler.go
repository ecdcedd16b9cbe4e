package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"x-agent-manager/domain/model"
	"x-agent-manager/infrastructure/logger"
)

// ICredentialCompleter is the part of the credential use case the callback needs.
type ICredentialCompleter interface {
	Complete(ctx context.Context, code, state string) (*model.CredentialStatus, error)
	Status(ctx context.Context) (*model.CredentialStatus, error)
}

// IOAuthCallbackHandler defines the handlers served during `auth connect`
type IOAuthCallbackHandler interface {
	HandleCallback(ctx *gin.Context)
	Status(ctx *gin.Context)
	Done() <-chan CallbackResult
}

// CallbackResult is delivered once the provider redirected back.
type CallbackResult struct {
	Status *model.CredentialStatus
	Err    error
}

// OAuthCallbackHandler completes the PKCE flow from the provider redirect
type OAuthCallbackHandler struct {
	credentials   ICredentialCompleter
	expectedState string
	done          chan CallbackResult
}

// NewOAuthCallbackHandler creates a handler that accepts only expectedState.
// An empty expectedState defers all state checks to the credential use case.
func NewOAuthCallbackHandler(credentials ICredentialCompleter, expectedState string) IOAuthCallbackHandler {
	return &OAuthCallbackHandler{
		credentials:   credentials,
		expectedState: expectedState,
		done:          make(chan CallbackResult, 1),
	}
}

func (h *OAuthCallbackHandler) Done() <-chan CallbackResult { return h.done }

func (h *OAuthCallbackHandler) finish(res CallbackResult) {
	select {
	case h.done <- res:
	default:
	}
}

// HandleCallback handles GET <redirect path>
func (h *OAuthCallbackHandler) HandleCallback(ctx *gin.Context) {
	if errorParam := ctx.Query("error"); errorParam != "" {
		desc := ctx.Query("error_description")
		ctx.String(http.StatusBadRequest, "Authorization failed: %s %s", errorParam, desc)
		h.finish(CallbackResult{Err: fmt.Errorf("provider returned error %q: %s", errorParam, desc)})
		return
	}

	state := ctx.Query("state")
	if h.expectedState != "" && state != h.expectedState {
		ctx.String(http.StatusBadRequest, "Invalid state parameter")
		h.finish(CallbackResult{Err: &model.AuthStateError{Reason: model.AuthStateNotFound}})
		return
	}
	code := ctx.Query("code")
	if code == "" {
		ctx.String(http.StatusBadRequest, "Missing code parameter")
		h.finish(CallbackResult{Err: &model.ValidationError{Field: "code", Message: "missing from callback"}})
		return
	}

	status, err := h.credentials.Complete(ctx.Request.Context(), code, state)
	if err != nil {
		logger.GetLogger().WithField("error", err).Error("Error while completing OAuth authorization")
		var stateErr *model.AuthStateError
		if errors.As(err, &stateErr) {
			ctx.String(http.StatusBadRequest, "Authorization %s; run auth connect again", stateErr.Error())
		} else {
			ctx.String(http.StatusBadGateway, "Token exchange failed; see logs")
		}
		h.finish(CallbackResult{Err: err})
		return
	}

	ctx.String(http.StatusOK, "Authorization complete. You can close this tab.")
	h.finish(CallbackResult{Status: status})
}

// Status handles GET /auth/status
func (h *OAuthCallbackHandler) Status(ctx *gin.Context) {
	status, err := h.credentials.Status(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, status)
}

// ParseAuthCallback extracts code and state from a pasted redirect URL or query
// string. Anything without a code parameter is taken as a bare code.
func ParseAuthCallback(raw string) (code, state string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", &model.ValidationError{Field: "code", Message: "empty input"}
	}
	if !strings.Contains(raw, "code=") {
		return raw, "", nil
	}

	query := raw
	if u, perr := url.Parse(raw); perr == nil && u.RawQuery != "" {
		query = u.RawQuery
	} else if i := strings.Index(raw, "?"); i >= 0 {
		query = raw[i+1:]
	}
	values, perr := url.ParseQuery(query)
	if perr != nil {
		return "", "", &model.ValidationError{Field: "code", Message: "cannot parse callback: " + perr.Error()}
	}
	if e := values.Get("error"); e != "" {
		return "", "", fmt.Errorf("provider returned error %q: %s", e, values.Get("error_description"))
	}
	code = values.Get("code")
	if code == "" {
		return "", "", &model.ValidationError{Field: "code", Message: "missing from callback"}
	}
	return code, values.Get("state"), nil
}
