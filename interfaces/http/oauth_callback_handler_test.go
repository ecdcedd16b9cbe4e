package http_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"x-agent-manager/domain/model"
	httpHandler "x-agent-manager/interfaces/http"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, code, state string) (*model.CredentialStatus, error) {
	args := m.Called(ctx, code, state)
	s, _ := args.Get(0).(*model.CredentialStatus)
	return s, args.Error(1)
}

func (m *mockCompleter) Status(ctx context.Context) (*model.CredentialStatus, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*model.CredentialStatus)
	return s, args.Error(1)
}

func serve(h httpHandler.IOAuthCallbackHandler, target string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/callback", h.HandleCallback)
	r.GET("/auth/status", h.Status)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHandleCallback_Success(t *testing.T) {
	completer := &mockCompleter{}
	completer.On("Complete", mock.Anything, "abc", "st").Return(&model.CredentialStatus{Connected: true}, nil)
	h := httpHandler.NewOAuthCallbackHandler(completer, "st")

	w := serve(h, "/callback?code=abc&state=st")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Authorization complete")

	res := <-h.Done()
	require.NoError(t, res.Err)
	assert.True(t, res.Status.Connected)
}

func TestHandleCallback_Rejections(t *testing.T) {
	cases := map[string]string{
		"provider error": "/callback?error=access_denied&state=st",
		"wrong state":    "/callback?code=abc&state=other",
		"missing code":   "/callback?state=st",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			completer := &mockCompleter{}
			h := httpHandler.NewOAuthCallbackHandler(completer, "st")

			w := serve(h, target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			res := <-h.Done()
			assert.Error(t, res.Err)
			completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandleCallback_CompleteFails(t *testing.T) {
	completer := &mockCompleter{}
	completer.On("Complete", mock.Anything, "abc", "st").Return(nil, &model.AuthStateError{Reason: model.AuthStateExpired})
	h := httpHandler.NewOAuthCallbackHandler(completer, "")

	w := serve(h, "/callback?code=abc&state=st")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	completer = &mockCompleter{}
	completer.On("Complete", mock.Anything, "abc", "st").Return(nil, &model.TokenExchangeError{Grant: "authorization_code", StatusCode: 400})
	h = httpHandler.NewOAuthCallbackHandler(completer, "")
	w = serve(h, "/callback?code=abc&state=st")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStatus(t *testing.T) {
	completer := &mockCompleter{}
	completer.On("Status", mock.Anything).Return(&model.CredentialStatus{Connected: true, Refreshable: true}, nil).Once()
	completer.On("Status", mock.Anything).Return(nil, errors.New("boom")).Once()
	h := httpHandler.NewOAuthCallbackHandler(completer, "")

	w := serve(h, "/auth/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connected":true,"expired":false,"refreshable":true}`, w.Body.String())

	w = serve(h, "/auth/status")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestParseAuthCallback(t *testing.T) {
	code, state, err := httpHandler.ParseAuthCallback("http://127.0.0.1:8787/callback?state=s1&code=c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", code)
	assert.Equal(t, "s1", state)

	code, state, err = httpHandler.ParseAuthCallback("  code=c2&state=s2 ")
	require.NoError(t, err)
	assert.Equal(t, "c2", code)
	assert.Equal(t, "s2", state)

	code, state, err = httpHandler.ParseAuthCallback("bare-code")
	require.NoError(t, err)
	assert.Equal(t, "bare-code", code)
	assert.Empty(t, state)

	_, _, err = httpHandler.ParseAuthCallback("")
	assert.Error(t, err)

	_, _, err = httpHandler.ParseAuthCallback("http://127.0.0.1:8787/callback?error=access_denied&code=")
	assert.Error(t, err)
}
