package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	httpHandler "x-agent-manager/interfaces/http"
	"x-agent-manager/server"
)

type stubHandler struct {
	httpHandler.IOAuthCallbackHandler
	called string
}

func (s *stubHandler) HandleCallback(ctx *gin.Context) {
	s.called = "callback"
	ctx.Status(http.StatusNoContent)
}

func (s *stubHandler) Status(ctx *gin.Context) {
	s.called = "status"
	ctx.Status(http.StatusNoContent)
}

func TestInitiateRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &stubHandler{}
	r := server.InitiateRouter("/oauth/cb", h)

	for path, want := range map[string]string{"/oauth/cb?code=1": "callback", "/auth/status": "status"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, want, h.called)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
