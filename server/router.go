package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpHandler "x-agent-manager/interfaces/http"
	"x-agent-manager/infrastructure/logger"
)

// InitiateRouter serves the OAuth redirect path and a status probe on the
// loopback callback server.
func InitiateRouter(callbackPath string, callbackHandler httpHandler.IOAuthCallbackHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	if callbackPath == "" {
		callbackPath = "/callback"
	}
	router.GET(callbackPath, callbackHandler.HandleCallback)
	router.GET("/auth/status", callbackHandler.Status)
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		logger.GetLogger().
			WithField("method", ctx.Request.Method).
			WithField("path", ctx.Request.URL.Path).
			WithField("status", ctx.Writer.Status()).
			Info("Callback server request")
	}
}
