// Package controller provides the HTTP handlers of the engine API.
package controller

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/xshayank/VpnMarket-sub001/config"
	"github.com/xshayank/VpnMarket-sub001/logger"

	"github.com/gin-gonic/gin"
)

// BaseController provides the token check shared by the API controllers.
type BaseController struct{}

// checkToken rejects requests without the configured bearer token.
func (a *BaseController) checkToken(c *gin.Context) {
	token := config.GetApiToken()
	if token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		logger.Warningf("rejected API request from %s to %s", getRemoteIp(c), c.FullPath())
		pureJsonMsg(c, http.StatusUnauthorized, false, "unauthorized")
		c.Abort()
		return
	}
	c.Next()
}
