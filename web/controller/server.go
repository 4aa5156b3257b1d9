package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xshayank/VpnMarket-sub001/config"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxLogCount = 1000

// ServerController serves process status, buffered logs and metrics.
type ServerController struct {
	BaseController

	startTime time.Time
}

func NewServerController(g *gin.RouterGroup) *ServerController {
	a := &ServerController{startTime: time.Now()}
	a.initRouter(g)
	return a
}

func (a *ServerController) initRouter(g *gin.RouterGroup) {
	api := g.Group("/api", a.checkToken)
	api.GET("/status", a.status)
	api.GET("/logs", a.getLogs)

	g.GET("/metrics", a.checkToken, gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}

func (a *ServerController) status(c *gin.Context) {
	jsonObj(c, gin.H{
		"name":    config.GetName(),
		"version": config.GetVersion(),
		"uptime":  int64(time.Since(a.startTime).Seconds()),
	}, nil)
}

// getLogs returns the newest buffered log lines, filtered by ?count= and ?level=.
func (a *ServerController) getLogs(c *gin.Context) {
	count := 100
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			pureJsonMsg(c, http.StatusBadRequest, false, "invalid count")
			return
		}
		count = min(n, maxLogCount)
	}
	level := c.DefaultQuery("level", "DEBUG")
	jsonObj(c, logger.GetLogs(count, level), nil)
}
