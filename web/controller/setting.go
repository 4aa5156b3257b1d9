package controller

import (
	"net/http"
	"time"

	"github.com/xshayank/VpnMarket-sub001/web/entity"
	"github.com/xshayank/VpnMarket-sub001/web/service"

	"github.com/gin-gonic/gin"
)

// SettingController reads and updates the engine tunables.
type SettingController struct {
	BaseController

	settingService service.SettingService
	processService service.ProcessService
}

func NewSettingController(g *gin.RouterGroup) *SettingController {
	a := &SettingController{}
	a.initRouter(g)
	return a
}

func (a *SettingController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/settings", a.checkToken)
	g.GET("", a.getAllSetting)
	g.GET("/engine", a.getEngineConfig)
	g.POST("", a.updateSetting)
	g.POST("/reset", a.resetSetting)
	g.POST("/reload", a.reload)
}

func (a *SettingController) getAllSetting(c *gin.Context) {
	settings, err := a.settingService.GetAllSettings()
	jsonObj(c, settings, err)
}

func (a *SettingController) getEngineConfig(c *gin.Context) {
	cfg, err := a.settingService.GetEngineConfig()
	jsonObj(c, cfg, err)
}

func (a *SettingController) updateSetting(c *gin.Context) {
	var req entity.SettingRequest
	if err := c.ShouldBind(&req); err != nil {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid request: "+err.Error())
		return
	}
	err := a.settingService.SetSetting(req.Key, req.Value)
	jsonMsg(c, "update setting "+req.Key, err)
}

func (a *SettingController) resetSetting(c *gin.Context) {
	err := a.settingService.ResetSettings()
	jsonMsg(c, "reset settings", err)
}

// reload restarts the server so changed cron schedules are picked up.
func (a *SettingController) reload(c *gin.Context) {
	err := a.processService.Reload(3 * time.Second)
	jsonMsg(c, "reload", err)
}
