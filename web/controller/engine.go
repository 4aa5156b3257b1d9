package controller

import (
	"net/http"

	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/web/entity"
	"github.com/xshayank/VpnMarket-sub001/web/service"

	"github.com/gin-gonic/gin"
)

// EngineController exposes the usage, wallet and reactivation operations.
type EngineController struct {
	BaseController

	registry *provider.Registry
}

func NewEngineController(g *gin.RouterGroup, registry *provider.Registry) *EngineController {
	a := &EngineController{registry: registry}
	a.initRouter(g)
	return a
}

func (a *EngineController) initRouter(g *gin.RouterGroup) {
	r := g.Group("/resellers/:id", a.checkToken)
	r.POST("/charge", a.charge)
	r.POST("/sync", a.sync)
	r.POST("/signal", a.signal)
	r.POST("/topup", a.topUp)
	r.GET("/snapshots", a.snapshots)
	r.GET("/panels", a.panels)

	g.POST("/usage-sync", a.checkToken, a.usageSync)
	g.POST("/reenable", a.checkToken, a.reenable)
}

// engine is built per request so settings changes apply immediately.
func (a *EngineController) engine(c *gin.Context) (*service.Engine, bool) {
	e, err := service.NewEngineFromSettings(a.registry)
	if err != nil {
		jsonMsg(c, "load settings", err)
		return nil, false
	}
	return e, true
}

func (a *EngineController) charge(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	out := e.Wallet.Charge(c.Request.Context(), id, service.ChargeOptions{
		DryRun: queryBool(c, "dry_run"),
		Force:  queryBool(c, "force"),
		Source: "api",
	})
	switch out.Status {
	case service.ChargeFailed, service.ChargeLockFailed:
		c.JSON(http.StatusOK, entity.Msg{Success: false, Msg: "charge " + string(out.Status) + ": " + out.Error, Obj: out})
	default:
		jsonObj(c, out, nil)
	}
}

func (a *EngineController) sync(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	res, err := e.SyncReseller(c.Request.Context(), id)
	jsonMsgObj(c, "usage sync", res, err)
}

func (a *EngineController) usageSync(c *gin.Context) {
	e, ok := a.engine(c)
	if !ok {
		return
	}
	summary, err := e.RunUsageSync(c.Request.Context())
	jsonMsgObj(c, "usage sync", summary, err)
}

func (a *EngineController) signal(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	var req entity.SignalRequest
	if err := c.ShouldBind(&req); err != nil {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid request: "+err.Error())
		return
	}
	sig, ok := service.ParseOperatorSignal(req.Signal)
	if !ok {
		pureJsonMsg(c, http.StatusBadRequest, false, "unknown signal "+req.Signal)
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	reports, err := e.OnOperatorSignal(c.Request.Context(), id, sig)
	jsonMsgObj(c, "signal "+string(sig), reports, err)
}

func (a *EngineController) reenable(c *gin.Context) {
	var req entity.ReenableRequest
	if err := c.ShouldBind(&req); err != nil {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid request: "+err.Error())
		return
	}
	var reason model.SuspensionReason
	if req.Reason != "" {
		r, ok := model.ParseSuspensionReason(req.Reason)
		if !ok {
			pureJsonMsg(c, http.StatusBadRequest, false, "unknown reason "+req.Reason)
			return
		}
		reason = r
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	reports, err := e.RunReenable(c.Request.Context(), req.ResellerId, reason, req.Force)
	jsonMsgObj(c, "reenable", reports, err)
}

func (a *EngineController) topUp(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	var req entity.TopUpRequest
	if err := c.ShouldBind(&req); err != nil {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid request: "+err.Error())
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	balance, err := e.Wallet.TopUp(id, req.Amount, "api:"+getRemoteIp(c))
	if err != nil {
		jsonMsg(c, "top-up", err)
		return
	}
	obj := gin.H{"balance": balance}
	if req.Reactivate {
		reports, err := e.OnOperatorSignal(c.Request.Context(), id, service.SignalWalletTopUp)
		obj["reactivation"] = reports
		jsonMsgObj(c, "top-up", obj, err)
		return
	}
	jsonObj(c, obj, nil)
}

func (a *EngineController) snapshots(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	var q struct {
		Limit int `form:"limit"`
	}
	_ = c.ShouldBindQuery(&q)
	snapshots, err := e.Wallet.Snapshots(id, q.Limit)
	jsonObj(c, snapshots, err)
}

func (a *EngineController) panels(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	e, ok := a.engine(c)
	if !ok {
		return
	}
	snapshots, err := e.Aggregator.PanelSnapshots(id)
	jsonObj(c, snapshots, err)
}
