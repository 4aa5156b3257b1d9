package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

// AuditController handles audit log operations
type AuditController struct {
	BaseController

	auditService service.AuditLogService
}

// NewAuditController creates a new audit controller
func NewAuditController(g *gin.RouterGroup) *AuditController {
	a := &AuditController{
		auditService: service.AuditLogService{},
	}
	a.initRouter(g)
	return a
}

func (a *AuditController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/audit", a.checkToken)
	g.GET("", a.getAuditLogs)
	g.GET("/configs/:id/events", a.getConfigEvents)
	g.POST("/clean", a.cleanOldLogs)
}

// getAuditLogs retrieves audit logs with filters
func (a *AuditController) getAuditLogs(c *gin.Context) {
	type request struct {
		Action     string `form:"action"`
		TargetType string `form:"target_type"`
		TargetId   int    `form:"target_id"`
		StartTime  string `form:"start_time"`
		EndTime    string `form:"end_time"`
		Limit      int    `form:"limit"`
		Offset     int    `form:"offset"`
	}

	var req request
	if err := c.ShouldBindQuery(&req); err != nil {
		pureJsonMsg(c, http.StatusBadRequest, false, "invalid request: "+err.Error())
		return
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	q := service.AuditQuery{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetId:   req.TargetId,
		Limit:      req.Limit,
		Offset:     req.Offset,
	}
	if req.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, req.StartTime); err == nil {
			q.Since = &t
		}
	}
	if req.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, req.EndTime); err == nil {
			q.Until = &t
		}
	}

	logs, total, err := a.auditService.GetAuditLogs(q)
	if err != nil {
		jsonMsg(c, "Failed to get audit logs", err)
		return
	}

	jsonObj(c, gin.H{
		"logs":  logs,
		"total": total,
	}, nil)
}

func (a *AuditController) getConfigEvents(c *gin.Context) {
	id, ok := paramId(c, "id")
	if !ok {
		return
	}
	events, err := a.auditService.GetConfigEvents(id, 0)
	jsonObj(c, events, err)
}

// cleanOldLogs removes old audit logs
func (a *AuditController) cleanOldLogs(c *gin.Context) {
	type request struct {
		Days int `json:"days" form:"days"`
	}

	var req request
	if err := c.ShouldBind(&req); err != nil {
		jsonMsg(c, "Invalid request", err)
		return
	}

	if req.Days <= 0 {
		req.Days = 90
	}

	err := a.auditService.CleanOldLogs(req.Days)
	jsonMsg(c, "Clean old logs", err)
}
