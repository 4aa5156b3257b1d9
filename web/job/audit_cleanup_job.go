package job

import (
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

// AuditCleanupJob cleans up old audit logs and config events
type AuditCleanupJob struct {
	auditService   service.AuditLogService
	settingService service.SettingService
}

// NewAuditCleanupJob creates a new audit cleanup job
func NewAuditCleanupJob() *AuditCleanupJob {
	return &AuditCleanupJob{
		auditService:   service.AuditLogService{},
		settingService: service.SettingService{},
	}
}

// Run cleans up old audit logs
func (j *AuditCleanupJob) Run() {
	logger.Debug("Audit cleanup job started")

	retentionDays, err := j.settingService.GetAuditRetentionDays()
	if err != nil || retentionDays <= 0 {
		retentionDays = 90 // Default 90 days
	}

	err = j.auditService.CleanOldLogs(retentionDays)
	if err != nil {
		logger.Warning("Failed to clean old audit logs:", err)
	} else {
		logger.Debugf("Audit cleanup completed (retention: %d days)", retentionDays)
	}
}
