package service

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
)

// Audit actions emitted by the engine.
const (
	ActionResellerSuspended   = "reseller_suspended"
	ActionResellerReactivated = "reseller_reactivated"
	ActionConfigDisabled      = "config_disabled"
	ActionConfigEnabled       = "config_enabled"
	ActionConfigEnableFailed  = "config_enable_failed"
	ActionConfigReasonCleared = "config_reason_cleared"
	ActionWalletCharged       = "wallet_charged"
	ActionWalletTopUp         = "wallet_topup"
)

const (
	TargetReseller = "reseller"
	TargetConfig   = "config"
)

// ActorSystem is recorded for actions taken by scheduled runs.
const ActorSystem = "system"

// AuditEntry is one structured audit event.
type AuditEntry struct {
	Action     string
	TargetType string
	TargetId   int
	Reason     string
	Meta       map[string]any
	Actor      string
}

// AuditLogService writes and queries the audit trail.
type AuditLogService struct{}

// Record writes an entry outside of any transaction.
func (s *AuditLogService) Record(entry AuditEntry) error {
	return s.RecordTx(database.GetDB(), entry)
}

// RecordTx writes an entry with the given handle, so it commits or rolls back with the caller.
func (s *AuditLogService) RecordTx(tx *gorm.DB, entry AuditEntry) error {
	metaJSON := ""
	if len(entry.Meta) > 0 {
		data, err := json.Marshal(entry.Meta)
		if err != nil {
			logger.Warning("Failed to marshal audit log meta:", err)
		} else {
			metaJSON = string(data)
		}
	}
	actor := entry.Actor
	if actor == "" {
		actor = ActorSystem
	}

	auditLog := model.AuditLog{
		Action:     entry.Action,
		TargetType: entry.TargetType,
		TargetId:   entry.TargetId,
		Reason:     entry.Reason,
		Meta:       metaJSON,
		Actor:      actor,
		CreatedAt:  time.Now(),
	}
	if err := tx.Create(&auditLog).Error; err != nil {
		logger.Warningf("Failed to create audit log: action=%s, target=%s:%d, error=%v", entry.Action, entry.TargetType, entry.TargetId, err)
		return err
	}
	return nil
}

// RecordConfigEventTx appends a per-config lifecycle event.
func (s *AuditLogService) RecordConfigEventTx(tx *gorm.DB, event *model.ConfigEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	return tx.Create(event).Error
}

// AuditQuery filters GetAuditLogs. Zero values mean no filter.
type AuditQuery struct {
	Action     string
	TargetType string
	TargetId   int
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// GetAuditLogs retrieves audit logs with filters and pagination, newest first.
func (s *AuditLogService) GetAuditLogs(q AuditQuery) ([]model.AuditLog, int64, error) {
	db := database.GetDB()

	query := db.Model(&model.AuditLog{})
	if q.Action != "" {
		query = query.Where("action = ?", q.Action)
	}
	if q.TargetType != "" {
		query = query.Where("target_type = ?", q.TargetType)
	}
	if q.TargetId > 0 {
		query = query.Where("target_id = ?", q.TargetId)
	}
	if q.Since != nil {
		query = query.Where("created_at >= ?", q.Since)
	}
	if q.Until != nil {
		query = query.Where("created_at <= ?", q.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var logs []model.AuditLog
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(q.Offset).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// GetConfigEvents returns the lifecycle events of one config, newest first.
func (s *AuditLogService) GetConfigEvents(configId int, limit int) ([]model.ConfigEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []model.ConfigEvent
	err := database.GetDB().
		Where("config_id = ?", configId).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CleanOldLogs removes audit logs and config events older than specified days
func (s *AuditLogService) CleanOldLogs(days int) error {
	if days <= 0 {
		return fmt.Errorf("days must be greater than 0")
	}

	db := database.GetDB()
	cutoff := time.Now().AddDate(0, 0, -days)

	result := db.Where("created_at < ?", cutoff).Delete(&model.AuditLog{})
	if result.Error != nil {
		return result.Error
	}
	events := db.Where("created_at < ?", cutoff).Delete(&model.ConfigEvent{})
	if events.Error != nil {
		return events.Error
	}

	logger.Infof("Cleaned %d old audit logs and %d config events (older than %d days)", result.RowsAffected, events.RowsAffected, days)
	return nil
}
