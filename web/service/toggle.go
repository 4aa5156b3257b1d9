package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
)

// ConsistencyPolicy decides whether a local status change is committed given the remote outcome.
type ConsistencyPolicy int

const (
	// CommitAlways commits the local change whatever the panel answered.
	CommitAlways ConsistencyPolicy = iota
	// CommitOnRemoteSuccess commits only once the panel confirmed the change.
	CommitOnRemoteSuccess
)

// Disabling keeps local state authoritative even when a panel is down, so a suspended
// reseller is never left looking active. Enabling must not grant access the panel did not.
const (
	DisablePolicy = CommitAlways
	EnablePolicy  = CommitOnRemoteSuccess
)

func (p ConsistencyPolicy) shouldCommit(remoteOK bool) bool {
	return p == CommitAlways || remoteOK
}

// ConfigOpResult reports the remote and local outcome for one config.
type ConfigOpResult struct {
	ConfigId  int    `json:"configId"`
	Name      string `json:"name"`
	PanelId   int    `json:"panelId"`
	Committed bool   `json:"committed"`
	OpResult
}

// ConfigToggler flips configs on their panels and records the outcome locally.
type ConfigToggler struct {
	registry *provider.Registry
	executor *RemoteExecutor
	audit    AuditLogService
	now      func() time.Time
}

func NewConfigToggler(registry *provider.Registry, executor *RemoteExecutor) *ConfigToggler {
	return &ConfigToggler{
		registry: registry,
		executor: executor,
		now:      time.Now,
	}
}

func loadPanels(db *gorm.DB, configs []*model.Config) (map[int]*model.Panel, error) {
	ids := make([]int, 0, len(configs))
	seen := make(map[int]bool)
	for _, c := range configs {
		if !seen[c.PanelId] {
			seen[c.PanelId] = true
			ids = append(ids, c.PanelId)
		}
	}
	panels := make(map[int]*model.Panel, len(ids))
	if len(ids) == 0 {
		return panels, nil
	}
	var rows []*model.Panel
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		panels[p.Id] = p
	}
	return panels, nil
}

func (t *ConfigToggler) remote(ctx context.Context, panel *model.Panel, cfg *model.Config, enable bool) OpResult {
	action := "disable"
	if enable {
		action = "enable"
	}
	if panel == nil {
		err := fmt.Errorf("%w: panel %d not found", provider.ErrConfiguration, cfg.PanelId)
		return OpResult{LastError: err.Error(), err: err}
	}
	if !panel.Active {
		err := fmt.Errorf("%w: panel %d is inactive", provider.ErrConfiguration, panel.Id)
		return OpResult{LastError: err.Error(), err: err}
	}
	p, err := t.registry.For(panel)
	if err != nil {
		return OpResult{LastError: err.Error(), err: err}
	}
	return t.executor.Execute(ctx, opName(action, panel.PanelType), func(ctx context.Context) error {
		if enable {
			return p.Enable(ctx, cfg.PanelUserId)
		}
		return p.Disable(ctx, cfg.PanelUserId)
	})
}

// DisableConfigs disables each config remotely and commits the local disable regardless of
// the remote outcome. The configs are stamped with reason on top of any reason they carry.
func (t *ConfigToggler) DisableConfigs(ctx context.Context, resellerId int, configs []*model.Config, reason model.SuspensionReason, runId string) []ConfigOpResult {
	results := make([]ConfigOpResult, 0, len(configs))
	if len(configs) == 0 {
		return results
	}
	panels, err := loadPanels(database.GetDB(), configs)
	if err != nil {
		logger.Warning("load panels for disable failed:", err)
		panels = map[int]*model.Panel{}
	}

	for i, cfg := range configs {
		t.executor.RateLimit(ctx, i)
		res := t.remote(ctx, panels[cfg.PanelId], cfg, false)
		out := ConfigOpResult{ConfigId: cfg.Id, Name: cfg.Name, PanelId: cfg.PanelId, OpResult: res}
		if DisablePolicy.shouldCommit(res.Success) {
			if err := t.commitDisable(cfg, resellerId, reason, runId, res); err != nil {
				logger.Warningf("commit disable of config %d failed: %v", cfg.Id, err)
			} else {
				out.Committed = true
			}
		}
		results = append(results, out)
	}
	return results
}

func (t *ConfigToggler) commitDisable(cfg *model.Config, resellerId int, reason model.SuspensionReason, runId string, res OpResult) error {
	now := t.now()
	flags := cfg.SuspensionFlags.Add(reason)
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Config{}).Where("id = ?", cfg.Id).Updates(map[string]any{
			"status":                  model.ConfigDisabled,
			"suspension_flags":        flags,
			"disabled_by_reseller_id": resellerId,
			"disabled_at":             now,
		}).Error
		if err != nil {
			return err
		}
		err = t.audit.RecordConfigEventTx(tx, &model.ConfigEvent{
			ConfigId:      cfg.Id,
			Event:         model.EventAutoDisabled,
			Reason:        reason.String(),
			RemoteSuccess: res.Success,
			Attempts:      res.Attempts,
			LastError:     res.LastError,
			RunId:         runId,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		return t.audit.RecordTx(tx, AuditEntry{
			Action:     ActionConfigDisabled,
			TargetType: TargetConfig,
			TargetId:   cfg.Id,
			Reason:     reason.String(),
			Meta: map[string]any{
				"resellerId":    resellerId,
				"panelId":       cfg.PanelId,
				"remoteSuccess": res.Success,
				"attempts":      res.Attempts,
				"lastError":     res.LastError,
				"runId":         runId,
			},
		})
	})
	if err != nil {
		return err
	}
	cfg.Status = model.ConfigDisabled
	cfg.SuspensionFlags = flags
	cfg.DisabledByResellerId = &resellerId
	cfg.DisabledAt = &now
	return nil
}

// EnableConfig enables cfg remotely and only marks it active when the panel confirmed.
func (t *ConfigToggler) EnableConfig(ctx context.Context, panel *model.Panel, cfg *model.Config, reason model.SuspensionReason, runId string) ConfigOpResult {
	res := t.remote(ctx, panel, cfg, true)
	out := ConfigOpResult{ConfigId: cfg.Id, Name: cfg.Name, PanelId: cfg.PanelId, OpResult: res}
	if EnablePolicy.shouldCommit(res.Success) {
		if err := t.commitEnable(cfg, reason, runId, res); err != nil {
			logger.Warningf("commit enable of config %d failed: %v", cfg.Id, err)
		} else {
			out.Committed = true
		}
		return out
	}

	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		err := t.audit.RecordConfigEventTx(tx, &model.ConfigEvent{
			ConfigId:  cfg.Id,
			Event:     model.EventAutoEnableFailed,
			Reason:    reason.String(),
			Attempts:  res.Attempts,
			LastError: res.LastError,
			RunId:     runId,
			CreatedAt: t.now(),
		})
		if err != nil {
			return err
		}
		return t.audit.RecordTx(tx, AuditEntry{
			Action:     ActionConfigEnableFailed,
			TargetType: TargetConfig,
			TargetId:   cfg.Id,
			Reason:     reason.String(),
			Meta: map[string]any{
				"panelId":   cfg.PanelId,
				"attempts":  res.Attempts,
				"lastError": res.LastError,
				"runId":     runId,
			},
		})
	})
	if err != nil {
		logger.Warningf("record failed enable of config %d: %v", cfg.Id, err)
	}
	return out
}

func (t *ConfigToggler) commitEnable(cfg *model.Config, reason model.SuspensionReason, runId string, res OpResult) error {
	now := t.now()
	meta := datatypes.JSONMap(model.ClearLegacyMarkers(cfg.Meta))
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Config{}).Where("id = ?", cfg.Id).Updates(map[string]any{
			"status":                  model.ConfigActive,
			"suspension_flags":        model.SuspensionReason(0),
			"disabled_by_reseller_id": nil,
			"disabled_at":             nil,
			"meta":                    meta,
		}).Error
		if err != nil {
			return err
		}
		err = t.audit.RecordConfigEventTx(tx, &model.ConfigEvent{
			ConfigId:      cfg.Id,
			Event:         model.EventAutoEnabled,
			Reason:        reason.String(),
			RemoteSuccess: true,
			Attempts:      res.Attempts,
			RunId:         runId,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		return t.audit.RecordTx(tx, AuditEntry{
			Action:     ActionConfigEnabled,
			TargetType: TargetConfig,
			TargetId:   cfg.Id,
			Reason:     reason.String(),
			Meta: map[string]any{
				"panelId":  cfg.PanelId,
				"attempts": res.Attempts,
				"runId":    runId,
			},
		})
	})
	if err != nil {
		return err
	}
	cfg.Status = model.ConfigActive
	cfg.SuspensionFlags = 0
	cfg.DisabledByResellerId = nil
	cfg.DisabledAt = nil
	cfg.Meta = meta
	return nil
}

// ClearReason drops reason from a config that stays disabled for another reason.
func (t *ConfigToggler) ClearReason(cfg *model.Config, reason, remaining model.SuspensionReason, runId string) error {
	flags := cfg.SuspensionFlags.Remove(reason)
	meta := datatypes.JSONMap(model.ClearLegacyMarker(cfg.Meta, reason))
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Config{}).Where("id = ?", cfg.Id).Updates(map[string]any{
			"suspension_flags": flags,
			"meta":             meta,
		}).Error
		if err != nil {
			return err
		}
		return t.audit.RecordTx(tx, AuditEntry{
			Action:     ActionConfigReasonCleared,
			TargetType: TargetConfig,
			TargetId:   cfg.Id,
			Reason:     reason.String(),
			Meta: map[string]any{
				"remaining": remaining.String(),
				"runId":     runId,
			},
		})
	})
	if err != nil {
		return err
	}
	cfg.SuspensionFlags = flags
	cfg.Meta = meta
	return nil
}
