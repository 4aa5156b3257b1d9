package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"
)

// PanelUsage is the subtotal of one panel for one reseller.
type PanelUsage struct {
	PanelId       int    `json:"panelId"`
	PanelName     string `json:"panelName"`
	TotalBytes    int64  `json:"totalBytes"`
	Configs       int    `json:"configs"`
	ActiveConfigs int    `json:"activeConfigs"`
	Failures      int    `json:"failures"`
	Error         string `json:"error,omitempty"`
}

// AggregateReport is the usage of a reseller across all its panels.
type AggregateReport struct {
	ResellerId         int          `json:"resellerId"`
	Panels             []PanelUsage `json:"panels"`
	TotalBytes         int64        `json:"totalBytes"`
	ForgivenBytes      int64        `json:"forgivenBytes"`
	EffectiveUsedBytes int64        `json:"effectiveUsedBytes"`
	Failures           int          `json:"failures"`
}

// UsageAggregator reads config usage from every panel of a reseller and persists the totals.
type UsageAggregator struct {
	cfg      EngineConfig
	registry *provider.Registry
	executor *RemoteExecutor
	now      func() time.Time
}

func NewUsageAggregator(cfg EngineConfig, registry *provider.Registry, executor *RemoteExecutor) *UsageAggregator {
	return &UsageAggregator{cfg: cfg, registry: registry, executor: executor, now: time.Now}
}

// Panels returns the panels whose configs count toward the reseller's usage.
// Without assignments, or with aggregation off, only the primary panel counts.
func (a *UsageAggregator) Panels(r *model.Reseller) ([]*model.Panel, error) {
	db := database.GetDB()
	var panels []*model.Panel
	if a.cfg.UsageAggregationEnabled {
		err := db.Model(&model.Panel{}).
			Joins("JOIN reseller_panels ON reseller_panels.panel_id = panels.id").
			Where("reseller_panels.reseller_id = ?", r.Id).
			Order("panels.id").
			Find(&panels).Error
		if err != nil {
			return nil, err
		}
		if len(panels) > 0 {
			return panels, nil
		}
	}
	if r.PrimaryPanelId == 0 {
		return nil, nil
	}
	primary := &model.Panel{}
	err := db.First(primary, r.PrimaryPanelId).Error
	if database.IsNotFound(err) {
		logger.Warningf("reseller %d: primary panel %d not found", r.Id, r.PrimaryPanelId)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*model.Panel{primary}, nil
}

// Aggregate refreshes per-config usage and stores the per-panel and reseller totals.
// A config whose read fails keeps its last stored counter in the totals, and a failed
// panel never aborts the other panels.
func (a *UsageAggregator) Aggregate(ctx context.Context, r *model.Reseller) (*AggregateReport, error) {
	panels, err := a.Panels(r)
	if err != nil {
		return nil, err
	}
	report := &AggregateReport{ResellerId: r.Id, ForgivenBytes: r.AdminForgivenBytes}
	for _, panel := range panels {
		usage := a.aggregatePanel(ctx, r, panel)
		report.Panels = append(report.Panels, usage)
		report.TotalBytes += usage.TotalBytes
		report.Failures += usage.Failures
	}
	report.EffectiveUsedBytes = max(report.TotalBytes-r.AdminForgivenBytes, 0)

	err = database.GetDB().Model(&model.Reseller{}).
		Where("id = ?", r.Id).
		Update("traffic_used_bytes", report.EffectiveUsedBytes).Error
	if err != nil {
		return report, err
	}
	r.TrafficUsedBytes = report.EffectiveUsedBytes
	return report, nil
}

func (a *UsageAggregator) aggregatePanel(ctx context.Context, r *model.Reseller, panel *model.Panel) PanelUsage {
	usage := PanelUsage{PanelId: panel.Id, PanelName: panel.Name}
	db := database.GetDB()

	// disabled configs still carry usage the reseller is accountable for
	var configs []*model.Config
	err := db.Where("reseller_id = ? AND panel_id = ?", r.Id, panel.Id).
		Where("status IN ?", []model.ConfigStatus{model.ConfigActive, model.ConfigDisabled}).
		Order("id").
		Find(&configs).Error
	if err != nil {
		usage.Failures++
		usage.Error = err.Error()
		logger.Warningf("reseller %d panel %d: load configs failed: %v", r.Id, panel.Id, err)
		return usage
	}
	usage.Configs = len(configs)

	var p provider.Provider
	if !panel.Active {
		usage.Error = "panel inactive"
	} else if p, err = a.registry.For(panel); err != nil {
		usage.Error = err.Error()
		logger.Warningf("reseller %d panel %d: %v", r.Id, panel.Id, err)
	}

	abandoned := p == nil
	for i, c := range configs {
		if c.Status == model.ConfigActive {
			usage.ActiveConfigs++
		}
		usage.TotalBytes += c.SettledUsageBytes
		if abandoned {
			usage.TotalBytes += c.UsageBytes
			usage.Failures++
			continue
		}

		a.executor.RateLimit(ctx, i)
		var read int64
		res := a.executor.Execute(ctx, opName("usage", panel.PanelType), func(ctx context.Context) error {
			n, err := p.GetUsage(ctx, c.PanelUserId)
			read = n
			return err
		})
		if !res.Success {
			usage.TotalBytes += c.UsageBytes
			usage.Failures++
			usage.Error = res.LastError
			metrics.PanelFailures.WithLabelValues(idLabel(panel.Id)).Inc()
			if panelUnreachable(res.Err()) {
				logger.Warningf("reseller %d panel %d unreachable, skipping its remaining configs: %s", r.Id, panel.Id, res.LastError)
				abandoned = true
			}
			continue
		}
		usage.TotalBytes += read
		if read != c.UsageBytes {
			if err := db.Model(&model.Config{}).Where("id = ?", c.Id).Update("usage_bytes", read).Error; err != nil {
				logger.Warningf("config %d: store usage failed: %v", c.Id, err)
			} else {
				c.UsageBytes = read
			}
		}
	}

	if err := a.storePanelSnapshot(db, r.Id, usage); err != nil {
		logger.Warningf("reseller %d panel %d: store snapshot failed: %v", r.Id, panel.Id, err)
	}
	metrics.PanelUsageBytes.WithLabelValues(idLabel(r.Id), idLabel(panel.Id)).Set(float64(usage.TotalBytes))
	return usage
}

func panelUnreachable(err error) bool {
	return errors.Is(err, provider.ErrRemoteUnavailable) ||
		errors.Is(err, provider.ErrAuthFailed) ||
		errors.Is(err, provider.ErrConfiguration)
}

func (a *UsageAggregator) storePanelSnapshot(db *gorm.DB, resellerId int, usage PanelUsage) error {
	snapshot := &model.PanelUsageSnapshot{
		ResellerId:        resellerId,
		PanelId:           usage.PanelId,
		TotalUsageBytes:   usage.TotalBytes,
		ActiveConfigCount: usage.ActiveConfigs,
		CapturedAt:        a.now(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reseller_id"}, {Name: "panel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_usage_bytes", "active_config_count", "captured_at"}),
	}).Create(snapshot).Error
}

// PanelSnapshots returns the last stored per-panel totals of a reseller.
func (a *UsageAggregator) PanelSnapshots(resellerId int) ([]model.PanelUsageSnapshot, error) {
	var snapshots []model.PanelUsageSnapshot
	err := database.GetDB().Where("reseller_id = ?", resellerId).Order("panel_id").Find(&snapshots).Error
	return snapshots, err
}
