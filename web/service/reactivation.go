package service

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"
)

// Reactivation outcomes at reseller level.
const (
	ReactivationDone              = "done"
	ReactivationConditionNotClear = "condition_not_cleared"
	ReactivationResellerSuspended = "reseller_still_suspended"
)

// resellerReasons are the reasons that only hold while the reseller itself is suspended.
const resellerReasons = model.ReasonResellerQuota | model.ReasonTimeWindow | model.ReasonWallet

// sweepOrder is the order a full sweep walks the reasons in.
var sweepOrder = []model.SuspensionReason{
	model.ReasonResellerQuota,
	model.ReasonTimeWindow,
	model.ReasonWallet,
	model.ReasonConfigOverrun,
}

type ReactivationReport struct {
	ResellerId       int              `json:"resellerId"`
	Reason           string           `json:"reason"`
	RunId            string           `json:"runId"`
	Status           string           `json:"status"`
	ResellerRestored bool             `json:"resellerRestored"`
	Matched          int              `json:"matched"`
	Enabled          int              `json:"enabled"`
	Failed           int              `json:"failed"`
	StillSuspended   int              `json:"stillSuspended"`
	Results          []ConfigOpResult `json:"results,omitempty"`
}

// ReactivationEngine restores resellers whose suspension condition cleared and re-enables
// the configs that were disabled for it.
type ReactivationEngine struct {
	cfg     EngineConfig
	toggler *ConfigToggler
	quota   *QuotaEnforcer
	audit   AuditLogService
	now     func() time.Time
}

func NewReactivationEngine(cfg EngineConfig, toggler *ConfigToggler, quota *QuotaEnforcer) *ReactivationEngine {
	return &ReactivationEngine{cfg: cfg, toggler: toggler, quota: quota, now: time.Now}
}

// CanReactivate reports whether the condition behind reason no longer holds for r.
func (e *ReactivationEngine) CanReactivate(r *model.Reseller, reason model.SuspensionReason) bool {
	switch reason {
	case model.ReasonWallet:
		return r.WalletBalance.GreaterThan(e.cfg.WalletSuspensionThreshold)
	case model.ReasonResellerQuota:
		return !e.quota.Evaluate(r).QuotaExceeded
	case model.ReasonTimeWindow:
		return !e.quota.Evaluate(r).WindowExpired
	case model.ReasonConfigOverrun:
		return true
	}
	return false
}

// restorable reports whether every condition that suspended r has cleared.
func (e *ReactivationEngine) restorable(r *model.Reseller) bool {
	switch r.Status {
	case model.ResellerSuspendedWallet:
		return e.CanReactivate(r, model.ReasonWallet)
	case model.ResellerSuspended:
		return !e.quota.Evaluate(r).ShouldSuspend()
	}
	return true
}

func statusMatches(status model.ResellerStatus, reason model.SuspensionReason) bool {
	switch status {
	case model.ResellerSuspendedWallet:
		return reason == model.ReasonWallet
	case model.ResellerSuspended:
		return reason == model.ReasonResellerQuota || reason == model.ReasonTimeWindow
	}
	return false
}

// Candidates returns the disabled configs of a reseller that carry reason, either in
// the flag column or as a legacy meta marker. Each config appears once.
func (e *ReactivationEngine) Candidates(resellerId int, reason model.SuspensionReason) ([]*model.Config, error) {
	db := database.GetDB()
	var flagged []*model.Config
	err := db.Where("reseller_id = ? AND status = ?", resellerId, model.ConfigDisabled).
		Where("(suspension_flags & ?) != 0", int(reason)).
		Find(&flagged).Error
	if err != nil {
		return nil, err
	}
	var withMeta []*model.Config
	err = db.Where("reseller_id = ? AND status = ? AND meta IS NOT NULL", resellerId, model.ConfigDisabled).
		Find(&withMeta).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(flagged))
	candidates := make([]*model.Config, 0, len(flagged))
	for _, c := range flagged {
		seen[c.Id] = true
		candidates = append(candidates, c)
	}
	for _, c := range withMeta {
		if !seen[c.Id] && model.LegacyMarkers(c.Meta).Has(reason) {
			seen[c.Id] = true
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Id < candidates[j].Id })
	return candidates, nil
}

// Reactivate restores the reseller when it was suspended for reason and the condition
// cleared, then re-enables the configs carrying reason. force skips the condition checks.
// The reseller is always restored before any config is touched.
func (e *ReactivationEngine) Reactivate(ctx context.Context, resellerId int, reason model.SuspensionReason, force bool) (*ReactivationReport, error) {
	r := &model.Reseller{}
	if err := database.GetDB().First(r, resellerId).Error; err != nil {
		return nil, err
	}
	report := &ReactivationReport{
		ResellerId: resellerId,
		Reason:     reason.String(),
		RunId:      newRunId(),
		Status:     ReactivationDone,
	}

	if r.IsSuspended() {
		if !statusMatches(r.Status, reason) {
			report.Status = ReactivationResellerSuspended
			return report, nil
		}
		if !force && !e.restorable(r) {
			report.Status = ReactivationConditionNotClear
			return report, nil
		}
		restored, err := e.restore(r, reason, force)
		if err != nil {
			return report, err
		}
		if !restored {
			report.Status = ReactivationResellerSuspended
			return report, nil
		}
		report.ResellerRestored = true
		logger.Infof("reseller %d reactivated (%s)", r.Id, reason)
	}

	candidates, err := e.Candidates(resellerId, reason)
	if err != nil {
		return report, err
	}
	report.Matched = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}
	panels, err := loadPanels(database.GetDB(), candidates)
	if err != nil {
		return report, err
	}

	ops := 0
	for _, c := range candidates {
		overrun := e.quota.ConfigOverrun(c)
		if reason == model.ReasonConfigOverrun && overrun && !force {
			report.StillSuspended++
			continue
		}
		remaining := c.SuspensionFlags.Add(model.LegacyMarkers(c.Meta)).Remove(reason).Remove(resellerReasons)
		if force || !overrun {
			remaining = remaining.Remove(model.ReasonConfigOverrun)
		}
		if !remaining.IsZero() {
			if err := e.toggler.ClearReason(c, reason, remaining, report.RunId); err != nil {
				logger.Warningf("clear %s from config %d failed: %v", reason, c.Id, err)
			}
			report.StillSuspended++
			continue
		}

		e.toggler.executor.RateLimit(ctx, ops)
		ops++
		res := e.toggler.EnableConfig(ctx, panels[c.PanelId], c, reason, report.RunId)
		report.Results = append(report.Results, res)
		if res.Committed {
			report.Enabled++
			metrics.Reactivations.WithLabelValues(reason.String(), "enabled").Inc()
		} else {
			report.Failed++
			metrics.Reactivations.WithLabelValues(reason.String(), "failed").Inc()
		}
	}
	logger.Infof("reseller %d %s sweep: matched=%d enabled=%d failed=%d still_suspended=%d",
		resellerId, reason, report.Matched, report.Enabled, report.Failed, report.StillSuspended)
	return report, nil
}

// ReactivateImplied runs Reactivate for reason and, when that restored the reseller,
// also for the other reseller-level reasons the same suspension covered.
// Follow-up reports with nothing to do are dropped.
func (e *ReactivationEngine) ReactivateImplied(ctx context.Context, resellerId int, reason model.SuspensionReason, force bool) ([]*ReactivationReport, error) {
	report, err := e.Reactivate(ctx, resellerId, reason, force)
	if err != nil {
		return nil, err
	}
	reports := []*ReactivationReport{report}
	if !report.ResellerRestored {
		return reports, nil
	}
	for _, sibling := range impliedReasons(reason) {
		rep, err := e.Reactivate(ctx, resellerId, sibling, force)
		if err != nil {
			return reports, err
		}
		if rep.Matched > 0 {
			reports = append(reports, rep)
		}
	}
	return reports, nil
}

// impliedReasons are the reasons sharing reason's reseller status.
func impliedReasons(reason model.SuspensionReason) []model.SuspensionReason {
	switch reason {
	case model.ReasonResellerQuota:
		return []model.SuspensionReason{model.ReasonTimeWindow}
	case model.ReasonTimeWindow:
		return []model.SuspensionReason{model.ReasonResellerQuota}
	}
	return nil
}

func (e *ReactivationEngine) restore(r *model.Reseller, reason model.SuspensionReason, force bool) (bool, error) {
	restored := false
	from := r.Status
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Reseller{}).
			Where("id = ? AND status = ?", r.Id, from).
			Updates(map[string]any{
				"status":            model.ResellerActive,
				"suspended_at":      nil,
				"suspension_reason": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		restored = true
		return e.audit.RecordTx(tx, AuditEntry{
			Action:     ActionResellerReactivated,
			TargetType: TargetReseller,
			TargetId:   r.Id,
			Reason:     reason.String(),
			Meta: map[string]any{
				"from":             string(from),
				"suspensionReason": r.SuspensionReason,
				"force":            force,
			},
		})
	})
	if err != nil || !restored {
		return false, err
	}
	r.Status = model.ResellerActive
	r.SuspendedAt = nil
	r.SuspensionReason = ""
	return true, nil
}

// Sweep walks every reason for one reseller. Reports with nothing to do are dropped.
func (e *ReactivationEngine) Sweep(ctx context.Context, resellerId int, force bool) ([]*ReactivationReport, error) {
	var reports []*ReactivationReport
	for _, reason := range sweepOrder {
		report, err := e.Reactivate(ctx, resellerId, reason, force)
		if err != nil {
			return reports, err
		}
		if report.ResellerRestored || report.Matched > 0 {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// SweepAll sweeps every reseller that has a disabled config or is suspended.
func (e *ReactivationEngine) SweepAll(ctx context.Context) ([]*ReactivationReport, error) {
	db := database.GetDB()
	var ids []int
	err := db.Model(&model.Reseller{}).
		Where("status <> ? OR id IN (?)", model.ResellerActive,
			db.Model(&model.Config{}).Select("reseller_id").Where("status = ?", model.ConfigDisabled)).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	var reports []*ReactivationReport
	for _, id := range ids {
		rs, err := e.Sweep(ctx, id, false)
		if err != nil {
			logger.Warningf("reactivation sweep of reseller %d failed: %v", id, err)
			continue
		}
		reports = append(reports, rs...)
	}
	return reports, nil
}
