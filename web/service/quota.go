package service

import (
	"context"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"
)

// Reseller level suspension reasons.
const (
	SuspendQuotaExhausted  = "quota_exhausted"
	SuspendWindowExpired   = "window_expired"
	SuspendWalletExhausted = "wallet_balance_exhausted"
)

// EffectiveLimit is limit plus a grace of max(limit*percent/100, floor).
// It never returns less than limit.
func EffectiveLimit(limit int64, percent float64, floor int64) int64 {
	if limit < 0 {
		limit = 0
	}
	grace := int64(math.Floor(float64(limit) * percent / 100))
	if grace < floor {
		grace = floor
	}
	if grace < 0 {
		grace = 0
	}
	if grace > math.MaxInt64-limit {
		return math.MaxInt64
	}
	return limit + grace
}

// QuotaDecision is the result of evaluating a traffic reseller against its quota and window.
type QuotaDecision struct {
	ResellerId          int   `json:"resellerId"`
	UsedBytes           int64 `json:"usedBytes"`
	LimitBytes          int64 `json:"limitBytes"`
	EffectiveLimitBytes int64 `json:"effectiveLimitBytes"`
	QuotaExceeded       bool  `json:"quotaExceeded"`
	WindowExpired       bool  `json:"windowExpired"`
}

func (d QuotaDecision) ShouldSuspend() bool {
	return d.QuotaExceeded || d.WindowExpired
}

// Reasons returns the config markers to stamp and the reseller level reason.
// Quota takes precedence for the reseller reason.
func (d QuotaDecision) Reasons() (model.SuspensionReason, string) {
	var flags model.SuspensionReason
	reason := ""
	if d.WindowExpired {
		flags = flags.Add(model.ReasonTimeWindow)
		reason = SuspendWindowExpired
	}
	if d.QuotaExceeded {
		flags = flags.Add(model.ReasonResellerQuota)
		reason = SuspendQuotaExhausted
	}
	return flags, reason
}

// EnforceResult is what Enforce did for one reseller.
type EnforceResult struct {
	Decision        QuotaDecision    `json:"decision"`
	Suspended       bool             `json:"suspended"`
	Reason          string           `json:"reason,omitempty"`
	DisabledConfigs []ConfigOpResult `json:"disabledConfigs,omitempty"`
	OverrunConfigs  []ConfigOpResult `json:"overrunConfigs,omitempty"`
}

// QuotaEnforcer suspends traffic resellers past their grace limit or window.
type QuotaEnforcer struct {
	cfg     EngineConfig
	toggler *ConfigToggler
	audit   AuditLogService
	now     func() time.Time
}

func NewQuotaEnforcer(cfg EngineConfig, toggler *ConfigToggler) *QuotaEnforcer {
	return &QuotaEnforcer{cfg: cfg, toggler: toggler, now: time.Now}
}

func (q *QuotaEnforcer) Evaluate(r *model.Reseller) QuotaDecision {
	d := QuotaDecision{
		ResellerId: r.Id,
		UsedBytes:  r.TrafficUsedBytes,
		LimitBytes: r.TrafficTotalBytes,
	}
	d.EffectiveLimitBytes = EffectiveLimit(r.TrafficTotalBytes, q.cfg.QuotaGracePercent, q.cfg.QuotaGraceBytes)
	d.QuotaExceeded = d.UsedBytes > d.EffectiveLimitBytes
	d.WindowExpired = r.WindowEndsAt != nil && !q.now().Before(*r.WindowEndsAt)
	return d
}

// Enforce suspends an active traffic reseller that fails either check and disables its
// active configs. Without a reseller suspension the per-config overrun check runs.
func (q *QuotaEnforcer) Enforce(ctx context.Context, r *model.Reseller, runId string) (*EnforceResult, error) {
	if r.Type != model.ResellerTypeTraffic {
		return nil, common.NewErrorf("reseller %d is not a traffic reseller", r.Id)
	}
	result := &EnforceResult{Decision: q.Evaluate(r)}
	if r.Status == model.ResellerActive && result.Decision.ShouldSuspend() {
		flags, reason := result.Decision.Reasons()
		suspended, err := q.suspend(r, model.ResellerSuspended, reason, result.Decision)
		if err != nil {
			return result, err
		}
		if suspended {
			result.Suspended = true
			result.Reason = reason
			logger.Infof("reseller %d suspended: %s (used %s of %s)", r.Id, reason,
				common.FormatTraffic(result.Decision.UsedBytes), common.FormatTraffic(result.Decision.EffectiveLimitBytes))
			configs, err := activeConfigs(r.Id)
			if err != nil {
				return result, err
			}
			result.DisabledConfigs = q.toggler.DisableConfigs(ctx, r.Id, configs, flags, runId)
			return result, nil
		}
	}
	if r.Status == model.ResellerActive {
		overrun, err := q.EnforceConfigOverrun(ctx, r, runId)
		if err != nil {
			return result, err
		}
		result.OverrunConfigs = overrun
	}
	return result, nil
}

// suspend flips an active reseller to status. It reports false when another run got there first.
func (q *QuotaEnforcer) suspend(r *model.Reseller, status model.ResellerStatus, reason string, meta any) (bool, error) {
	return suspendReseller(database.GetDB(), q.audit, q.now(), r, status, reason, meta)
}

func suspendReseller(db *gorm.DB, audit AuditLogService, now time.Time, r *model.Reseller, status model.ResellerStatus, reason string, meta any) (bool, error) {
	suspended := false
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Reseller{}).
			Where("id = ? AND status = ?", r.Id, model.ResellerActive).
			Updates(map[string]any{
				"status":            status,
				"suspended_at":      now,
				"suspension_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		suspended = true
		return audit.RecordTx(tx, AuditEntry{
			Action:     ActionResellerSuspended,
			TargetType: TargetReseller,
			TargetId:   r.Id,
			Reason:     reason,
			Meta:       map[string]any{"detail": meta},
		})
	})
	if err != nil || !suspended {
		return false, err
	}
	r.Status = status
	r.SuspendedAt = &now
	r.SuspensionReason = reason
	metrics.Suspensions.WithLabelValues(reason).Inc()
	return true, nil
}

// ConfigOverrun reports whether a config went past its own grace limit.
func (q *QuotaEnforcer) ConfigOverrun(c *model.Config) bool {
	if !q.cfg.ConfigGraceEnabled || c.TrafficLimitBytes <= 0 {
		return false
	}
	return c.TotalUsageBytes() > EffectiveLimit(c.TrafficLimitBytes, q.cfg.ConfigGracePercent, q.cfg.ConfigGraceBytes)
}

// EnforceConfigOverrun disables the active configs of r that went past their own limit.
func (q *QuotaEnforcer) EnforceConfigOverrun(ctx context.Context, r *model.Reseller, runId string) ([]ConfigOpResult, error) {
	if !q.cfg.ConfigGraceEnabled {
		return nil, nil
	}
	configs, err := activeConfigs(r.Id)
	if err != nil {
		return nil, err
	}
	var over []*model.Config
	for _, c := range configs {
		if q.ConfigOverrun(c) {
			over = append(over, c)
		}
	}
	if len(over) == 0 {
		return nil, nil
	}
	logger.Infof("reseller %d: %d configs past their own limit", r.Id, len(over))
	return q.toggler.DisableConfigs(ctx, r.Id, over, model.ReasonConfigOverrun, runId), nil
}

func activeConfigs(resellerId int) ([]*model.Config, error) {
	var configs []*model.Config
	err := database.GetDB().
		Where("reseller_id = ? AND status = ?", resellerId, model.ConfigActive).
		Order("id").
		Find(&configs).Error
	return configs, err
}
