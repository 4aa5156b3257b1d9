package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
)

const syncConcurrency = 4

func newRunId() string {
	return uuid.NewString()
}

// Engine wires the aggregation, enforcement, billing and reactivation components
// around one EngineConfig. Build a new Engine per run so settings changes apply.
type Engine struct {
	cfg          EngineConfig
	Toggler      *ConfigToggler
	Aggregator   *UsageAggregator
	Quota        *QuotaEnforcer
	Wallet       *WalletEngine
	Reactivation *ReactivationEngine
}

func NewEngine(cfg EngineConfig, registry *provider.Registry) *Engine {
	return newEngine(cfg, registry, NewRemoteExecutor(), time.Now)
}

func newEngine(cfg EngineConfig, registry *provider.Registry, executor *RemoteExecutor, now func() time.Time) *Engine {
	toggler := NewConfigToggler(registry, executor)
	toggler.now = now
	aggregator := NewUsageAggregator(cfg, registry, executor)
	aggregator.now = now
	quota := NewQuotaEnforcer(cfg, toggler)
	quota.now = now
	wallet := NewWalletEngine(cfg, toggler)
	wallet.now = now
	reactivation := NewReactivationEngine(cfg, toggler, quota)
	reactivation.now = now
	return &Engine{
		cfg:          cfg,
		Toggler:      toggler,
		Aggregator:   aggregator,
		Quota:        quota,
		Wallet:       wallet,
		Reactivation: reactivation,
	}
}

// NewEngineFromSettings resolves the settings once and builds an Engine on them.
func NewEngineFromSettings(registry *provider.Registry) (*Engine, error) {
	settingService := SettingService{}
	cfg, err := settingService.GetEngineConfig()
	if err != nil {
		return nil, err
	}
	return NewEngine(cfg, registry), nil
}

func (e *Engine) Config() EngineConfig {
	return e.cfg
}

type ResellerSyncResult struct {
	ResellerId  int              `json:"resellerId"`
	Usage       *AggregateReport `json:"usage,omitempty"`
	Enforcement *EnforceResult   `json:"enforcement,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type SyncSummary struct {
	RunId      string               `json:"runId"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Resellers  []ResellerSyncResult `json:"resellers"`
	Failures   int                  `json:"failures"`
}

// RunUsageSync aggregates usage for every traffic and wallet reseller and enforces quotas.
// Resellers are processed concurrently; one failing does not stop the others.
func (e *Engine) RunUsageSync(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{RunId: newRunId(), StartedAt: time.Now()}
	var resellers []*model.Reseller
	err := database.GetDB().
		Where("type IN ?", []model.ResellerType{model.ResellerTypeTraffic, model.ResellerTypeWallet}).
		Order("id").
		Find(&resellers).Error
	if err != nil {
		return nil, err
	}
	summary.Resellers = make([]ResellerSyncResult, len(resellers))
	var g errgroup.Group
	g.SetLimit(syncConcurrency)
	for i, r := range resellers {
		g.Go(func() error {
			summary.Resellers[i] = e.syncReseller(ctx, r, summary.RunId)
			return nil
		})
	}
	_ = g.Wait()
	for _, res := range summary.Resellers {
		if res.Error != "" {
			summary.Failures++
		}
	}
	summary.FinishedAt = time.Now()
	logger.Infof("usage sync %s: %d resellers, %d failed", summary.RunId, len(summary.Resellers), summary.Failures)
	return summary, nil
}

// SyncReseller runs aggregation and enforcement for one reseller.
func (e *Engine) SyncReseller(ctx context.Context, resellerId int) (ResellerSyncResult, error) {
	r := &model.Reseller{}
	if err := database.GetDB().First(r, resellerId).Error; err != nil {
		return ResellerSyncResult{ResellerId: resellerId}, err
	}
	if r.Type == model.ResellerTypePlan {
		return ResellerSyncResult{ResellerId: resellerId}, common.NewErrorf("reseller %d is a plan reseller", resellerId)
	}
	return e.syncReseller(ctx, r, newRunId()), nil
}

func (e *Engine) syncReseller(ctx context.Context, r *model.Reseller, runId string) (res ResellerSyncResult) {
	res.ResellerId = r.Id
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("usage sync of reseller %d panic: %v", r.Id, p)
			res.Error = common.NewErrorf("panic: %v", p).Error()
		}
	}()

	usage, err := e.Aggregator.Aggregate(ctx, r)
	res.Usage = usage
	if err != nil {
		res.Error = err.Error()
		logger.Warningf("usage sync of reseller %d failed: %v", r.Id, err)
		return res
	}
	switch r.Type {
	case model.ResellerTypeTraffic:
		res.Enforcement, err = e.Quota.Enforce(ctx, r, runId)
	case model.ResellerTypeWallet:
		if r.Status == model.ResellerActive {
			var overrun []ConfigOpResult
			overrun, err = e.Quota.EnforceConfigOverrun(ctx, r, runId)
			res.Enforcement = &EnforceResult{OverrunConfigs: overrun}
		}
	}
	if err != nil {
		res.Error = err.Error()
		logger.Warningf("enforcement of reseller %d failed: %v", r.Id, err)
	}
	return res
}

// CycleKey names the billing cycle now falls in, aligned to cadence in UTC.
func CycleKey(now time.Time, cadence time.Duration) string {
	if cadence <= 0 {
		cadence = time.Minute
	}
	return now.UTC().Truncate(cadence).Format("2006-01-02T15:04Z")
}

// RunWalletChargeCycle charges every wallet reseller once for cycleKey.
func (e *Engine) RunWalletChargeCycle(ctx context.Context, cycleKey string) ([]ChargeOutcome, error) {
	outcomes, err := e.Wallet.ChargeAll(ctx, ChargeOptions{CycleKey: cycleKey, Source: "cycle"})
	if err != nil {
		return nil, err
	}
	counts := make(map[ChargeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	logger.Infof("wallet charge cycle %s: %d resellers %v", cycleKey, len(outcomes), counts)
	return outcomes, nil
}

// RunReenable sweeps one reseller, or all of them when resellerId is 0.
// A zero reason sweeps every reason.
func (e *Engine) RunReenable(ctx context.Context, resellerId int, reason model.SuspensionReason, force bool) ([]*ReactivationReport, error) {
	if resellerId == 0 {
		if reason == 0 {
			return e.Reactivation.SweepAll(ctx)
		}
		var ids []int
		err := database.GetDB().Model(&model.Reseller{}).Order("id").Pluck("id", &ids).Error
		if err != nil {
			return nil, err
		}
		var reports []*ReactivationReport
		for _, id := range ids {
			rs, err := e.Reactivation.ReactivateImplied(ctx, id, reason, force)
			if err != nil {
				logger.Warningf("reactivation of reseller %d failed: %v", id, err)
			}
			for _, report := range rs {
				if report.ResellerRestored || report.Matched > 0 {
					reports = append(reports, report)
				}
			}
		}
		return reports, nil
	}
	if reason == 0 {
		return e.Reactivation.Sweep(ctx, resellerId, force)
	}
	return e.Reactivation.ReactivateImplied(ctx, resellerId, reason, force)
}

type OperatorSignal string

const (
	SignalWalletTopUp      OperatorSignal = "wallet_topup"
	SignalWindowExtended   OperatorSignal = "window_extended"
	SignalQuotaReset       OperatorSignal = "quota_reset"
	SignalManualReactivate OperatorSignal = "manual_reactivate"
)

func ParseOperatorSignal(s string) (OperatorSignal, bool) {
	switch sig := OperatorSignal(s); sig {
	case SignalWalletTopUp, SignalWindowExtended, SignalQuotaReset, SignalManualReactivate:
		return sig, true
	}
	return "", false
}

// OnOperatorSignal triggers the reactivation that follows an operator action.
func (e *Engine) OnOperatorSignal(ctx context.Context, resellerId int, signal OperatorSignal) ([]*ReactivationReport, error) {
	logger.Infof("operator signal %s for reseller %d", signal, resellerId)
	switch signal {
	case SignalWalletTopUp:
		return e.RunReenable(ctx, resellerId, model.ReasonWallet, false)
	case SignalWindowExtended:
		return e.RunReenable(ctx, resellerId, model.ReasonTimeWindow, false)
	case SignalQuotaReset:
		r := &model.Reseller{}
		if err := database.GetDB().First(r, resellerId).Error; err != nil {
			return nil, err
		}
		if _, err := e.Aggregator.Aggregate(ctx, r); err != nil {
			return nil, err
		}
		return e.RunReenable(ctx, resellerId, model.ReasonResellerQuota, false)
	case SignalManualReactivate:
		return e.RunReenable(ctx, resellerId, 0, true)
	}
	return nil, common.NewErrorf("unknown operator signal %q", signal)
}
