package job

import (
	"context"
	"time"

	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

// WalletChargeJob bills every wallet reseller once per cycle.
type WalletChargeJob struct {
	ctx      context.Context
	registry *provider.Registry
	cadence  time.Duration
	now      func() time.Time
}

func NewWalletChargeJob(ctx context.Context, registry *provider.Registry, cadence time.Duration) *WalletChargeJob {
	return &WalletChargeJob{ctx: ctx, registry: registry, cadence: cadence, now: time.Now}
}

func (j *WalletChargeJob) Run() {
	defer common.Recover("wallet charge job")

	engine, err := service.NewEngineFromSettings(j.registry)
	if err != nil {
		logger.Warning("wallet charge: load settings failed:", err)
		return
	}
	if !engine.Config().WalletChargeEnabled {
		logger.Debug("wallet charging disabled")
		return
	}
	ctx, cancel := context.WithTimeout(j.ctx, jobCeiling)
	defer cancel()

	cycleKey := service.CycleKey(j.now(), j.cadence)
	outcomes, err := engine.RunWalletChargeCycle(ctx, cycleKey)
	if err != nil {
		logger.Warning("wallet charge cycle failed:", err)
		return
	}
	for _, o := range outcomes {
		if o.Status == service.ChargeFailed {
			logger.Warningf("wallet charge of reseller %d failed: %s", o.ResellerId, o.Error)
		}
	}
}
