package job

import (
	"context"

	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

// ReenableSweepJob re-enables configs whose suspension condition cleared.
type ReenableSweepJob struct {
	ctx      context.Context
	registry *provider.Registry
}

func NewReenableSweepJob(ctx context.Context, registry *provider.Registry) *ReenableSweepJob {
	return &ReenableSweepJob{ctx: ctx, registry: registry}
}

func (j *ReenableSweepJob) Run() {
	defer common.Recover("reenable sweep job")

	engine, err := service.NewEngineFromSettings(j.registry)
	if err != nil {
		logger.Warning("reenable sweep: load settings failed:", err)
		return
	}
	ctx, cancel := context.WithTimeout(j.ctx, jobCeiling)
	defer cancel()

	reports, err := engine.RunReenable(ctx, 0, 0, false)
	if err != nil {
		logger.Warning("reenable sweep failed:", err)
		return
	}
	enabled, failed := 0, 0
	for _, r := range reports {
		enabled += r.Enabled
		failed += r.Failed
	}
	if enabled > 0 || failed > 0 {
		logger.Infof("reenable sweep: %d configs enabled, %d failed", enabled, failed)
	}
}
