package job

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/web/service"
)

// jobCeiling bounds one run; a run cut short is picked up again by the next tick.
const jobCeiling = 10 * time.Minute

// UsageSyncJob aggregates usage and enforces quotas for every traffic and wallet reseller.
type UsageSyncJob struct {
	ctx      context.Context
	registry *provider.Registry
}

func NewUsageSyncJob(ctx context.Context, registry *provider.Registry) *UsageSyncJob {
	return &UsageSyncJob{ctx: ctx, registry: registry}
}

func (j *UsageSyncJob) Run() {
	defer common.Recover("usage sync job")

	engine, err := service.NewEngineFromSettings(j.registry)
	if err != nil {
		logger.Warning("usage sync: load settings failed:", err)
		return
	}
	ctx, cancel := context.WithTimeout(j.ctx, jobCeiling)
	defer cancel()

	summary, err := engine.RunUsageSync(ctx)
	if err != nil {
		logger.Warning("usage sync failed:", err)
		return
	}
	logger.Debugf("usage sync %s took %v", summary.RunId, summary.FinishedAt.Sub(summary.StartedAt))
}

// CadenceOf returns the interval between two runs of a cron spec, or a minute when the
// spec cannot be parsed.
func CadenceOf(spec string) time.Duration {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Minute
	}
	if c, ok := sched.(cron.ConstantDelaySchedule); ok {
		return c.Delay
	}
	first := sched.Next(time.Now())
	cadence := sched.Next(first).Sub(first)
	if cadence <= 0 {
		return time.Minute
	}
	return cadence
}
