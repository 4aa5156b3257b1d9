package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/util/metrics"
	redisutil "github.com/xshayank/VpnMarket-sub001/util/redis"
)

var (
	// ErrLockContention means another charge of the same reseller is in flight.
	ErrLockContention = errors.New("wallet charge already in progress")
	errNotWallet      = errors.New("reseller is not a wallet reseller")
)

type ChargeStatus string

const (
	ChargeCharged       ChargeStatus = "charged"
	ChargeSkipped       ChargeStatus = "skipped"
	ChargeNotWalletType ChargeStatus = "not_wallet_type"
	ChargeLockFailed    ChargeStatus = "lock_failed"
	ChargeDryRun        ChargeStatus = "dry_run"
	ChargeFailed        ChargeStatus = "failed"
)

// Skip reasons.
const (
	SkipChargingDisabled    = "charging_disabled"
	SkipIdempotencyWindow   = "idempotency_window"
	SkipCycleAlreadyCharged = "cycle_already_charged"
	SkipNoUsageDelta        = "no_usage_delta"
)

const (
	chargeLockTTL        = 2 * time.Minute
	chargeAllConcurrency = 4
)

type ChargeOptions struct {
	CycleKey string
	// Force bypasses the idempotency checks. The lock is always taken.
	Force  bool
	DryRun bool
	Source string
}

// ChargeOutcome is the result of one charge attempt. BalanceAfter is the would-be
// balance for dry runs.
type ChargeOutcome struct {
	ResellerId        int              `json:"resellerId"`
	Status            ChargeStatus     `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	CurrentTotalBytes int64            `json:"currentTotalBytes"`
	BaselineBytes     int64            `json:"baselineBytes"`
	DeltaBytes        int64            `json:"deltaBytes"`
	PricePerGB        decimal.Decimal  `json:"pricePerGb"`
	Cost              decimal.Decimal  `json:"cost"`
	BalanceBefore     decimal.Decimal  `json:"balanceBefore"`
	BalanceAfter      decimal.Decimal  `json:"balanceAfter"`
	Suspended         bool             `json:"suspended"`
	DisabledConfigs   []ConfigOpResult `json:"disabledConfigs,omitempty"`
	Error             string           `json:"error,omitempty"`
}

// WalletEngine bills wallet resellers for their usage since the last snapshot.
type WalletEngine struct {
	cfg     EngineConfig
	toggler *ConfigToggler
	audit   AuditLogService
	now     func() time.Time
}

func NewWalletEngine(cfg EngineConfig, toggler *ConfigToggler) *WalletEngine {
	return &WalletEngine{cfg: cfg, toggler: toggler, now: time.Now}
}

func chargeLockKey(resellerId int) string {
	return "wallet:charge:" + strconv.Itoa(resellerId)
}

// Cost is delta bytes priced per GiB. Fractional GiB are billed fractionally.
func Cost(deltaBytes int64, pricePerGB decimal.Decimal) decimal.Decimal {
	if deltaBytes <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(deltaBytes).
		Div(decimal.NewFromInt(common.GiB)).
		Mul(pricePerGB).
		Round(4)
}

func (w *WalletEngine) price(r *model.Reseller) decimal.Decimal {
	if r.WalletPricePerGB != nil {
		return *r.WalletPricePerGB
	}
	return w.cfg.WalletPricePerGB
}

// Charge bills one wallet reseller. It never panics; failures are reported in the outcome.
func (w *WalletEngine) Charge(ctx context.Context, resellerId int, opts ChargeOptions) (out ChargeOutcome) {
	out = ChargeOutcome{ResellerId: resellerId}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("wallet charge panic:", p)
			out.Status = ChargeFailed
			out.Error = common.NewErrorf("panic: %v", p).Error()
		}
		metrics.WalletCharges.WithLabelValues(string(out.Status)).Inc()
	}()

	if !w.cfg.WalletChargeEnabled {
		out.Status, out.Reason = ChargeSkipped, SkipChargingDisabled
		return out
	}
	r := &model.Reseller{}
	if err := database.GetDB().First(r, resellerId).Error; err != nil {
		out.Status, out.Error = ChargeFailed, err.Error()
		return out
	}
	if r.Type != model.ResellerTypeWallet {
		out.Status = ChargeNotWalletType
		return out
	}

	lock, ok, err := redisutil.AcquireLock(ctx, chargeLockKey(resellerId), chargeLockTTL)
	if err == nil && !ok {
		err = ErrLockContention
	}
	if err != nil {
		out.Status, out.Error = ChargeLockFailed, err.Error()
		return out
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warningf("release charge lock of reseller %d: %v", resellerId, err)
		}
	}()

	if opts.Source == "" {
		opts.Source = "cycle"
	}
	now := w.now()
	if !opts.Force {
		reason, err := w.recentlyCharged(resellerId, opts.CycleKey, now)
		if err != nil {
			out.Status, out.Error = ChargeFailed, err.Error()
			return out
		}
		if reason != "" {
			out.Status, out.Reason = ChargeSkipped, reason
			return out
		}
	}

	var suspended bool
	err = database.GetDB().Transaction(func(tx *gorm.DB) error {
		locked := &model.Reseller{}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(locked, resellerId).Error; err != nil {
			return err
		}

		var current int64
		err := tx.Model(&model.Config{}).
			Where("reseller_id = ?", resellerId).
			Select("COALESCE(SUM(usage_bytes + settled_usage_bytes), 0)").
			Scan(&current).Error
		if err != nil {
			return err
		}
		var baseline []model.UsageSnapshot
		err = tx.Where("reseller_id = ?", resellerId).
			Order("measured_at DESC, id DESC").
			Limit(1).
			Find(&baseline).Error
		if err != nil {
			return err
		}

		out.CurrentTotalBytes = current
		out.DeltaBytes = current
		if len(baseline) > 0 {
			out.BaselineBytes = baseline[0].TotalBytes
			out.DeltaBytes = max(current-baseline[0].TotalBytes, 0)
		}
		if out.DeltaBytes == 0 || out.DeltaBytes < w.cfg.WalletMinDeltaBytes {
			out.Status, out.Reason = ChargeSkipped, SkipNoUsageDelta
			return nil
		}

		out.PricePerGB = w.price(locked)
		out.Cost = Cost(out.DeltaBytes, out.PricePerGB)
		out.BalanceBefore = locked.WalletBalance
		out.BalanceAfter = locked.WalletBalance.Sub(out.Cost)
		if opts.DryRun {
			out.Status = ChargeDryRun
			return nil
		}

		err = tx.Model(&model.Reseller{}).Where("id = ?", resellerId).
			Update("wallet_balance", out.BalanceAfter).Error
		if err != nil {
			return err
		}
		err = tx.Create(&model.UsageSnapshot{
			ResellerId:         resellerId,
			MeasuredAt:         now,
			TotalBytes:         current,
			CycleKey:           opts.CycleKey,
			CycleChargeApplied: true,
			DeltaBytes:         out.DeltaBytes,
			Cost:               out.Cost,
			Source:             opts.Source,
		}).Error
		if err != nil {
			return err
		}
		err = w.audit.RecordTx(tx, AuditEntry{
			Action:     ActionWalletCharged,
			TargetType: TargetReseller,
			TargetId:   resellerId,
			Reason:     opts.Source,
			Meta: map[string]any{
				"cycleKey":      opts.CycleKey,
				"deltaBytes":    out.DeltaBytes,
				"cost":          out.Cost.String(),
				"balanceBefore": out.BalanceBefore.String(),
				"balanceAfter":  out.BalanceAfter.String(),
				"force":         opts.Force,
			},
		})
		if err != nil {
			return err
		}
		out.Status = ChargeCharged

		if locked.Status == model.ResellerActive && out.BalanceAfter.LessThanOrEqual(w.cfg.WalletSuspensionThreshold) {
			suspended, err = suspendReseller(tx, w.audit, now, locked, model.ResellerSuspendedWallet, SuspendWalletExhausted, map[string]any{
				"balance":   out.BalanceAfter.String(),
				"threshold": w.cfg.WalletSuspensionThreshold.String(),
			})
			return err
		}
		return nil
	})
	if err != nil {
		logger.Warningf("wallet charge of reseller %d failed: %v", resellerId, err)
		return ChargeOutcome{ResellerId: resellerId, Status: ChargeFailed, Error: err.Error()}
	}
	if out.Status == ChargeCharged {
		logger.Infof("reseller %d charged %s for %s, balance %s", resellerId, out.Cost, common.FormatTraffic(out.DeltaBytes), out.BalanceAfter)
	}

	if suspended {
		out.Suspended = true
		logger.Infof("reseller %d suspended: wallet balance %s at or below %s", resellerId, out.BalanceAfter, w.cfg.WalletSuspensionThreshold)
		configs, err := activeConfigs(resellerId)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.DisabledConfigs = w.toggler.DisableConfigs(ctx, resellerId, configs, model.ReasonWallet, newRunId())
	}
	return out
}

// recentlyCharged returns a skip reason when a snapshot exists inside the idempotency
// window or for the same cycle key.
func (w *WalletEngine) recentlyCharged(resellerId int, cycleKey string, now time.Time) (string, error) {
	db := database.GetDB()
	var n int64
	if w.cfg.WalletIdempotencyWindow > 0 {
		err := db.Model(&model.UsageSnapshot{}).
			Where("reseller_id = ? AND measured_at > ?", resellerId, now.Add(-w.cfg.WalletIdempotencyWindow)).
			Count(&n).Error
		if err != nil {
			return "", err
		}
		if n > 0 {
			return SkipIdempotencyWindow, nil
		}
	}
	if cycleKey != "" {
		err := db.Model(&model.UsageSnapshot{}).
			Where("reseller_id = ? AND cycle_key = ?", resellerId, cycleKey).
			Count(&n).Error
		if err != nil {
			return "", err
		}
		if n > 0 {
			return SkipCycleAlreadyCharged, nil
		}
	}
	return "", nil
}

// ChargeAll charges every wallet reseller with bounded concurrency.
func (w *WalletEngine) ChargeAll(ctx context.Context, opts ChargeOptions) ([]ChargeOutcome, error) {
	var ids []int
	err := database.GetDB().Model(&model.Reseller{}).
		Where("type = ?", model.ResellerTypeWallet).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	outcomes := make([]ChargeOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(chargeAllConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = w.Charge(ctx, id, opts)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// Snapshots returns the billing history of a reseller, newest first.
func (w *WalletEngine) Snapshots(resellerId int, limit int) ([]model.UsageSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var snapshots []model.UsageSnapshot
	err := database.GetDB().
		Where("reseller_id = ?", resellerId).
		Order("measured_at DESC, id DESC").
		Limit(limit).
		Find(&snapshots).Error
	return snapshots, err
}

// TopUp credits a wallet reseller. Reactivation is left to the caller.
func (w *WalletEngine) TopUp(resellerId int, amount decimal.Decimal, actor string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, common.NewErrorf("top-up amount must be positive, got %s", amount)
	}
	var balance decimal.Decimal
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		r := &model.Reseller{}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(r, resellerId).Error; err != nil {
			return err
		}
		if r.Type != model.ResellerTypeWallet {
			return errNotWallet
		}
		balance = r.WalletBalance.Add(amount)
		if err := tx.Model(r).Update("wallet_balance", balance).Error; err != nil {
			return err
		}
		return w.audit.RecordTx(tx, AuditEntry{
			Action:     ActionWalletTopUp,
			TargetType: TargetReseller,
			TargetId:   resellerId,
			Meta:       map[string]any{"amount": amount.String(), "balance": balance.String()},
			Actor:      actor,
		})
	})
	return balance, err
}
