package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	redisutil "github.com/xshayank/VpnMarket-sub001/util/redis"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func walletConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.WalletPricePerGB = dec("1000")
	return cfg
}

func setUsage(t *testing.T, c *model.Config, bytes int64) {
	t.Helper()
	require.NoError(t, database.GetDB().Model(c).Update("usage_bytes", bytes).Error)
}

func addBaseline(t *testing.T, r *model.Reseller, total int64, at time.Time) {
	t.Helper()
	require.NoError(t, database.GetDB().Create(&model.UsageSnapshot{ResellerId: r.Id, TotalBytes: total, MeasuredAt: at, Source: "seed"}).Error)
}

func addWalletReseller(t *testing.T, balance string) *model.Reseller {
	return addReseller(t, &model.Reseller{Name: "w", Type: model.ResellerTypeWallet, WalletBalance: dec(balance)})
}

func TestChargeScenario(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "10000")
	c := addConfig(t, r, panel, "a")
	addBaseline(t, r, 0, env.now.Add(-time.Hour))
	setUsage(t, c, gib(1))

	e := env.engine(walletConfig())
	out := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k1"})
	require.Equal(t, ChargeCharged, out.Status, out.Error)
	assert.Equal(t, int64(1073741824), out.DeltaBytes)
	assertDecimal(t, "1000", out.Cost)
	assertDecimal(t, "10000", out.BalanceBefore)
	assertDecimal(t, "9000", out.BalanceAfter)
	assert.False(t, out.Suspended)
	assertDecimal(t, "9000", reloadReseller(t, r.Id).WalletBalance)

	snapshots, err := e.Wallet.Snapshots(r.Id, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, int64(1073741824), snapshots[0].DeltaBytes)
	assert.Equal(t, gib(1), snapshots[0].TotalBytes)
	assert.True(t, snapshots[0].CycleChargeApplied)
	assert.Equal(t, "k1", snapshots[0].CycleKey)
	assert.Equal(t, "cycle", snapshots[0].Source)
	assert.EqualValues(t, 1, countRows(t, &model.AuditLog{}, "action = ?", ActionWalletCharged))

	// unchanged usage after the idempotency window
	env.now = env.now.Add(2 * time.Minute)
	out = e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k2"})
	assert.Equal(t, ChargeSkipped, out.Status)
	assert.Equal(t, SkipNoUsageDelta, out.Reason)
	assertDecimal(t, "9000", reloadReseller(t, r.Id).WalletBalance)
	assert.EqualValues(t, 2, countRows(t, &model.UsageSnapshot{}, "reseller_id = ?", r.Id))
}

func TestChargeIdempotency(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelXUI)
	r := addWalletReseller(t, "10000")
	c := addConfig(t, r, panel, "a")
	setUsage(t, c, gib(1))

	e := env.engine(walletConfig())
	first := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k1"})
	require.Equal(t, ChargeCharged, first.Status)

	setUsage(t, c, gib(2))
	env.now = env.now.Add(30 * time.Second)
	second := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k1"})
	assert.Equal(t, ChargeSkipped, second.Status)
	assert.Equal(t, SkipIdempotencyWindow, second.Reason)
	assertDecimal(t, "9000", reloadReseller(t, r.Id).WalletBalance)

	// outside the window the cycle key still guards the same cycle
	env.now = env.now.Add(2 * time.Minute)
	third := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k1"})
	assert.Equal(t, ChargeSkipped, third.Status)
	assert.Equal(t, SkipCycleAlreadyCharged, third.Reason)

	forced := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k1", Force: true, Source: "manual"})
	require.Equal(t, ChargeCharged, forced.Status)
	assert.Equal(t, gib(1), forced.DeltaBytes)
	assertDecimal(t, "8000", reloadReseller(t, r.Id).WalletBalance)
}

func TestChargeDeltaClampsToZero(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "10000")
	c := addConfig(t, r, panel, "a")
	addBaseline(t, r, gib(5), env.now.Add(-time.Hour))
	setUsage(t, c, gib(1))

	out := env.engine(walletConfig()).Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	assert.Equal(t, ChargeSkipped, out.Status)
	assert.Equal(t, SkipNoUsageDelta, out.Reason)
	assert.Zero(t, out.DeltaBytes)
	assert.True(t, out.Cost.IsZero())
	assertDecimal(t, "10000", reloadReseller(t, r.Id).WalletBalance)
}

func TestChargeMinimumDeltaKeepsBaseline(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "10000")
	c := addConfig(t, r, panel, "a")
	addBaseline(t, r, gib(1), env.now.Add(-time.Hour))
	setUsage(t, c, gib(1.5))

	cfg := walletConfig()
	cfg.WalletMinDeltaBytes = gib(1)
	e := env.engine(cfg)
	out := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	assert.Equal(t, ChargeSkipped, out.Status)
	assert.Equal(t, SkipNoUsageDelta, out.Reason)
	assert.EqualValues(t, 1, countRows(t, &model.UsageSnapshot{}, "reseller_id = ?", r.Id))

	setUsage(t, c, gib(2.25))
	out = e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	require.Equal(t, ChargeCharged, out.Status)
	assert.Equal(t, gib(1.25), out.DeltaBytes)
	assertDecimal(t, "1250", out.Cost)
}

func TestChargeFractionalAndResellerPrice(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	price := dec("500")
	r := addReseller(t, &model.Reseller{Name: "w", Type: model.ResellerTypeWallet, WalletBalance: dec("0"), WalletPricePerGB: &price})
	c := addConfig(t, r, panel, "a", func(c *model.Config) { c.SettledUsageBytes = gib(0.25) })
	setUsage(t, c, gib(0.5))

	out := env.engine(DefaultEngineConfig()).Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	require.Equal(t, ChargeCharged, out.Status)
	assert.Equal(t, gib(0.75), out.DeltaBytes)
	assertDecimal(t, "500", out.PricePerGB)
	assertDecimal(t, "375", out.Cost)
	assertDecimal(t, "-375", reloadReseller(t, r.Id).WalletBalance)

	assertDecimal(t, "390", Cost(gib(0.5), dec("780")))
	assertDecimal(t, "0", Cost(-5, dec("780")))
}

func TestChargeSuspendsAtThreshold(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelMarzneshin)
	r := addWalletReseller(t, "100")
	a := addConfig(t, r, panel, "a")
	b := addConfig(t, r, panel, "b")
	setUsage(t, a, gib(1))
	setUsage(t, b, gib(0.3))

	out := env.engine(walletConfig()).Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	require.Equal(t, ChargeCharged, out.Status, out.Error)
	assertDecimal(t, "-1200", out.BalanceAfter)
	assert.True(t, out.Suspended)
	assert.Len(t, out.DisabledConfigs, 2)

	got := reloadReseller(t, r.Id)
	assert.Equal(t, model.ResellerSuspendedWallet, got.Status)
	assert.Equal(t, SuspendWalletExhausted, got.SuspensionReason)
	for _, c := range []*model.Config{a, b} {
		cfg := reloadConfig(t, c.Id)
		assert.Equal(t, model.ConfigDisabled, cfg.Status)
		assert.True(t, cfg.SuspensionFlags.Has(model.ReasonWallet))
		assert.Equal(t, model.MetaDisabledByWalletSuspension, model.ReasonWallet.MetaKey())
	}
	assert.Equal(t, 2, fake.disableCalls)
	assert.EqualValues(t, 1, countRows(t, &model.AuditLog{}, "action = ?", ActionResellerSuspended))
	assert.EqualValues(t, 2, countRows(t, &model.AuditLog{}, "action = ?", ActionConfigDisabled))
}

func TestChargeBalanceAboveThresholdStaysActive(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "0")
	c := addConfig(t, r, panel, "a")
	setUsage(t, c, gib(0.999))

	out := env.engine(walletConfig()).Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	require.Equal(t, ChargeCharged, out.Status)
	assert.True(t, out.BalanceAfter.GreaterThan(dec("-1000")))
	assert.False(t, out.Suspended)
	assert.Equal(t, model.ResellerActive, reloadReseller(t, r.Id).Status)
}

func TestChargeDryRun(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "-900")
	c := addConfig(t, r, panel, "a")
	setUsage(t, c, gib(2))

	out := env.engine(walletConfig()).Wallet.Charge(context.Background(), r.Id, ChargeOptions{DryRun: true})
	assert.Equal(t, ChargeDryRun, out.Status)
	assertDecimal(t, "2000", out.Cost)
	assertDecimal(t, "-2900", out.BalanceAfter)
	assert.False(t, out.Suspended)

	got := reloadReseller(t, r.Id)
	assertDecimal(t, "-900", got.WalletBalance)
	assert.Equal(t, model.ResellerActive, got.Status)
	assert.Zero(t, countRows(t, &model.UsageSnapshot{}, "reseller_id = ?", r.Id))
	assert.Equal(t, model.ConfigActive, reloadConfig(t, c.Id).Status)
}

func TestChargeGuards(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	traffic := addReseller(t, &model.Reseller{Name: "t", Type: model.ResellerTypeTraffic})
	r := addWalletReseller(t, "100")
	c := addConfig(t, r, panel, "a")
	setUsage(t, c, gib(1))

	e := env.engine(walletConfig())
	assert.Equal(t, ChargeNotWalletType, e.Wallet.Charge(context.Background(), traffic.Id, ChargeOptions{}).Status)
	assert.Equal(t, ChargeFailed, e.Wallet.Charge(context.Background(), 9999, ChargeOptions{}).Status)

	lock, ok, err := redisutil.AcquireLock(context.Background(), chargeLockKey(r.Id), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ChargeLockFailed, e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{Force: true}).Status)
	require.NoError(t, lock.Release(context.Background()))

	cfg := walletConfig()
	cfg.WalletChargeEnabled = false
	out := env.engine(cfg).Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	assert.Equal(t, ChargeSkipped, out.Status)
	assert.Equal(t, SkipChargingDisabled, out.Reason)

	assertDecimal(t, "100", reloadReseller(t, r.Id).WalletBalance)
	assert.Equal(t, ChargeCharged, e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{}).Status)
}

func TestChargeConcurrentTriggersChargeOnce(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addWalletReseller(t, "10000")
	c := addConfig(t, r, panel, "a")
	setUsage(t, c, gib(1))

	e := env.engine(walletConfig())
	outcomes := make([]ChargeOutcome, 8)
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{CycleKey: "k"})
		}()
	}
	wg.Wait()

	charged := 0
	for _, o := range outcomes {
		switch o.Status {
		case ChargeCharged:
			charged++
		case ChargeLockFailed, ChargeSkipped:
		default:
			t.Errorf("unexpected outcome %+v", o)
		}
	}
	assert.Equal(t, 1, charged)
	assertDecimal(t, "9000", reloadReseller(t, r.Id).WalletBalance)
	assert.EqualValues(t, 1, countRows(t, &model.UsageSnapshot{}, "reseller_id = ?", r.Id))
}

func TestChargeAll(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	addReseller(t, &model.Reseller{Name: "t", Type: model.ResellerTypeTraffic})
	var wallets []*model.Reseller
	for i := 0; i < 5; i++ {
		r := addWalletReseller(t, "1000")
		c := addConfig(t, r, panel, "a")
		setUsage(t, c, gib(0.1))
		wallets = append(wallets, r)
	}

	e := env.engine(walletConfig())
	outcomes, err := e.RunWalletChargeCycle(context.Background(), CycleKey(env.now, time.Minute))
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.Equal(t, wallets[i].Id, o.ResellerId)
		assert.Equal(t, ChargeCharged, o.Status)
	}
}

func TestTopUp(t *testing.T) {
	env := setup(t)
	defer teardown()

	r := addWalletReseller(t, "-1200")
	e := env.engine(walletConfig())

	balance, err := e.Wallet.TopUp(r.Id, dec("1700"), "admin")
	require.NoError(t, err)
	assertDecimal(t, "500", balance)
	assertDecimal(t, "500", reloadReseller(t, r.Id).WalletBalance)

	_, err = e.Wallet.TopUp(r.Id, dec("-1"), "admin")
	assert.Error(t, err)

	traffic := addReseller(t, &model.Reseller{Name: "t", Type: model.ResellerTypeTraffic})
	_, err = e.Wallet.TopUp(traffic.Id, dec("1"), "admin")
	assert.ErrorIs(t, err, errNotWallet)
}
