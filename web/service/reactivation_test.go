package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/provider"
)

func disabledFor(flags model.SuspensionReason, meta datatypes.JSONMap) func(c *model.Config) {
	return func(c *model.Config) {
		c.Status = model.ConfigDisabled
		c.SuspensionFlags = flags
		c.Meta = meta
	}
}

func TestCandidatesToleratesLegacyEncodings(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, _ := env.addPanel(t, model.PanelMarzban)
	r := addReseller(t, &model.Reseller{Name: "r", Type: model.ResellerTypeWallet})
	key := model.MetaDisabledByWalletSuspension

	want := []*model.Config{
		addConfig(t, r, panel, "flag", disabledFor(model.ReasonWallet, nil)),
		addConfig(t, r, panel, "bool", disabledFor(0, datatypes.JSONMap{key: true})),
		addConfig(t, r, panel, "int", disabledFor(0, datatypes.JSONMap{key: 1})),
		addConfig(t, r, panel, "str1", disabledFor(0, datatypes.JSONMap{key: "1"})),
		addConfig(t, r, panel, "strtrue", disabledFor(0, datatypes.JSONMap{key: "true"})),
		addConfig(t, r, panel, "both", disabledFor(model.ReasonWallet, datatypes.JSONMap{key: "1"})),
	}
	addConfig(t, r, panel, "false", disabledFor(0, datatypes.JSONMap{key: "false"}))
	addConfig(t, r, panel, "zero", disabledFor(0, datatypes.JSONMap{key: 0}))
	addConfig(t, r, panel, "other", disabledFor(model.ReasonTimeWindow, datatypes.JSONMap{model.MetaSuspendedByTimeWindow: true}))
	addConfig(t, r, panel, "active", func(c *model.Config) { c.Meta = datatypes.JSONMap{key: true} })

	e := env.engine(DefaultEngineConfig())
	got, err := e.Reactivation.Candidates(r.Id, model.ReasonWallet)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i, c := range want {
		assert.Equal(t, c.Id, got[i].Id, c.Name)
	}
}

func TestWalletTopUpScenario(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelMarzneshin)
	r := addWalletReseller(t, "100")
	a := addConfig(t, r, panel, "a")
	b := addConfig(t, r, panel, "b")
	setUsage(t, a, gib(1.3))

	e := env.engine(walletConfig())
	out := e.Wallet.Charge(context.Background(), r.Id, ChargeOptions{})
	require.True(t, out.Suspended)

	// not topped up yet
	report, err := e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonWallet, false)
	require.NoError(t, err)
	assert.Equal(t, ReactivationConditionNotClear, report.Status)
	assert.Zero(t, fake.enableCalls)

	_, err = e.Wallet.TopUp(r.Id, dec("1700"), "admin")
	require.NoError(t, err)
	reports, err := e.OnOperatorSignal(context.Background(), r.Id, SignalWalletTopUp)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	report = reports[0]
	assert.Equal(t, ReactivationDone, report.Status)
	assert.True(t, report.ResellerRestored)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Enabled)
	assert.Zero(t, report.Failed)

	got := reloadReseller(t, r.Id)
	assert.Equal(t, model.ResellerActive, got.Status)
	assert.Nil(t, got.SuspendedAt)
	assert.Empty(t, got.SuspensionReason)
	for _, c := range []*model.Config{a, b} {
		cfg := reloadConfig(t, c.Id)
		assert.Equal(t, model.ConfigActive, cfg.Status)
		assert.True(t, cfg.SuspensionFlags.IsZero())
		assert.Nil(t, cfg.DisabledAt)
		assert.Nil(t, cfg.DisabledByResellerId)
		assert.False(t, fake.disabled[c.PanelUserId])
	}
	assert.EqualValues(t, 1, countRows(t, &model.AuditLog{}, "action = ?", ActionResellerReactivated))
	assert.EqualValues(t, 2, countRows(t, &model.AuditLog{}, "action = ?", ActionConfigEnabled))
	assert.EqualValues(t, 2, countRows(t, &model.ConfigEvent{}, "event = ?", model.EventAutoEnabled))
}

func TestEnableIsRemoteGated(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelXUI)
	r := addReseller(t, &model.Reseller{Name: "r", Type: model.ResellerTypeWallet, WalletBalance: dec("500")})
	ok := addConfig(t, r, panel, "ok", disabledFor(model.ReasonWallet, nil))
	bad := addConfig(t, r, panel, "bad", disabledFor(model.ReasonWallet, datatypes.JSONMap{model.MetaDisabledByWalletSuspension: true, "note": "x"}))
	fake.enableErr["bad"] = fmt.Errorf("%w: 503", provider.ErrRemoteUnavailable)

	e := env.engine(DefaultEngineConfig())
	report, err := e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonWallet, false)
	require.NoError(t, err)
	assert.False(t, report.ResellerRestored, "reseller was never suspended")
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Enabled)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, model.ConfigActive, reloadConfig(t, ok.Id).Status)
	failed := reloadConfig(t, bad.Id)
	assert.Equal(t, model.ConfigDisabled, failed.Status)
	assert.True(t, failed.SuspensionFlags.Has(model.ReasonWallet))
	assert.Equal(t, true, failed.Meta[model.MetaDisabledByWalletSuspension])

	var ev model.ConfigEvent
	require.NoError(t, database.GetDB().Where("config_id = ?", bad.Id).First(&ev).Error)
	assert.Equal(t, model.EventAutoEnableFailed, ev.Event)
	assert.Equal(t, 3, ev.Attempts)
	assert.Contains(t, ev.LastError, "503")
	assert.EqualValues(t, 1, countRows(t, &model.AuditLog{}, "action = ? AND target_id = ?", ActionConfigEnableFailed, bad.Id))

	// the next sweep picks the stranded config up again
	delete(fake.enableErr, "bad")
	reports, err := e.RunReenable(context.Background(), 0, 0, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Enabled)
	cleared := reloadConfig(t, bad.Id)
	assert.Equal(t, model.ConfigActive, cleared.Status)
	assert.Equal(t, map[string]any{"note": "x"}, map[string]any(cleared.Meta))
}

func TestLegacyMarkersReenabledUnderAllEncodings(t *testing.T) {
	for _, v := range []any{true, 1, "1", "true"} {
		t.Run(fmt.Sprintf("%T_%v", v, v), func(t *testing.T) {
			env := setup(t)
			defer teardown()

			panel, fake := env.addPanel(t, model.PanelEylandoo)
			ends := env.now.Add(7 * 24 * time.Hour)
			r := addReseller(t, &model.Reseller{
				Name:              "r",
				Type:              model.ResellerTypeTraffic,
				Status:            model.ResellerSuspended,
				SuspensionReason:  SuspendWindowExpired,
				TrafficTotalBytes: gib(10),
				WindowEndsAt:      &ends,
			})
			c := addConfig(t, r, panel, "a", disabledFor(0, datatypes.JSONMap{model.MetaSuspendedByTimeWindow: v}))

			reports, err := env.engine(DefaultEngineConfig()).OnOperatorSignal(context.Background(), r.Id, SignalWindowExtended)
			require.NoError(t, err)
			require.Len(t, reports, 1)
			assert.True(t, reports[0].ResellerRestored)
			assert.Equal(t, 1, reports[0].Enabled)
			assert.Equal(t, 1, fake.enableCalls)

			got := reloadConfig(t, c.Id)
			assert.Equal(t, model.ConfigActive, got.Status)
			assert.True(t, model.LegacyMarkers(got.Meta).IsZero())
		})
	}
}

func TestWindowSignalRestoresQuotaSuspendedConfigs(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelMarzban)
	ends := env.now.Add(7 * 24 * time.Hour)
	r := addReseller(t, &model.Reseller{
		Name:              "r",
		Type:              model.ResellerTypeTraffic,
		Status:            model.ResellerSuspended,
		SuspensionReason:  SuspendQuotaExhausted,
		TrafficTotalBytes: gib(10),
		TrafficUsedBytes:  gib(3),
		WindowEndsAt:      &ends,
	})
	quota := addConfig(t, r, panel, "quota", disabledFor(model.ReasonResellerQuota, nil))
	window := addConfig(t, r, panel, "window", disabledFor(model.ReasonTimeWindow, nil))

	reports, err := env.engine(DefaultEngineConfig()).OnOperatorSignal(context.Background(), r.Id, SignalWindowExtended)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].ResellerRestored)
	assert.Equal(t, model.ReasonTimeWindow.String(), reports[0].Reason)
	assert.Equal(t, model.ReasonResellerQuota.String(), reports[1].Reason)
	assert.Equal(t, 1, reports[1].Enabled)
	assert.Equal(t, 2, fake.enableCalls)

	assert.Equal(t, model.ResellerActive, reloadReseller(t, r.Id).Status)
	assert.Equal(t, model.ConfigActive, reloadConfig(t, quota.Id).Status)
	assert.Equal(t, model.ConfigActive, reloadConfig(t, window.Id).Status)
}

func TestReactivationKeepsOtherReasons(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelMarzban)
	r := addReseller(t, &model.Reseller{Name: "r", Type: model.ResellerTypeTraffic, TrafficTotalBytes: gib(10)})
	// still past its own limit
	over := addConfig(t, r, panel, "over", disabledFor(model.ReasonResellerQuota|model.ReasonConfigOverrun, nil), func(c *model.Config) {
		c.TrafficLimitBytes = gib(1)
		c.UsageBytes = gib(2)
	})
	// overrun cleared by a limit raise
	raised := addConfig(t, r, panel, "raised", disabledFor(model.ReasonResellerQuota|model.ReasonConfigOverrun, nil), func(c *model.Config) {
		c.TrafficLimitBytes = gib(5)
		c.UsageBytes = gib(2)
	})

	cfg := DefaultEngineConfig()
	cfg.ConfigGraceEnabled = true
	e := env.engine(cfg)
	report, err := e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonResellerQuota, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 1, report.Enabled)
	assert.Equal(t, 1, report.StillSuspended)
	assert.Equal(t, 1, fake.enableCalls)

	kept := reloadConfig(t, over.Id)
	assert.Equal(t, model.ConfigDisabled, kept.Status)
	assert.Equal(t, model.ReasonConfigOverrun, kept.SuspensionFlags)
	assert.Equal(t, model.ConfigActive, reloadConfig(t, raised.Id).Status)

	// an overrun sweep leaves it alone until forced
	report, err = e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonConfigOverrun, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StillSuspended)
	report, err = e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonConfigOverrun, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enabled)
	assert.Equal(t, model.ConfigActive, reloadConfig(t, over.Id).Status)
}

func TestReactivationRespectsResellerState(t *testing.T) {
	env := setup(t)
	defer teardown()

	panel, fake := env.addPanel(t, model.PanelMarzban)
	r := addReseller(t, &model.Reseller{
		Name:              "r",
		Type:              model.ResellerTypeTraffic,
		Status:            model.ResellerSuspended,
		SuspensionReason:  SuspendQuotaExhausted,
		TrafficTotalBytes: gib(1),
		TrafficUsedBytes:  gib(5),
	})
	c := addConfig(t, r, panel, "a", disabledFor(model.ReasonResellerQuota, nil))

	e := env.engine(DefaultEngineConfig())
	report, err := e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonResellerQuota, false)
	require.NoError(t, err)
	assert.Equal(t, ReactivationConditionNotClear, report.Status)

	report, err = e.Reactivation.Reactivate(context.Background(), r.Id, model.ReasonWallet, false)
	require.NoError(t, err)
	assert.Equal(t, ReactivationResellerSuspended, report.Status)
	assert.Zero(t, fake.enableCalls)
	assert.Equal(t, model.ConfigDisabled, reloadConfig(t, c.Id).Status)

	reports, err := e.OnOperatorSignal(context.Background(), r.Id, SignalManualReactivate)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.True(t, reports[0].ResellerRestored)
	assert.Equal(t, model.ResellerActive, reloadReseller(t, r.Id).Status)
	assert.Equal(t, model.ConfigActive, reloadConfig(t, c.Id).Status)
}

func TestCanReactivate(t *testing.T) {
	env := setup(t)
	defer teardown()

	e := env.engine(DefaultEngineConfig())
	wallet := &model.Reseller{Type: model.ResellerTypeWallet, WalletBalance: dec("-1000")}
	assert.False(t, e.Reactivation.CanReactivate(wallet, model.ReasonWallet))
	wallet.WalletBalance = dec("-999.5")
	assert.True(t, e.Reactivation.CanReactivate(wallet, model.ReasonWallet))

	traffic := &model.Reseller{Type: model.ResellerTypeTraffic, TrafficTotalBytes: gib(10), TrafficUsedBytes: gib(10.1)}
	assert.True(t, e.Reactivation.CanReactivate(traffic, model.ReasonResellerQuota), "inside grace")
	traffic.TrafficUsedBytes = gib(11)
	assert.False(t, e.Reactivation.CanReactivate(traffic, model.ReasonResellerQuota))
	assert.True(t, e.Reactivation.CanReactivate(traffic, model.ReasonTimeWindow))
}
