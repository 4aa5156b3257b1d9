package service

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
	"github.com/xshayank/VpnMarket-sub001/provider"
	redisutil "github.com/xshayank/VpnMarket-sub001/util/redis"
)

// fakePanel is an in-memory panel. Errors are keyed by remote user id.
type fakePanel struct {
	mu         sync.Mutex
	usage      map[string]int64
	usageErr   map[string]error
	enableErr  map[string]error
	disableErr error
	disabled   map[string]bool

	usageCalls   int
	enableCalls  int
	disableCalls int
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		usage:     map[string]int64{},
		usageErr:  map[string]error{},
		enableErr: map[string]error{},
		disabled:  map[string]bool{},
	}
}

func (f *fakePanel) Login(context.Context) error {
	return nil
}

func (f *fakePanel) GetUsage(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageCalls++
	if err := f.usageErr[id]; err != nil {
		return 0, err
	}
	return f.usage[id], nil
}

func (f *fakePanel) Enable(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enableCalls++
	if err := f.enableErr[id]; err != nil {
		return err
	}
	f.disabled[id] = false
	return nil
}

func (f *fakePanel) Disable(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disableCalls++
	if f.disableErr != nil {
		return f.disableErr
	}
	f.disabled[id] = true
	return nil
}

type testEnv struct {
	registry *provider.Registry
	fakes    map[int]*fakePanel
	now      time.Time
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.InitDB(dbPath))
	require.NoError(t, redisutil.Init(""))

	env := &testEnv{
		fakes: map[int]*fakePanel{},
		now:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.registry = provider.NewRegistry(nil)
	factory := func(panel *model.Panel, _ *http.Client) (provider.Provider, error) {
		f, ok := env.fakes[panel.Id]
		if !ok {
			return nil, fmt.Errorf("%w: no fake for panel %d", provider.ErrConfiguration, panel.Id)
		}
		return f, nil
	}
	for _, pt := range []model.PanelType{model.PanelMarzban, model.PanelMarzneshin, model.PanelXUI, model.PanelEylandoo} {
		env.registry.Register(pt, factory)
	}
	return env
}

func teardown() {
	database.CloseDB()
	redisutil.Close()
}

func (env *testEnv) clock() time.Time {
	return env.now
}

func noSleepExecutor() *RemoteExecutor {
	return &RemoteExecutor{
		delays: []time.Duration{0, 0, 0},
		sleep:  func(context.Context, time.Duration) error { return nil },
	}
}

func (env *testEnv) engine(cfg EngineConfig) *Engine {
	return newEngine(cfg, env.registry, noSleepExecutor(), env.clock)
}

func (env *testEnv) addPanel(t *testing.T, pt model.PanelType) (*model.Panel, *fakePanel) {
	t.Helper()
	p := &model.Panel{Name: string(pt), PanelType: pt, Url: "http://panel.local", Username: "admin", Active: true}
	require.NoError(t, database.GetDB().Create(p).Error)
	f := newFakePanel()
	env.fakes[p.Id] = f
	return p, f
}

func addReseller(t *testing.T, r *model.Reseller) *model.Reseller {
	t.Helper()
	if r.Status == "" {
		r.Status = model.ResellerActive
	}
	require.NoError(t, database.GetDB().Create(r).Error)
	return r
}

func assignPanel(t *testing.T, r *model.Reseller, p *model.Panel) {
	t.Helper()
	require.NoError(t, database.GetDB().Create(&model.ResellerPanel{ResellerId: r.Id, PanelId: p.Id}).Error)
}

func addConfig(t *testing.T, r *model.Reseller, p *model.Panel, name string, mutate ...func(c *model.Config)) *model.Config {
	t.Helper()
	c := &model.Config{
		ResellerId:  r.Id,
		PanelId:     p.Id,
		PanelType:   p.PanelType,
		PanelUserId: name,
		Name:        name,
		Status:      model.ConfigActive,
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, database.GetDB().Create(c).Error)
	return c
}

func reloadReseller(t *testing.T, id int) *model.Reseller {
	t.Helper()
	r := &model.Reseller{}
	require.NoError(t, database.GetDB().First(r, id).Error)
	return r
}

func reloadConfig(t *testing.T, id int) *model.Config {
	t.Helper()
	c := &model.Config{}
	require.NoError(t, database.GetDB().First(c, id).Error)
	return c
}

func countRows(t *testing.T, m any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, database.GetDB().Model(m).Where(query, args...).Count(&n).Error)
	return n
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func gib(n float64) int64 {
	return int64(n * (1 << 30))
}
