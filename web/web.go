// Package web runs the HTTP API and schedules the engine jobs.
package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xshayank/VpnMarket-sub001/config"
	"github.com/xshayank/VpnMarket-sub001/logger"
	"github.com/xshayank/VpnMarket-sub001/provider"
	"github.com/xshayank/VpnMarket-sub001/util/common"
	"github.com/xshayank/VpnMarket-sub001/web/controller"
	"github.com/xshayank/VpnMarket-sub001/web/job"
	"github.com/xshayank/VpnMarket-sub001/web/middleware"
	"github.com/xshayank/VpnMarket-sub001/web/service"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

// Server owns the HTTP listener, the provider registry and the job scheduler.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	registry       *provider.Registry
	settingService service.SettingService

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(registry *provider.Registry) *Server {
	if registry == nil {
		registry = provider.DefaultRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{registry: registry, ctx: ctx, cancel: cancel}
}

func (s *Server) initRouter() *gin.Engine {
	if config.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()
	engine.Use(middleware.RateLimitMiddleware(middleware.DefaultRateLimitConfig()))

	root := engine.Group("/")
	controller.NewServerController(root)

	api := engine.Group("/api")
	controller.NewEngineController(api, s.registry)
	controller.NewAuditController(api)
	controller.NewSettingController(api)

	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})
	return engine
}

// addJob schedules j at spec, falling back to fallback when spec is invalid.
func (s *Server) addJob(name, spec, fallback string, j cron.Job) {
	if spec == "" {
		spec = fallback
	}
	if _, err := s.cron.AddJob(spec, j); err != nil {
		logger.Warningf("%s: invalid schedule %q (%v), using %s", name, spec, err, fallback)
		if _, err = s.cron.AddJob(fallback, j); err != nil {
			logger.Error("schedule", name, "failed:", err)
		}
		return
	}
	logger.Infof("%s scheduled at %s", name, spec)
}

func (s *Server) startTask() {
	usageSpec, _ := s.settingService.GetUsageSyncCron()
	s.addJob("usage sync", usageSpec, "@every 1m", job.NewUsageSyncJob(s.ctx, s.registry))

	chargeSpec, _ := s.settingService.GetWalletChargeCron()
	s.addJob("wallet charge", chargeSpec, "@every 1m", job.NewWalletChargeJob(s.ctx, s.registry, job.CadenceOf(chargeSpec)))

	reenableSpec, _ := s.settingService.GetReenableCron()
	s.addJob("reenable sweep", reenableSpec, "@every 5m", job.NewReenableSweepJob(s.ctx, s.registry))

	s.cron.AddJob("@daily", job.NewAuditCleanupJob())
}

// Start opens the listener, serves the API and starts the scheduler.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			_ = s.Stop()
		}
	}()

	loc, err := s.settingService.GetTimeLocation()
	if err != nil {
		return err
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	s.cron.Start()

	engine := s.initRouter()

	listener, err := net.Listen("tcp", config.GetListenAddr())
	if err != nil {
		return err
	}
	logger.Info("API server running on", listener.Addr())

	s.listener = listener
	s.httpServer = &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.startTask()
	return nil
}

// Stop cancels running jobs, waits for the scheduler and shuts the API down.
func (s *Server) Stop() error {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	var err1, err2 error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err1 = s.httpServer.Shutdown(ctx)
	}
	if s.listener != nil {
		err2 = s.listener.Close()
		if errors.Is(err2, net.ErrClosed) {
			err2 = nil
		}
	}
	return common.Combine(err1, err2)
}
