package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/db"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/churnguard/tenant-governor/internal/governor"
	"github.com/churnguard/tenant-governor/internal/http/api/admin"
	"github.com/churnguard/tenant-governor/internal/http/api/front"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/churnguard/tenant-governor/internal/watcher"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Services is the wired governor and the backends it owns.
type Services struct {
	Config     config.Config
	DB         *gorm.DB
	Store      *store.Store
	Breakers   *circuit.Registry
	Events     *circuit.EventRecorder
	Metrics    *governor.Metrics
	Governor   *governor.Governor
	Reconciler *tenant.Reconciler
	Dispatcher *governor.Dispatcher
	Watcher    *watcher.QuotaWatcher
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conf, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(conf.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// ConfigureLogging applies the configured level and formatter.
func ConfigureLogging(conf config.Config) {
	level, errLevel := log.ParseLevel(strings.TrimSpace(conf.LogLevel))
	if errLevel != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if conf.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// Build wires every component from conf. handler runs dispatched queue items;
// nil logs them. Background workers are not started.
func Build(ctx context.Context, conf config.Config, handler governor.Handler) (*Services, error) {
	policy, errPolicy := store.ParseFailPolicy(conf.FailPolicy)
	if errPolicy != nil {
		return nil, errPolicy
	}
	policies, errPolicies := ratelimit.PoliciesFromConfig(conf.RateLimits)
	if errPolicies != nil {
		return nil, errPolicies
	}

	conn, errOpen := db.Open(conf.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		closeDB(conn)
		return nil, errMigrate
	}

	metrics := governor.NewMetrics()
	events := circuit.NewEventRecorder(conn, 0)
	defaults, overrides := circuit.SettingsFromConfig(conf.CircuitBreakers)
	breakers := circuit.NewRegistry(defaults, overrides, nil)
	breakers.OnTransition(events.Hook())
	breakers.OnTransition(metrics.CircuitHook())
	breakers.Preload()

	st, errStore := store.New(ctx, store.Options{
		Addr:        conf.Redis.Addr,
		Password:    conf.Redis.Password,
		DB:          conf.Redis.DB,
		Prefix:      conf.Redis.Prefix,
		DialTimeout: conf.Redis.DialTimeout,
		Policy:      policy,
		Breaker:     breakers.Breaker(internalsettings.StoreBreakerName),
	})
	if errStore != nil {
		closeDB(conn)
		return nil, errStore
	}
	metrics.SeedCircuits(breakers)

	quotas := tenant.NewQuotas(tenant.PlansFromConfig(conf.Plans), tenant.NewGormQuotaStore(conn))
	if errRefresh := quotas.Refresh(ctx); errRefresh != nil {
		_ = st.Close()
		closeDB(conn)
		return nil, errRefresh
	}
	manager := tenant.NewManager(st, quotas, nil)
	manager.SetSlotTTL(conf.Reconcile.SlotTTL)

	queue := fairqueue.New(st, fairqueue.Options{
		Name:        "default",
		PollTimeout: conf.Queue.PollTimeout,
		PriorityOf:  func(tenantID string) int { return quotas.Get(tenantID).Priority },
	})
	metrics.WatchQueue(queue)

	var ledger *tenant.CallLedger
	if conf.Reconcile.Enabled {
		ledger = tenant.NewCallLedger(conn)
	}

	gov, errGov := governor.New(governor.Options{
		Limiter:  ratelimit.NewLimiter(st, policies, nil),
		Tenants:  manager,
		Breakers: breakers,
		Queue:    queue,
		Ledger:   ledger,
		Metrics:  metrics,
	})
	if errGov != nil {
		_ = st.Close()
		closeDB(conn)
		return nil, errGov
	}

	if handler == nil {
		handler = logHandler
	}
	dispatcher, errDispatcher := governor.NewDispatcher(gov, governor.DispatcherOptions{
		Workers:    conf.Queue.Workers,
		Rate:       conf.Queue.DispatchRate,
		Dependency: conf.Queue.Dependency,
		Handler:    handler,
	})
	if errDispatcher != nil {
		_ = st.Close()
		closeDB(conn)
		return nil, errDispatcher
	}

	return &Services{
		Config:     conf,
		DB:         conn,
		Store:      st,
		Breakers:   breakers,
		Events:     events,
		Metrics:    metrics,
		Governor:   gov,
		Reconciler: tenant.NewReconciler(manager, ledger, conf.Reconcile.Interval, conf.Reconcile.SlotTTL),
		Dispatcher: dispatcher,
		Watcher:    watcher.New(conn, quotas, 0),
	}, nil
}

// Start launches the background workers.
func (s *Services) Start(ctx context.Context) {
	s.Events.Start(ctx)
	s.Reconciler.Start(ctx)
	s.Dispatcher.Start(ctx)
	s.Watcher.Start(ctx)
}

// Router builds the gin engine with every route registered.
func (s *Services) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	admin.RegisterAdminRoutes(engine, admin.Deps{
		Governor:   s.Governor,
		Store:      s.Store,
		DB:         s.DB,
		Reconciler: s.Reconciler,
		Metrics:    s.Metrics,
	}, s.Config.JWT)
	front.RegisterFrontRoutes(engine, s.Governor)
	return engine
}

// Close flushes pending circuit events and releases the backends.
func (s *Services) Close() {
	if s == nil {
		return
	}
	s.Events.Close()
	if s.Store != nil {
		if errClose := s.Store.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: close store")
		}
	}
	closeDB(s.DB)
}

// RunServer boots the governor and serves HTTP until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ConfigureLogging(conf)
	if strings.TrimSpace(conf.JWT.Secret) == "" {
		log.Warn("jwt secret not configured, admin routes will reject every token")
	}

	services, err := Build(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer services.Close()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	services.Start(workerCtx)

	gin.SetMode(gin.ReleaseMode)
	addr := net.JoinHostPort(conf.Server.Host, strconv.Itoa(conf.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           services.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.WithFields(log.Fields{
		"addr":        addr,
		"config":      configPath,
		"database":    describeDSN(conf.Database.DSN),
		"dialect":     db.DialectName(services.DB),
		"redis":       conf.Redis.Addr,
		"fail_policy": conf.FailPolicy,
	}).Info("starting tenant governor")

	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return fmt.Errorf("app: listen %s: %w", addr, errListen)
	}
	return nil
}

func logHandler(_ context.Context, item fairqueue.Item) error {
	log.WithFields(log.Fields{
		"tenant_id": item.TenantID,
		"item_id":   item.ItemID,
		"priority":  item.Priority,
	}).Info("dispatched queued item")
	return nil
}

func closeDB(conn *gorm.DB) {
	if conn == nil {
		return
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}
}
