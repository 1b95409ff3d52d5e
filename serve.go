package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/clients"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/notify"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/queue"
	"github.com/any-hub/offline-hub/internal/routing"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

const shutdownTimeout = 5 * time.Second

// hubRuntime 持有一次进程运行期间共享的全部组件。
type hubRuntime struct {
	cfg       *config.Config
	logger    *logrus.Logger
	client    *http.Client
	resolver  *server.RouteResolver
	cache     cache.Generation
	durable   durable.Store
	clients   *clients.Hub
	queue     *queue.Manager
	notifier  *notify.Bridge
	proxy     server.ProxyHandler
	lifecycle *lifecycle.Controller
}

// buildRuntime 按“配置 → 路由 → 磁盘缓存 → 持久化存储 → 客户端注册表 → 队列 → 策略执行器”顺序装配组件。
// 返回的 durable.Store 尚未执行 Init，由生命周期的 install 阶段负责。
func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*hubRuntime, error) {
	router, err := routing.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建路由规则失败: %w", err)
	}
	resolver, err := server.NewRouteResolver(cfg, router)
	if err != nil {
		return nil, fmt.Errorf("解析源站地址失败: %w", err)
	}

	store, err := cache.NewStore(cfg.CachePath())
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	generation := cache.Bind(store, cfg.Global.CacheGeneration)

	db, err := durable.Open(durable.Options{Backend: cfg.Durable.Backend, Path: cfg.DurablePath()})
	if err != nil {
		return nil, fmt.Errorf("打开持久化存储失败: %w", err)
	}

	rt := &hubRuntime{
		cfg:      cfg,
		logger:   logger,
		client:   server.NewUpstreamClient(cfg),
		resolver: resolver,
		cache:    generation,
		durable:  db,
		clients:  clients.NewHub(logger),
	}

	rt.queue, err = queue.NewManager(queue.Options{
		Store:       db,
		Client:      rt.client,
		Logger:      logger,
		Broadcaster: rt.clients,
		Timeout:     cfg.Global.NetworkTimeout.DurationValue(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	rt.notifier, err = notify.NewBridge(rt.clients, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Client:          rt.client,
		Logger:          logger,
		Cache:           generation,
		Durable:         db,
		Queue:           rt.queue,
		OfflinePage:     resolver.OriginURL(cfg.Origin.OfflinePage),
		StalenessWindow: cfg.Global.StalenessWindow.DurationValue(),
		Timeout:         cfg.Global.NetworkTimeout.DurationValue(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	rt.proxy = proxy.NewForwarder(handler, logger)

	precache := make([]*url.URL, 0, len(cfg.Origin.Precache))
	for _, path := range cfg.Origin.Precache {
		precache = append(precache, resolver.OriginURL(path))
	}
	rt.lifecycle, err = lifecycle.New(lifecycle.Options{
		Cache:    generation,
		Durable:  db,
		Client:   rt.client,
		Precache: precache,
		Clients:  rt.clients,
		Logger:   logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *hubRuntime) Close() error {
	return rt.durable.Close()
}

// newApp 组装 Fiber 应用：拦截所有非 /-/ 请求，并挂载控制面。
func (rt *hubRuntime) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:   rt.logger,
		Resolver: rt.resolver,
		Proxy:    rt.proxy,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Logger:    rt.logger,
		Lifecycle: rt.lifecycle,
		Queue:     rt.queue,
		Clients:   rt.clients,
		Notifier:  rt.notifier,
	})
	return app, nil
}

// serve 执行 install → activate → claim，随后启动后台同步与 HTTP 服务，直到 ctx 结束。
func serve(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", configPath)
	for k, v := range cfg.Summary() {
		fields[k] = v
	}
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if _, _, err := rt.lifecycle.Start(ctx); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidState) || rt.lifecycle.State() != lifecycle.StateActivated {
			return fmt.Errorf("生命周期启动失败: %w", err)
		}
		logger.WithField("action", "activate").WithError(err).Warn("旧缓存代际清理不完整")
	}

	scheduler, err := queue.NewScheduler(rt.queue, queue.SchedulerOptions{
		Client:   rt.client,
		ProbeURL: rt.resolver.OriginURL(cfg.Origin.ProbePath).String(),
		Interval: cfg.Global.SyncInterval.DurationValue(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go func() {
		if err := scheduler.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithField("action", "sync").WithError(err).Error("后台同步退出")
		}
	}()

	app, err := rt.newApp()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")
	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
