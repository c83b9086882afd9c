package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/internal/apihandler"
	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/dns"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/proxy"
	"github.com/hewenyu/kong-mesh/pkg/registry"
	"github.com/hewenyu/kong-mesh/pkg/route"
	"github.com/hewenyu/kong-mesh/pkg/storage"
	"github.com/hewenyu/kong-mesh/pkg/storage/etcd"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("meshd异常退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	logger.Info("Kong Mesh 控制面启动中...",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("ttl", cfg.Registry.TTL),
		zap.Bool("etcd_enabled", cfg.Etcd.Enabled),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 注册中心
	reg := registry.New(registry.Options{
		TTL:        cfg.Registry.TTL,
		EvictAfter: cfg.Registry.EvictAfter,
	}, logger.With(zap.String("component", "registry")))

	// 路由表
	table, store, err := buildRouteTable(ctx, cfg, logger.With(zap.String("component", "route")))
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	// 健康检查
	aggregator := health.NewAggregator(reg, health.Options{
		ProbeTimeout: cfg.Health.ProbeTimeout,
		PollInterval: cfg.Health.PollInterval,
		Concurrency:  cfg.Health.Concurrency,
	}, logger.With(zap.String("component", "health")))

	// 代理与指标
	metrics := handler.NewMetricsHandler(reg)
	p := proxy.New(table, reg, proxy.Options{
		Timeout:  cfg.Proxy.Timeout,
		Recorder: metrics,
	}, logger.With(zap.String("component", "proxy")))

	// 后台任务
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	var bg errgroup.Group
	bg.Go(func() error {
		reg.Run(bgCtx, cfg.EffectiveSweepInterval())
		return nil
	})
	bg.Go(func() error {
		aggregator.Run(bgCtx)
		return nil
	})
	if watcher, ok := store.(storage.RouteWatcher); ok {
		// 同步其他副本写入的运行时路由
		bg.Go(func() error {
			if err := watcher.WatchRoutes(bgCtx, table.ApplyEvent); err != nil {
				logger.Error("路由同步已停止", zap.Error(err))
			}
			return nil
		})
	}

	// HTTP服务
	api := apihandler.NewAPIHandler(cfg, logger, apihandler.Components{
		Registry:   reg,
		Routes:     table,
		Aggregator: aggregator,
		Proxy:      p,
		Metrics:    metrics,
	})
	if err := api.Start(); err != nil {
		cancelBackground()
		bg.Wait()
		return fmt.Errorf("启动HTTP服务失败: %w", err)
	}

	// DNS服务
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer, err = startDNS(cfg, reg, metrics, logger.With(zap.String("component", "dns")))
		if err != nil {
			logger.Error("启动DNS服务失败", zap.Error(err))
		}
	}

	logger.Info("Kong Mesh 控制面已就绪", zap.String("address", api.Addr()))

	// 等待信号以优雅关闭
	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if dnsServer != nil {
		if err := dnsServer.Shutdown(); err != nil {
			logger.Error("关闭DNS服务失败", zap.Error(err))
		}
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭HTTP服务失败", zap.Error(err))
	}

	cancelBackground()
	bg.Wait()

	logger.Info("Kong Mesh 控制面已关闭")
	return nil
}

// buildRouteTable 加载静态路由，启用etcd时再合并持久化的路由
func buildRouteTable(ctx context.Context, cfg *config.Config, logger config.Logger) (*route.Table, storage.RouteStorage, error) {
	var (
		opts  []route.Option
		store storage.RouteStorage
	)
	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			Prefix:      cfg.Etcd.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("初始化路由存储失败: %w", err)
		}
		store = etcd.NewRouteStorage(client)
		opts = append(opts, route.WithStore(store))
		logger.Info("已连接etcd路由存储", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	}

	table := route.NewTable(logger, opts...)
	for _, r := range cfg.Routes {
		if _, err := table.AddStatic(r.Prefix, r.Service); err != nil {
			if store != nil {
				store.Close()
			}
			return nil, nil, fmt.Errorf("加载静态路由%s失败: %w", r.Prefix, err)
		}
	}

	if store != nil {
		n, err := table.Load(ctx)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("加载持久化路由失败: %w", err)
		}
		logger.Info("已加载持久化路由", zap.Int("count", n))
	}

	logger.Info("路由表已就绪", zap.Int("routes", len(table.Routes())))
	return table, store, nil
}

func startDNS(cfg *config.Config, reg *registry.Registry, counter dns.QueryCounter, logger config.Logger) (*dns.Server, error) {
	records := dns.NewRecordManager(reg, cfg.DNS.Domain, cfg.DNS.TTL)
	upstream := dns.NewUpstreamResolver(cfg.DNS.UpstreamDNS, 0)
	h := dns.NewHandler(records, upstream, counter, logger)

	server, err := dns.NewServer(dns.ServerConfig{
		ListenAddress: cfg.DNS.ListenAddress,
		Port:          cfg.DNS.Port,
		Protocol:      cfg.DNS.Protocol,
	}, h, logger)
	if err != nil {
		return nil, err
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	return server, nil
}
