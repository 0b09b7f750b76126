package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/budget-planner/offline-cache/internal/cache"
	"github.com/budget-planner/offline-cache/internal/config"
	"github.com/budget-planner/offline-cache/internal/interceptor"
	"github.com/budget-planner/offline-cache/internal/logging"
	"github.com/budget-planner/offline-cache/internal/proxy"
	"github.com/budget-planner/offline-cache/internal/server"
	"github.com/budget-planner/offline-cache/internal/server/routes"
	"github.com/budget-planner/offline-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr

	// serveApp 在测试中被替换，避免真正监听端口。
	serveApp = func(ctx context.Context, app *fiber.App, addr string) error {
		errCh := make(chan error, 1)
		go func() { errCh <- app.Listen(addr) }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return app.ShutdownWithTimeout(10 * time.Second)
		}
	}
)

const configEnv = "OFFLINE_CACHE_CONFIG"

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Cache.Origin
		fields["partitions"] = cfg.Cache.CurrentPartitions()
		fields["seeds"] = len(cfg.Cache.SeedManifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 分区存储 → 拦截器 → install → activate → Fiber server。
	// install 失败时不执行 activate，旧版本分区保持原样。
	store, err := cache.NewStore(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化分区存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	httpClient := server.NewUpstreamClient(cfg)
	fetcher, err := server.NewOriginFetcher(httpClient, cfg.Cache.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化源站失败: %v\n", err)
		return 1
	}

	ic, err := interceptor.New(store, fetcher, logger, interceptorOptions(cfg))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化拦截器失败: %v\n", err)
		return 1
	}
	defer ic.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ic.Install(ctx); err != nil {
		logger.WithFields(logging.BaseFields("install", opts.configPath)).WithError(err).Error("install_failed")
		fmt.Fprintf(stdErr, "预热静态分区失败: %v\n", err)
		return 1
	}
	if _, err := ic.Activate(ctx); err != nil {
		fmt.Fprintf(stdErr, "清理旧分区失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = fetcher.Origin()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["partitions"] = ic.CurrentPartitions()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, ic, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func interceptorOptions(cfg *config.Config) interceptor.Options {
	return interceptor.Options{
		StaticPartition:  cfg.Cache.StaticPartition,
		DynamicPartition: cfg.Cache.DynamicPartition,
		SeedManifest:     cfg.Cache.SeedManifest,
		APIPrefix:        cfg.Cache.APIPrefix,
		FallbackPath:     cfg.Cache.FallbackPath,
		SeedConcurrency:  cfg.Cache.SeedConcurrency,
		MaxRetries:       cfg.Global.MaxRetries,
		InitialBackoff:   cfg.Global.InitialBackoff.DurationValue(),
		MaxEntryBytes:    cfg.Global.MaxEntrySize,
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, ic *interceptor.Interceptor, store cache.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewGuard(proxy.NewHandler(ic, logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterPartitionRoutes(app, ic, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = serveApp(ctx, app, fmt.Sprintf(":%d", port))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
