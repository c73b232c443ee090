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

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/route"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
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
)

// configEnv 指定默认配置路径，优先级低于 -config。
const configEnv = "SHELLCACHE_CONFIG"

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
	}
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
		fields["origin"] = cfg.Origin.Upstream
		fields["cache_version"] = cfg.Global.CacheVersion
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["app_shell"] = len(cfg.Global.AppShell)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newShellRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}
	defer rt.store.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Origin.Upstream
	fields["cache_version"] = cfg.Global.CacheVersion
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["memory_cache"] = cfg.Global.MemoryCache
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 安装失败不阻止启动：未接管前所有请求直接透传，可稍后通过 /-/update 重试。
	if err := rt.host.Run(ctx); err != nil {
		logger.WithError(err).WithFields(logging.GenerationFields("install", cfg.Global.CacheVersion)).
			Warn("install_failed")
	}

	if err := startHTTPServer(ctx, rt.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// shellRuntime 持有一次进程内组装好的全部组件。
type shellRuntime struct {
	app    *fiber.App
	store  cache.Store
	worker *lifecycle.Worker
	host   *lifecycle.Host
}

// newShellRuntime 按“存储 → 上游 client → worker/host → Fiber app”顺序组装，
// 所有请求共享同一个 store 与 worker。
func newShellRuntime(cfg *config.Config, logger *logrus.Logger) (*shellRuntime, error) {
	store, err := cache.New(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	closeOnErr := func(err error) (*shellRuntime, error) {
		_ = store.Close()
		return nil, err
	}

	client, err := server.NewUpstreamClient(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return closeOnErr(err)
	}

	worker, err := lifecycle.NewWorker(lifecycle.Options{
		Client:     client,
		Store:      store,
		Classifier: route.NewClassifier(cfg.RouteTable()),
		Origin:     origin,
		Manifest:   cfg.Global.AppShell,
		Logger:     logger,
	})
	if err != nil {
		return closeOnErr(fmt.Errorf("初始化 worker 失败: %w", err))
	}
	host := lifecycle.NewHost(worker, lifecycle.HostOptions{
		Version:        cfg.Global.CacheVersion,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         logger,
	})

	handler, err := proxy.NewHandler(worker, origin, logger)
	if err != nil {
		return closeOnErr(err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Shell:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return closeOnErr(err)
	}
	routes.RegisterGenerationRoutes(app, worker, host, logger)

	return &shellRuntime{app: app, store: store, worker: worker, host: host}, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
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

func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	err := app.Listen(fmt.Sprintf(":%d", port))
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}
