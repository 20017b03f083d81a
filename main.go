package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/stream-cache/internal/bufpool"
	"github.com/any-hub/stream-cache/internal/config"
	"github.com/any-hub/stream-cache/internal/logging"
	"github.com/any-hub/stream-cache/internal/metrics"
	"github.com/any-hub/stream-cache/internal/server"
	"github.com/any-hub/stream-cache/internal/server/routes"
	"github.com/any-hub/stream-cache/internal/stream"
)

const (
	configEnv       = "STREAM_CACHE_CONFIG"
	defaultConfig   = "config.toml"
	shutdownTimeout = 10 * time.Second
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

	logger, logCloser, err := logging.New(cfg.Global, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := logCloser.Close(); err != nil {
			fmt.Fprintf(stdErr, "关闭日志文件失败: %v\n", err)
		}
	}()

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_directory"] = cfg.Global.CacheDirectory
		fields["listen_port"] = cfg.Global.ListenPort
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts.configPath, nil); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 未指定且默认文件不存在时返回空路径，由 config.Load 使用默认值。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("stream-cache", flag.ContinueOnError)
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
		if _, err := os.Stat(defaultConfig); err == nil {
			path = defaultConfig
		}
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 按“缓存目录 → 缓冲池 → 指标 → Fiber server + 清理协程”顺序启动，
// ctx 结束后关闭连接与监听，最后释放所有流文件句柄。ln 为空时监听配置端口。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string, ln net.Listener) error {
	g := cfg.Global

	sessions := server.NewSessionRegistry()
	var m *metrics.Metrics

	streams, err := stream.NewRegistry(g.CacheDirectory,
		stream.WithLogger(logger),
		stream.WithReclaimHook(func(ids []string) { m.StreamsReclaimed(len(ids)) }),
	)
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	pool, err := bufpool.New(g.BufferSize, g.BufferPoolSize)
	if err != nil {
		_ = streams.Close()
		return fmt.Errorf("初始化缓冲池失败: %w", err)
	}

	m = metrics.New(metrics.Sources{
		ActiveStreams:    streams.Count,
		ActiveSessions:   sessions.Count,
		AvailableBuffers: pool.Available,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Streams:      streams,
		Pool:         pool,
		Sessions:     sessions,
		Metrics:      m,
		Path:         g.WebSocketPath,
		MaxFrameSize: g.MaxFrameSize,
		MaxReadSize:  g.MaxReadSize,
	})
	if err != nil {
		_ = streams.Close()
		return err
	}
	routes.RegisterDiagnostics(app, routes.Dependencies{
		Streams:  streams,
		Sessions: sessions,
		Pool:     pool,
		Metrics:  m,
	})

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = g.ListenPort
	fields["websocket_path"] = g.WebSocketPath
	fields["cache_directory"] = streams.Directory()
	fields["buffer_pool"] = fmt.Sprintf("%dx%d", g.BufferPoolSize, g.BufferSize)
	fields["stream_max_age"] = g.StreamMaxAge.DurationValue().String()
	logger.WithFields(fields).Info("配置加载完成")

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		listenCfg := fiber.ListenConfig{DisableStartupMessage: true}
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   g.ListenPort,
		}).Info("Fiber 服务启动")
		if ln != nil {
			return app.Listener(ln, listenCfg)
		}
		return app.Listen(g.ListenAddr(), listenCfg)
	})

	group.Go(func() error {
		return streams.RunReaper(gctx, g.CleanupInterval.DurationValue(), g.StreamMaxAge.DurationValue())
	})

	group.Go(func() error {
		<-gctx.Done()
		logger.WithField("action", "shutdown").Info("正在停止服务")
		closeErr := sessions.CloseAll()
		shutdownErr := app.ShutdownWithTimeout(shutdownTimeout)
		return errors.Join(closeErr, shutdownErr)
	})

	runErr := group.Wait()
	remaining := streams.Count()
	closeErr := streams.Close()

	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"streams": remaining,
	}).Info("服务已停止")

	return errors.Join(runErr, closeErr)
}
