package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/api"
	"github.com/dealdesk/gocfd/internal/book"
	"github.com/dealdesk/gocfd/internal/engine"
	"github.com/dealdesk/gocfd/internal/eventhub"
	"github.com/dealdesk/gocfd/internal/execution"
	"github.com/dealdesk/gocfd/internal/feed"
	"github.com/dealdesk/gocfd/internal/ledger"
	"github.com/dealdesk/gocfd/internal/metrics"
	"github.com/dealdesk/gocfd/internal/pending"
	"github.com/dealdesk/gocfd/internal/ports"
	"github.com/dealdesk/gocfd/internal/risk"
	"github.com/dealdesk/gocfd/internal/store"
	"github.com/dealdesk/gocfd/pkg/config"
	"github.com/dealdesk/gocfd/pkg/logger"
	"github.com/dealdesk/gocfd/pkg/ratelimit"
	"github.com/dealdesk/gocfd/pkg/shutdown"
	"github.com/dealdesk/gocfd/pkg/snapshot"
	"github.com/dealdesk/gocfd/pkg/syncgroup"
)

// mathRand 进程级随机源（滑点模型用；测试里注入固定序列）
type mathRand struct{}

func (mathRand) Float64() float64 { return rand.Float64() }

func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml）")
	flag.Parse()

	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := logrus.WithField("component", "engined")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := shutdown.NewManager()
	workers := syncgroup.NewSyncGroup()

	// ---- 持久层 ----
	var persist ports.Persister = store.NopPersister{}
	var hist *store.Store
	if cfg.Store.DBPath != "" {
		st, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			log.Fatalf("打开 SQLite 失败: %v", err)
		}
		hist = st
		ap := store.NewAsyncPersister(st, cfg.Store.QueueSize)
		ap.Run(ctx)
		persist = ap
		mgr.OnShutdown(func(ctx context.Context) {
			ap.Wait()
			_ = st.Close()
		})
	}

	// ---- 核心组件 ----
	positions := book.NewBook()
	accounts := ledger.NewLedger(positions)
	orders := pending.NewStore()
	quotes := feed.NewQuoteBoard()
	hub := eventhub.NewHub(cfg.Server.WSBuffer)
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		DailyLossLimit:       cfg.Engine.DailyLossLimit,
		MaxConsecutiveErrors: int64(cfg.Engine.MaxErrorStreak),
	})
	exec := execution.NewEngine(execution.Config{
		SlippageBps:     cfg.Engine.SlippageBps,
		MaxExposure:     cfg.Engine.MaxExposure,
		DefaultLeverage: cfg.Engine.DefaultLeverage,
		MaxLeverage:     cfg.Engine.MaxLeverage,
	}, accounts, positions, breaker, mathRand{}, hub, persist)

	svc := engine.NewService(engine.Config{
		StaleAfter:      cfg.Engine.StaleAfter,
		MetricsDebounce: cfg.Engine.MetricsDebounce,
		InitialBalance:  cfg.Engine.InitialBalance,
	}, accounts, positions, orders, exec, risk.NewMonitor(), quotes, hub, persist)
	svc.Start(ctx)
	mgr.OnShutdown(func(ctx context.Context) {
		svc.Stop()
	})

	// ---- 状态快照 ----
	if cfg.Store.SnapshotDir != "" {
		snap, err := snapshot.Open(cfg.Store.SnapshotDir)
		if err != nil {
			log.Fatalf("打开快照库失败: %v", err)
		}
		restored, err := svc.RestoreSnapshot(snap)
		if err != nil {
			log.Fatalf("恢复引擎状态失败: %v", err)
		}
		if restored {
			log.Info("已从快照恢复引擎状态")
		}
		workers.Add(func() { svc.RunSnapshotLoop(ctx, snap, cfg.Store.SnapshotInterval) })
		mgr.OnShutdown(func(ctx context.Context) {
			_ = snap.Close()
		})
	}

	// ---- 行情接入 ----
	if cfg.Feed.WSURL != "" {
		ws := feed.NewWSClient(cfg.Feed.WSURL, cfg.Feed.Symbols)
		ws.OnTick(svc.HandleTick)
		if err := ws.Connect(ctx); err != nil {
			log.Fatalf("连接行情源失败: %v", err)
		}
		mgr.OnShutdown(func(ctx context.Context) {
			ws.Close()
		})
	}
	if cfg.Feed.RestURL != "" {
		poller := feed.NewRestPoller(cfg.Feed.RestURL, cfg.Feed.Symbols, cfg.Feed.PollInterval)
		poller.OnTick(svc.HandleTick)
		workers.Add(func() { poller.Run(ctx) })
	}
	workers.Run()
	mgr.OnShutdown(func(ctx context.Context) {
		workers.Wait()
	})

	// ---- 对外服务 ----
	var orderLimit *ratelimit.PerUser
	if cfg.Server.OrderBurst > 0 {
		orderLimit = ratelimit.NewPerUser(cfg.Server.OrderBurst, cfg.Server.OrderRate)
	}
	apiServer := api.NewServer(svc, hub, hist, orderLimit)
	apiServer.Start(cfg.Server.Addr)
	mgr.OnShutdown(func(ctx context.Context) {
		_ = apiServer.Shutdown(ctx)
	})
	if cfg.Server.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Server.MetricsAddr); err != nil {
			log.Warnf("metrics 服务启动失败: %v", err)
		}
	}

	log.Infof("engined 启动完成: api=%s 符号=%v", cfg.Server.Addr, cfg.Feed.Symbols)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("收到退出信号，开始优雅关闭")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if !mgr.Shutdown(shutdownCtx) {
		log.Warn("优雅关闭超时，部分清理未完成")
	}
}
