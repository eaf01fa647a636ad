package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/audit"
	"scalping-ai/internal/config"
	"scalping-ai/internal/exchange"
	"scalping-ai/internal/ledger"
	"scalping-ai/internal/loop"
	"scalping-ai/internal/market"
	"scalping-ai/internal/router"
	"scalping-ai/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	trail  *audit.Trail
	book   *ledger.Ledger
	router *router.Router
	loops  []*loop.Loop
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配各组件、启动各标的的自主循环并阻塞到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("instruments", a.cfg.Trading.Instruments),
	)

	trail, err := audit.NewTrail(a.store, a.cfg.Audit, a.logger)
	if err != nil {
		return fmt.Errorf("初始化审计日志失败: %w", err)
	}
	defer func() {
		if cerr := trail.Close(); cerr != nil {
			a.logger.Warn("关闭审计日志失败", zap.Error(cerr))
		}
	}()
	a.trail = trail

	exClient, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	marketSvc := market.NewService(exClient, a.logger)

	registrations, err := buildProviders(a.cfg.Providers, a.logger)
	if err != nil {
		return fmt.Errorf("初始化决策后端失败: %w", err)
	}

	decisionRouter, err := router.New(a.cfg.Router, registrations, a.logger)
	if err != nil {
		return fmt.Errorf("初始化故障转移路由失败: %w", err)
	}
	a.router = decisionRouter

	// 账本与路由在全部标的间共享：持仓上限是全局约束，
	// 后端健康计数也不按标的区分。
	book := ledger.New(a.cfg.Risk.MaxPositions, a.logger)
	a.book = book

	loops := make([]*loop.Loop, 0, len(a.cfg.Trading.Instruments))
	for _, instrument := range a.cfg.Trading.Instruments {
		l, err := loop.New(loop.Options{
			Instrument: instrument,
			QuoteAsset: a.cfg.Exchange.QuoteAsset,
			Risk:       a.cfg.Risk,
			Scheduler:  a.cfg.Scheduler,
			Snapshots:  marketSvc,
			Decisions:  decisionRouter,
			Orders:     exClient,
			Book:       book,
			Trail:      trail,
			Logger:     a.logger,
		})
		if err != nil {
			return fmt.Errorf("初始化自主循环失败 (%s): %w", instrument, err)
		}
		loops = append(loops, l)
	}
	a.loops = loops

	if a.cfg.Monitor.Enabled {
		if err := a.startControlServer(ctx); err != nil {
			return fmt.Errorf("启动控制接口失败: %w", err)
		}
	}

	a.StartAll(ctx)

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")

	a.StopAll()
	return a.waitLoops(5 * time.Second)
}

// StartAll 启动（或恢复）所有标的的循环，重复调用无效果。
func (a *App) StartAll(ctx context.Context) {
	for _, l := range a.loops {
		l.Start(ctx)
	}
}

// StopAll 向所有循环发出停止信号，立即返回。
func (a *App) StopAll() {
	for _, l := range a.loops {
		l.Stop()
	}
}

func (a *App) waitLoops(timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g := new(errgroup.Group)
	for _, l := range a.loops {
		done := l.Done()
		if done == nil {
			continue
		}
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-waitCtx.Done():
				return errors.New("等待循环退出超时")
			}
		})
	}
	return g.Wait()
}

// statuses 返回按标的排序的循环状态。
func (a *App) statuses() []loop.Status {
	out := make([]loop.Status, 0, len(a.loops))
	for _, l := range a.loops {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func buildProviders(configs []config.ProviderConfig, logger *zap.Logger) ([]router.Registration, error) {
	if len(configs) == 0 {
		return nil, errors.New("未配置任何决策后端")
	}
	registrations := make([]router.Registration, 0, len(configs))
	for _, cfg := range configs {
		var (
			provider ai.Provider
			err      error
		)
		switch cfg.Type {
		case "openai":
			provider, err = ai.NewOpenAIProvider(cfg, logger)
		case "anthropic":
			provider, err = ai.NewAnthropicProvider(cfg, logger)
		default:
			err = fmt.Errorf("未知的后端类型: %s", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("后端 %s: %w", cfg.Name, err)
		}
		registrations = append(registrations, router.Registration{
			Provider: provider,
			Priority: cfg.Priority,
		})
	}
	return registrations, nil
}
