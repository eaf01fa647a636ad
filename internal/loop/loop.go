package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/audit"
	"scalping-ai/internal/config"
	"scalping-ai/internal/exchange"
	"scalping-ai/internal/ledger"
	"scalping-ai/internal/market"
	"scalping-ai/internal/risk"
	"scalping-ai/internal/router"
)

// State 表示循环运行状态。
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// 周期结果，写入审计 TickPayload.Outcome。
const (
	OutcomeExecuted        = "executed"
	OutcomeRejected        = "rejected"
	OutcomeExecutionFailed = "execution_failed"
)

// DecisionSource 提供交易决策，生产实现为 router.Router。
type DecisionSource interface {
	ObtainDecision(ctx context.Context, snapshot market.Snapshot) (ai.Decision, error)
}

// OrderGateway 为下单所需的交易所能力子集。
type OrderGateway interface {
	FetchFreeBalance(ctx context.Context, asset string) (float64, error)
	PlaceMarketOrder(ctx context.Context, instrument string, side exchange.OrderSide, amount float64) (exchange.OrderRef, error)
}

// Options 为单标的自主循环的装配参数。
type Options struct {
	Instrument string
	QuoteAsset string
	Risk       config.RiskConfig
	Scheduler  config.SchedulerConfig

	Snapshots market.SnapshotProvider
	Decisions DecisionSource
	Orders    OrderGateway
	Book      *ledger.Ledger
	Trail     *audit.Trail
	Logger    *zap.Logger
}

// Status 为控制面板暴露的循环快照。
type Status struct {
	Instrument     string       `json:"instrument"`
	State          State        `json:"state"`
	TicksProcessed uint64       `json:"ticks_processed"`
	TradesExecuted uint64       `json:"trades_executed"`
	LastDecision   *ai.Decision `json:"last_decision,omitempty"`
	LastTickAt     time.Time    `json:"last_tick_at,omitempty"`
}

// Loop 按固定周期驱动单个标的的「行情→决策→风控→执行」流水线。
// 除 Start/Stop/Status 外的所有状态仅由循环 goroutine 自身读写。
type Loop struct {
	opts   Options
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	stopCh       chan struct{}
	doneCh       chan struct{}
	ticks        uint64
	trades       uint64
	lastDecision *ai.Decision
	lastTickAt   time.Time
}

// New 构造一个处于 STOPPED 状态的循环。
func New(opts Options) (*Loop, error) {
	if opts.Instrument == "" {
		return nil, errors.New("instrument 不能为空")
	}
	if opts.Snapshots == nil || opts.Decisions == nil || opts.Orders == nil || opts.Book == nil {
		return nil, errors.New("循环依赖不完整")
	}
	if opts.Scheduler.LoopInterval <= 0 {
		return nil, errors.New("loop_interval 必须大于0")
	}
	if opts.Scheduler.FailureBackoff < 1 {
		opts.Scheduler.FailureBackoff = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		opts:   opts,
		logger: logger.With(zap.String("instrument", opts.Instrument)),
		state:  StateStopped,
	}, nil
}

// Start 启动循环。对运行中的循环重复调用无效果；
// 若上一轮已收到停止信号但 goroutine 尚未退出，等待其退出后再启动。
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	for l.state == StateRunning {
		if l.stopCh != nil {
			// 正常运行中，重复 Start 无效果。
			l.mu.Unlock()
			return
		}
		done := l.doneCh
		l.mu.Unlock()
		<-done
		l.mu.Lock()
	}
	l.state = StateRunning
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx, l.stopCh, l.doneCh)
	l.mu.Unlock()
	l.logger.Info("自主循环已启动",
		zap.Duration("interval", l.opts.Scheduler.LoopInterval))
}

// Stop 请求停止并立即返回，循环在当前周期结束后退出。
// 对已停止的循环调用是无害的空操作。
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning || l.stopCh == nil {
		return
	}
	close(l.stopCh)
	l.stopCh = nil
	l.logger.Info("自主循环停止信号已发出")
}

// Done 返回随循环 goroutine 退出而关闭的通道，循环未启动时返回 nil。
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doneCh
}

// Status 返回当前状态快照。
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Instrument:     l.opts.Instrument,
		State:          l.state,
		TicksProcessed: l.ticks,
		TradesExecuted: l.trades,
		LastDecision:   l.lastDecision,
		LastTickAt:     l.lastTickAt,
	}
}

// History 返回该标的的已平仓记录。
func (l *Loop) History() []ledger.Trade {
	return l.opts.Book.History()
}

func (l *Loop) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.state = StateStopped
		if l.stopCh != nil {
			l.stopCh = nil
		}
		l.mu.Unlock()
		close(doneCh)
		l.logger.Info("自主循环已退出")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		wait := l.opts.Scheduler.LoopInterval
		if hard := l.safeTick(ctx); hard {
			wait = time.Duration(float64(wait) * l.opts.Scheduler.FailureBackoff)
			l.logger.Warn("周期出现硬故障，延长休眠", zap.Duration("wait", wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// safeTick 吞掉单个周期内的 panic，循环本身永不崩溃。
func (l *Loop) safeTick(ctx context.Context) (hard bool) {
	defer func() {
		if r := recover(); r != nil {
			hard = true
			err := fmt.Errorf("tick panic: %v", r)
			l.logger.Error("周期发生panic", zap.Error(err))
			if l.opts.Trail != nil {
				l.opts.Trail.RecordError(ctx, "tick panic", err,
					map[string]interface{}{"instrument": l.opts.Instrument})
			}
		}
	}()
	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) bool {
	instrument := l.opts.Instrument

	snapshot, err := l.opts.Snapshots.GetSnapshot(ctx, instrument)
	if err != nil {
		l.logger.Warn("获取市场快照失败", zap.Error(err))
		if l.opts.Trail != nil {
			l.opts.Trail.RecordError(ctx, "获取市场快照失败", err,
				map[string]interface{}{"instrument": instrument})
		}
		return false
	}

	l.mu.Lock()
	l.ticks++
	l.lastTickAt = time.Now().UTC()
	l.mu.Unlock()

	// 先按最新价结算止损/止盈，再考虑新决策。
	for _, trade := range l.opts.Book.EvaluateExits(map[string]float64{instrument: snapshot.Price}) {
		l.logger.Info("持仓触发离场",
			zap.String("reason", trade.ExitReason),
			zap.Float64("exit_price", trade.ExitPrice),
			zap.Float64("pnl", trade.PnL))
		if l.opts.Trail != nil {
			l.opts.Trail.RecordTradeClosed(ctx, trade)
		}
	}

	decision, err := l.opts.Decisions.ObtainDecision(ctx, snapshot)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrAllProvidersExhausted):
		decision = RuleDecision(snapshot)
		l.logger.Warn("决策后端全部耗尽，启用规则回退",
			zap.Error(err),
			zap.String("action", string(decision.Action)))
	default:
		// 上下文取消等非失效类错误，直接结束本周期。
		l.logger.Warn("获取决策中断", zap.Error(err))
		return false
	}

	l.mu.Lock()
	copied := decision
	l.lastDecision = &copied
	l.mu.Unlock()

	now := time.Now().UTC()
	verdict := risk.Evaluate(decision, instrument, l.opts.Book.Snapshot(), l.opts.Risk, now)

	outcome := OutcomeRejected
	if verdict.Approved {
		// 评估基于快照，多个 worker 可能同时通过；
		// 下单前必须在账本锁内拿到仓位槽。
		if err := l.opts.Book.Reserve(instrument, l.opts.Risk, now); err != nil {
			verdict = reservationVerdict(err)
			l.logger.Info("建仓槽位复验未通过",
				zap.String("reason", verdict.Reason),
				zap.Error(err))
		} else {
			outcome = l.execute(ctx, decision)
		}
	}

	if l.opts.Trail != nil {
		l.opts.Trail.RecordTick(ctx, audit.TickPayload{
			Instrument: instrument,
			Price:      snapshot.Price,
			Trend:      string(snapshot.Trend),
			Decision:   decision,
			Verdict:    verdict,
			Outcome:    outcome,
			IsFallback: decision.Fallback,
		})
	}

	l.logger.Debug("周期完成",
		zap.String("action", string(decision.Action)),
		zap.String("provider", decision.Provider),
		zap.Bool("approved", verdict.Approved),
		zap.String("outcome", outcome))
	return false
}

// reservationVerdict 把账本锁内复验失败映射为对应的风控拒绝。
func reservationVerdict(err error) risk.Verdict {
	reason := risk.ReasonMaxPositions
	switch {
	case errors.Is(err, ledger.ErrPositionAlreadyOpen):
		reason = risk.ReasonPositionExists
	case errors.Is(err, ledger.ErrDailyLossLimitHit):
		reason = risk.ReasonDailyLossLimit
	case errors.Is(err, ledger.ErrCooldownActive):
		reason = risk.ReasonCooldown
	}
	return risk.Verdict{Approved: false, Reason: reason, Note: err.Error()}
}

// execute 走通「余额→仓位规模→市价单→记账」。任一步失败仅记录，
// 不在本周期内重试，避免对同一决策重复下单。
// 调用方已为该标的预占仓位槽：成交记账消耗预占，任何失败路径归还。
func (l *Loop) execute(ctx context.Context, decision ai.Decision) string {
	instrument := l.opts.Instrument

	opened := false
	defer func() {
		if !opened {
			l.opts.Book.Release(instrument)
		}
	}()

	balance, err := l.opts.Orders.FetchFreeBalance(ctx, l.opts.QuoteAsset)
	if err != nil {
		l.recordExecutionFailure(ctx, decision, 0, fmt.Errorf("查询可用余额失败: %w", err))
		return OutcomeExecutionFailed
	}

	quantity := risk.PositionSize(balance, l.opts.Risk.RiskPerTrade, decision.EntryPrice, decision.StopLoss)
	if quantity <= 0 {
		l.recordExecutionFailure(ctx, decision, quantity,
			fmt.Errorf("仓位规模无效: balance=%.2f entry=%.4f stop=%.4f", balance, decision.EntryPrice, decision.StopLoss))
		return OutcomeExecutionFailed
	}

	side := exchange.OrderSideBuy
	if decision.Action == ai.ActionSell {
		side = exchange.OrderSideSell
	}

	ref, err := l.opts.Orders.PlaceMarketOrder(ctx, instrument, side, quantity)
	if err != nil {
		l.recordExecutionFailure(ctx, decision, quantity, fmt.Errorf("市价单失败: %w", err))
		return OutcomeExecutionFailed
	}

	position, err := l.opts.Book.Open(decision, instrument, quantity, ref)
	if err != nil {
		// 订单已成交但记账被拒，属于不应出现的严重状态。
		l.logger.Error("订单成交后记账失败", zap.String("order_id", ref.ID), zap.Error(err))
		l.recordExecutionFailure(ctx, decision, quantity, fmt.Errorf("记账失败(订单 %s 已成交): %w", ref.ID, err))
		return OutcomeExecutionFailed
	}
	opened = true

	l.mu.Lock()
	l.trades++
	l.mu.Unlock()

	l.logger.Info("建仓成功",
		zap.String("side", string(side)),
		zap.Float64("quantity", quantity),
		zap.Float64("entry", position.EntryPrice),
		zap.String("order_id", ref.ID),
		zap.String("provider", decision.Provider))
	if l.opts.Trail != nil {
		l.opts.Trail.RecordExecution(ctx, audit.ExecutionPayload{
			Instrument: instrument,
			Decision:   decision,
			Quantity:   quantity,
			OrderID:    ref.ID,
			Position:   &position,
		})
	}
	return OutcomeExecuted
}

func (l *Loop) recordExecutionFailure(ctx context.Context, decision ai.Decision, quantity float64, err error) {
	l.logger.Warn("执行失败", zap.Error(err))
	if l.opts.Trail != nil {
		l.opts.Trail.RecordExecution(ctx, audit.ExecutionPayload{
			Instrument: l.opts.Instrument,
			Decision:   decision,
			Quantity:   quantity,
			Error:      err.Error(),
		})
	}
}
