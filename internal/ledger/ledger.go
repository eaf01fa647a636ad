package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/config"
	"scalping-ai/internal/exchange"
)

var (
	// ErrPositionAlreadyOpen 表示该标的已有未平仓头寸或已被预占。
	ErrPositionAlreadyOpen = errors.New("position already open")
	// ErrMaxPositionsReached 表示全局持仓数量（含预占）已达上限。
	ErrMaxPositionsReached = errors.New("max positions reached")
	// ErrDailyLossLimitHit 表示当日已实现亏损达到限额。
	ErrDailyLossLimitHit = errors.New("daily loss limit hit")
	// ErrCooldownActive 表示距上次交易（或进行中的预占）不足冷却间隔。
	ErrCooldownActive = errors.New("cooldown active")
)

// 平仓原因。
const (
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
	ExitReasonManual     = "manual"
)

// Position 表示一笔未平仓头寸。仅由所属标的的轮询工作协程修改。
type Position struct {
	Instrument string    `json:"instrument"`
	Side       ai.Action `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Quantity   float64   `json:"quantity"`
	EntryTime  time.Time `json:"entry_time"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	OrderID    string    `json:"order_id"`
}

// Trade 为平仓后的永久记录，追加后不可变。
type Trade struct {
	Position
	ExitPrice     float64   `json:"exit_price"`
	ExitTime      time.Time `json:"exit_time"`
	ExitReason    string    `json:"exit_reason"`
	PnL           float64   `json:"pnl"`
	PnLPercentage float64   `json:"pnl_percentage"`
}

// View 为账本状态的只读快照，供风控评估与状态接口使用。
type View struct {
	OpenPositions     []Position
	OpenCount         int
	RealizedLossToday float64
	LastTradeAt       time.Time
}

// HasOpen 判断指定标的是否已有未平仓头寸。
func (v View) HasOpen(instrument string) bool {
	for _, p := range v.OpenPositions {
		if p.Instrument == instrument {
			return true
		}
	}
	return false
}

// Stats 为历史交易统计。
type Stats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
}

// Ledger 是全部 worker 共享的持仓与成交历史权威记录。
// 全局约束（持仓上限、当日亏损、冷却）以此处锁内的判断为准，
// 快照只用于风控的前置评估与状态接口。
type Ledger struct {
	mu           sync.Mutex
	maxPositions int
	open         map[string]*Position
	reserved     map[string]time.Time
	history      []Trade
	lastTradeAt  time.Time
	logger       *zap.Logger
}

// New 创建账本。maxPositions 为全局未平仓数量上限。
func New(maxPositions int, logger *zap.Logger) *Ledger {
	if maxPositions <= 0 {
		maxPositions = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		maxPositions: maxPositions,
		open:         make(map[string]*Position),
		reserved:     make(map[string]time.Time),
		logger:       logger,
	}
}

// Reserve 在账本锁内原子复验依赖账本状态的风控约束，并为该标的预占一个仓位槽。
// 风控评估基于快照，两个 worker 可能同时看到剩余一个槽位；只有先预占成功的
// 一方允许下单。委托失败时调用 Release 归还，成交后由 Open 消耗预占。
func (l *Ledger) Reserve(instrument string, cfg config.RiskConfig, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[instrument]; exists {
		return fmt.Errorf("%w: %s", ErrPositionAlreadyOpen, instrument)
	}
	if _, held := l.reserved[instrument]; held {
		return fmt.Errorf("%w: %s", ErrPositionAlreadyOpen, instrument)
	}
	if len(l.open)+len(l.reserved) >= l.maxPositions {
		return fmt.Errorf("%w: %d", ErrMaxPositionsReached, l.maxPositions)
	}
	if l.realizedLossTodayLocked(now) >= cfg.DailyLossLimit {
		return fmt.Errorf("%w: %.2f", ErrDailyLossLimitHit, cfg.DailyLossLimit)
	}
	if cfg.MinTradeInterval > 0 {
		last := l.lastTradeAt
		for _, ts := range l.reserved {
			if ts.After(last) {
				last = ts
			}
		}
		if !last.IsZero() {
			if elapsed := now.Sub(last); elapsed < cfg.MinTradeInterval {
				return fmt.Errorf("%w: 距上次仅 %s", ErrCooldownActive, elapsed.Round(time.Second))
			}
		}
	}

	l.reserved[instrument] = now
	return nil
}

// Release 归还未成交的仓位预占。重复调用是无害的空操作。
func (l *Ledger) Release(instrument string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, instrument)
}

// Open 依据已批准的决策建仓。头寸只在委托确认成功之后创建，
// 建仓消耗该标的在下单前持有的预占。
func (l *Ledger) Open(decision ai.Decision, instrument string, quantity float64, ref exchange.OrderRef) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[instrument]; exists {
		return Position{}, fmt.Errorf("%w: %s", ErrPositionAlreadyOpen, instrument)
	}
	if _, held := l.reserved[instrument]; held {
		delete(l.reserved, instrument)
	} else if len(l.open)+len(l.reserved) >= l.maxPositions {
		return Position{}, fmt.Errorf("%w: %d", ErrMaxPositionsReached, l.maxPositions)
	}

	position := Position{
		Instrument: instrument,
		Side:       decision.Action,
		EntryPrice: decision.EntryPrice,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
		Quantity:   quantity,
		EntryTime:  time.Now().UTC(),
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
		OrderID:    ref.ID,
	}

	l.open[instrument] = &position
	l.lastTradeAt = position.EntryTime

	l.logger.Info("头寸已建立",
		zap.String("instrument", instrument),
		zap.String("side", string(position.Side)),
		zap.Float64("entry", position.EntryPrice),
		zap.Float64("stop_loss", position.StopLoss),
		zap.Float64("take_profit", position.TakeProfit),
		zap.Float64("quantity", quantity),
	)

	return position, nil
}

// EvaluateExits 对所有未平仓头寸做方向相关的止损/止盈判断，
// 平掉触发的头寸并返回生成的成交记录。
func (l *Ledger) EvaluateExits(prices map[string]float64) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closed []Trade

	for instrument, position := range l.open {
		price, ok := prices[instrument]
		if !ok || price <= 0 {
			continue
		}

		reason := exitReason(position, price)
		if reason == "" {
			continue
		}

		closed = append(closed, l.closeLocked(instrument, price, reason))
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Instrument < closed[j].Instrument
	})

	return closed
}

// Close 按指定价格平仓。头寸不存在时为幂等空操作。
func (l *Ledger) Close(instrument string, exitPrice float64, reason string) (Trade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[instrument]; !exists {
		return Trade{}, false
	}

	return l.closeLocked(instrument, exitPrice, reason), true
}

func (l *Ledger) closeLocked(instrument string, exitPrice float64, reason string) Trade {
	position := l.open[instrument]

	var pnl float64
	if position.Side == ai.ActionBuy {
		pnl = (exitPrice - position.EntryPrice) * position.Quantity
	} else {
		pnl = (position.EntryPrice - exitPrice) * position.Quantity
	}

	pnlPercentage := 0.0
	if notional := position.EntryPrice * position.Quantity; notional != 0 {
		pnlPercentage = pnl / notional * 100
	}

	trade := Trade{
		Position:      *position,
		ExitPrice:     exitPrice,
		ExitTime:      time.Now().UTC(),
		ExitReason:    reason,
		PnL:           pnl,
		PnLPercentage: pnlPercentage,
	}

	l.history = append(l.history, trade)
	delete(l.open, instrument)

	l.logger.Info("头寸已平仓",
		zap.String("instrument", instrument),
		zap.String("reason", reason),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_percentage", pnlPercentage),
	)

	return trade
}

func exitReason(position *Position, price float64) string {
	if position.Side == ai.ActionBuy {
		if price <= position.StopLoss {
			return ExitReasonStopLoss
		}
		if price >= position.TakeProfit {
			return ExitReasonTakeProfit
		}
		return ""
	}

	if price >= position.StopLoss {
		return ExitReasonStopLoss
	}
	if price <= position.TakeProfit {
		return ExitReasonTakeProfit
	}
	return ""
}

// Snapshot 返回账本的只读快照。风控的全部检查都可由该快照重新推导。
func (l *Ledger) Snapshot() View {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make([]Position, 0, len(l.open))
	for _, p := range l.open {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Instrument < positions[j].Instrument
	})

	return View{
		OpenPositions:     positions,
		OpenCount:         len(positions),
		RealizedLossToday: l.realizedLossTodayLocked(time.Now().UTC()),
		LastTradeAt:       l.lastTradeAt,
	}
}

// realizedLossTodayLocked 汇总 UTC 当日已实现亏损。调用方必须持有 l.mu。
func (l *Ledger) realizedLossTodayLocked(now time.Time) float64 {
	today := now.UTC().Truncate(24 * time.Hour)
	loss := 0.0
	for _, t := range l.history {
		if t.PnL < 0 && !t.ExitTime.Before(today) {
			loss += -t.PnL
		}
	}
	return loss
}

// History 返回全部成交记录的副本。
func (l *Ledger) History() []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Trade, len(l.history))
	copy(out, l.history)
	return out
}

// Stats 计算胜率与累计盈亏。
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{TotalTrades: len(l.history)}
	for _, t := range l.history {
		if t.PnL > 0 {
			stats.WinningTrades++
		} else {
			stats.LosingTrades++
		}
		stats.TotalPnL += t.PnL
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
	}
	return stats
}
