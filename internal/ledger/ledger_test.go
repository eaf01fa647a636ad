package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/config"
	"scalping-ai/internal/exchange"
)

func buyDecision(entry, stop, take float64) ai.Decision {
	return ai.Decision{
		Action:     ai.ActionBuy,
		Confidence: 0.8,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: take,
		Reasoning:  "test",
	}
}

func sellDecision(entry, stop, take float64) ai.Decision {
	d := buyDecision(entry, stop, take)
	d.Action = ai.ActionSell
	return d
}

func TestOpen_OnePositionPerInstrument(t *testing.T) {
	book := New(5, nil)

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{ID: "o1"}); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	_, err := book.Open(buyDecision(101, 96, 111), "BTC/USDT", 1, exchange.OrderRef{ID: "o2"})
	if !errors.Is(err, ErrPositionAlreadyOpen) {
		t.Fatalf("expected ErrPositionAlreadyOpen, got %v", err)
	}

	view := book.Snapshot()
	if view.OpenCount != 1 {
		t.Errorf("expected 1 open position, got %d", view.OpenCount)
	}
	if !view.HasOpen("BTC/USDT") || view.HasOpen("ETH/USDT") {
		t.Errorf("HasOpen misreports: %+v", view)
	}
}

func TestOpen_MaxPositions(t *testing.T) {
	book := New(2, nil)

	for _, instrument := range []string{"BTC/USDT", "ETH/USDT"} {
		if _, err := book.Open(buyDecision(100, 95, 110), instrument, 1, exchange.OrderRef{}); err != nil {
			t.Fatalf("open %s failed: %v", instrument, err)
		}
	}

	_, err := book.Open(buyDecision(100, 95, 110), "SOL/USDT", 1, exchange.OrderRef{})
	if !errors.Is(err, ErrMaxPositionsReached) {
		t.Fatalf("expected ErrMaxPositionsReached, got %v", err)
	}

	// 平掉一个之后即可再开。
	if _, ok := book.Close("BTC/USDT", 110, ExitReasonManual); !ok {
		t.Fatalf("close failed")
	}
	if _, err := book.Open(buyDecision(100, 95, 110), "SOL/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open after close failed: %v", err)
	}
}

func TestReserve_CapIncludesReservations(t *testing.T) {
	book := New(2, nil)
	cfg := config.RiskConfig{DailyLossLimit: 1000}
	now := time.Now().UTC()

	if err := book.Reserve("BTC/USDT", cfg, now); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := book.Reserve("ETH/USDT", cfg, now); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}

	// 两个预占已占满容量，第三个标的拿不到槽位。
	if err := book.Reserve("SOL/USDT", cfg, now); !errors.Is(err, ErrMaxPositionsReached) {
		t.Fatalf("expected ErrMaxPositionsReached, got %v", err)
	}
	// 同一标的重复预占同样被拒。
	if err := book.Reserve("BTC/USDT", cfg, now); !errors.Is(err, ErrPositionAlreadyOpen) {
		t.Fatalf("expected ErrPositionAlreadyOpen for duplicate reserve, got %v", err)
	}

	// 归还后容量恢复，重复归还无害。
	book.Release("ETH/USDT")
	book.Release("ETH/USDT")
	if err := book.Reserve("SOL/USDT", cfg, now); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestReserve_ConsumedByOpen(t *testing.T) {
	book := New(1, nil)
	cfg := config.RiskConfig{DailyLossLimit: 1000}
	now := time.Now().UTC()

	if err := book.Reserve("BTC/USDT", cfg, now); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// 持有预占的一方建仓不会被容量检查挡住。
	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{ID: "o1"}); err != nil {
		t.Fatalf("open with reservation failed: %v", err)
	}

	if book.Snapshot().OpenCount != 1 {
		t.Fatalf("expected 1 open position, got %d", book.Snapshot().OpenCount)
	}
	// 预占已被消耗：持仓占满容量，新标的拿不到槽位。
	if err := book.Reserve("ETH/USDT", cfg, now); !errors.Is(err, ErrMaxPositionsReached) {
		t.Fatalf("expected ErrMaxPositionsReached, got %v", err)
	}

	book.Close("BTC/USDT", 110, ExitReasonManual)
	if err := book.Reserve("ETH/USDT", cfg, now.Add(time.Hour)); err != nil {
		t.Fatalf("reserve after close failed: %v", err)
	}
}

func TestReserve_DailyLossLimit(t *testing.T) {
	book := New(5, nil)
	cfg := config.RiskConfig{DailyLossLimit: 10}

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 2, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	book.Close("BTC/USDT", 95, ExitReasonStopLoss) // -10

	err := book.Reserve("ETH/USDT", cfg, time.Now().UTC())
	if !errors.Is(err, ErrDailyLossLimitHit) {
		t.Fatalf("expected ErrDailyLossLimitHit, got %v", err)
	}
}

func TestReserve_CooldownCoversPendingReservations(t *testing.T) {
	book := New(5, nil)
	cfg := config.RiskConfig{DailyLossLimit: 1000, MinTradeInterval: 5 * time.Minute}
	t0 := time.Now().UTC()

	if err := book.Reserve("BTC/USDT", cfg, t0); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// 冷却期内，进行中的预占同样生效。
	if err := book.Reserve("ETH/USDT", cfg, t0.Add(time.Minute)); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	// 预占归还即视为未成交，冷却随之解除。
	book.Release("BTC/USDT")
	if err := book.Reserve("ETH/USDT", cfg, t0.Add(time.Minute)); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestEvaluateExits_LongStopLoss(t *testing.T) {
	book := New(5, nil)
	if _, err := book.Open(buyDecision(105, 100, 120), "BTC/USDT", 2, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// 高于止损不触发。
	if closed := book.EvaluateExits(map[string]float64{"BTC/USDT": 101}); len(closed) != 0 {
		t.Fatalf("price above stop must not close, got %d trades", len(closed))
	}

	closed := book.EvaluateExits(map[string]float64{"BTC/USDT": 99})
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed trade, got %d", len(closed))
	}
	trade := closed[0]
	if trade.ExitReason != ExitReasonStopLoss {
		t.Errorf("expected stop_loss exit, got %s", trade.ExitReason)
	}
	wantPnL := (99.0 - 105.0) * 2
	if math.Abs(trade.PnL-wantPnL) > 1e-9 {
		t.Errorf("pnl: got %f want %f", trade.PnL, wantPnL)
	}
	wantPct := wantPnL / (105.0 * 2) * 100
	if math.Abs(trade.PnLPercentage-wantPct) > 1e-9 {
		t.Errorf("pnl percentage: got %f want %f", trade.PnLPercentage, wantPct)
	}
	if book.Snapshot().OpenCount != 0 {
		t.Errorf("position must be removed after exit")
	}
}

func TestEvaluateExits_LongTakeProfit(t *testing.T) {
	book := New(5, nil)
	if _, err := book.Open(buyDecision(105, 100, 120), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	closed := book.EvaluateExits(map[string]float64{"BTC/USDT": 121})
	if len(closed) != 1 || closed[0].ExitReason != ExitReasonTakeProfit {
		t.Fatalf("expected take_profit exit, got %+v", closed)
	}
	if closed[0].PnL <= 0 {
		t.Errorf("long take profit must be positive, got %f", closed[0].PnL)
	}
}

func TestEvaluateExits_ShortDirectionInverted(t *testing.T) {
	book := New(5, nil)
	if _, err := book.Open(sellDecision(105, 110, 95), "ETH/USDT", 3, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// 空头浮亏方向：价格涨破止损。
	closed := book.EvaluateExits(map[string]float64{"ETH/USDT": 111})
	if len(closed) != 1 || closed[0].ExitReason != ExitReasonStopLoss {
		t.Fatalf("expected short stop_loss exit, got %+v", closed)
	}
	wantPnL := (105.0 - 111.0) * 3
	if math.Abs(closed[0].PnL-wantPnL) > 1e-9 {
		t.Errorf("short pnl: got %f want %f", closed[0].PnL, wantPnL)
	}

	if _, err := book.Open(sellDecision(105, 110, 95), "ETH/USDT", 3, exchange.OrderRef{}); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	closed = book.EvaluateExits(map[string]float64{"ETH/USDT": 94})
	if len(closed) != 1 || closed[0].ExitReason != ExitReasonTakeProfit {
		t.Fatalf("expected short take_profit exit, got %+v", closed)
	}
	if closed[0].PnL <= 0 {
		t.Errorf("short take profit must be positive, got %f", closed[0].PnL)
	}
}

func TestEvaluateExits_MissingPriceSkipped(t *testing.T) {
	book := New(5, nil)
	if _, err := book.Open(buyDecision(105, 100, 120), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if closed := book.EvaluateExits(map[string]float64{"ETH/USDT": 1}); len(closed) != 0 {
		t.Errorf("instrument without price must be skipped, got %d trades", len(closed))
	}
	if closed := book.EvaluateExits(map[string]float64{"BTC/USDT": 0}); len(closed) != 0 {
		t.Errorf("non-positive price must be skipped, got %d trades", len(closed))
	}
}

func TestClose_Idempotent(t *testing.T) {
	book := New(5, nil)
	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if _, ok := book.Close("BTC/USDT", 108, ExitReasonManual); !ok {
		t.Fatalf("first close must succeed")
	}
	if _, ok := book.Close("BTC/USDT", 108, ExitReasonManual); ok {
		t.Fatalf("second close must be a no-op")
	}
	if _, ok := book.Close("ETH/USDT", 1, ExitReasonManual); ok {
		t.Fatalf("closing unknown instrument must be a no-op")
	}
	if got := len(book.History()); got != 1 {
		t.Errorf("expected single trade in history, got %d", got)
	}
}

func TestSnapshot_RealizedLossToday(t *testing.T) {
	book := New(5, nil)

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 2, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	book.Close("BTC/USDT", 97, ExitReasonStopLoss) // -6

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	book.Close("BTC/USDT", 112, ExitReasonTakeProfit) // +12，不计入亏损

	view := book.Snapshot()
	if math.Abs(view.RealizedLossToday-6) > 1e-9 {
		t.Errorf("realized loss today: got %f want 6", view.RealizedLossToday)
	}
	if view.LastTradeAt.IsZero() {
		t.Errorf("LastTradeAt must be set after opening")
	}
}

func TestStats(t *testing.T) {
	book := New(5, nil)

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	book.Close("BTC/USDT", 110, ExitReasonTakeProfit)

	if _, err := book.Open(buyDecision(100, 95, 110), "BTC/USDT", 1, exchange.OrderRef{}); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	book.Close("BTC/USDT", 95, ExitReasonStopLoss)

	stats := book.Stats()
	if stats.TotalTrades != 2 || stats.WinningTrades != 1 || stats.LosingTrades != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.WinRate != 50 {
		t.Errorf("win rate: got %f want 50", stats.WinRate)
	}
	if math.Abs(stats.TotalPnL-5) > 1e-9 {
		t.Errorf("total pnl: got %f want 5", stats.TotalPnL)
	}
}
