package risk

import (
	"fmt"
	"math"
	"time"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/config"
	"scalping-ai/internal/ledger"
)

// 拒绝原因，原样写入审计记录。
const (
	ReasonNoOp           = "no-op"
	ReasonLowConfidence  = "low-confidence"
	ReasonPositionExists = "position-exists"
	ReasonMaxPositions   = "max-positions"
	ReasonInvalidStop    = "invalid-stop"
	ReasonDailyLossLimit = "daily-loss-limit"
	ReasonCooldown       = "cooldown"
)

// Verdict 为风控评估结果。
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Note     string `json:"note,omitempty"`
}

func rejected(reason, note string) Verdict {
	return Verdict{Approved: false, Reason: reason, Note: note}
}

// Evaluate 按固定顺序做短路检查，决定一条决策是否允许执行。
// 本身不持有任何状态：全部判断可由账本快照在调用时刻重新推导。
func Evaluate(decision ai.Decision, instrument string, view ledger.View, cfg config.RiskConfig, now time.Time) Verdict {
	if decision.Action == ai.ActionHold {
		return rejected(ReasonNoOp, "HOLD 决策只记录，不执行")
	}

	if decision.Confidence < cfg.MinConfidence {
		return rejected(ReasonLowConfidence,
			fmt.Sprintf("信心度 %.2f 低于下限 %.2f", decision.Confidence, cfg.MinConfidence))
	}

	if view.HasOpen(instrument) {
		return rejected(ReasonPositionExists,
			fmt.Sprintf("%s 已有未平仓头寸", instrument))
	}

	if view.OpenCount >= cfg.MaxPositions {
		return rejected(ReasonMaxPositions,
			fmt.Sprintf("未平仓数量 %d 已达上限 %d", view.OpenCount, cfg.MaxPositions))
	}

	if math.Abs(decision.EntryPrice-decision.StopLoss) == 0 {
		return rejected(ReasonInvalidStop, "止损距离为零，无法控制风险")
	}

	if view.RealizedLossToday >= cfg.DailyLossLimit {
		return rejected(ReasonDailyLossLimit,
			fmt.Sprintf("当日已实现亏损 %.2f 达到限额 %.2f", view.RealizedLossToday, cfg.DailyLossLimit))
	}

	if cfg.MinTradeInterval > 0 && !view.LastTradeAt.IsZero() {
		if elapsed := now.Sub(view.LastTradeAt); elapsed < cfg.MinTradeInterval {
			return rejected(ReasonCooldown,
				fmt.Sprintf("距上笔交易仅 %s，冷却期 %s", elapsed.Round(time.Second), cfg.MinTradeInterval))
		}
	}

	return Verdict{Approved: true}
}

// PositionSize 按风险预算计算下单数量：
// quantity = balance × riskFraction / |entry − stop|。止损距离为零时返回0。
func PositionSize(balance, riskFraction, entryPrice, stopLoss float64) float64 {
	distance := math.Abs(entryPrice - stopLoss)
	if distance == 0 || balance <= 0 || riskFraction <= 0 {
		return 0
	}
	return balance * riskFraction / distance
}
