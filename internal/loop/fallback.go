package loop

import (
	"fmt"
	"time"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/market"
)

// FallbackProviderName 标记规则回退决策的来源。
const FallbackProviderName = "rule-fallback"

const (
	fallbackRSIUpper = 70.0
	fallbackRSILower = 30.0

	fallbackBuyConfidence  = 0.65
	fallbackSellConfidence = 0.60
)

// RuleDecision 在所有决策后端耗尽时给出确定性的规则决策：
// 快慢 EMA 交叉叠加 RSI 区间过滤，止损一倍 ATR、止盈两倍 ATR。
func RuleDecision(snapshot market.Snapshot) ai.Decision {
	price := snapshot.Price
	emaFast := snapshot.Indicator(market.IndicatorEMAFast, 0)
	emaSlow := snapshot.Indicator(market.IndicatorEMASlow, 0)
	rsi := snapshot.Indicator(market.IndicatorRSI, 50)
	atr := snapshot.Indicator(market.IndicatorATR, 0)

	decision := ai.Decision{
		Action:      ai.ActionHold,
		Confidence:  0,
		Reasoning:   "规则回退: 无明确信号",
		Provider:    FallbackProviderName,
		Fallback:    true,
		GeneratedAt: time.Now().UTC(),
	}

	if price <= 0 || atr <= 0 || emaFast <= 0 || emaSlow <= 0 {
		decision.Reasoning = "规则回退: 指标不完整，保持观望"
		return decision
	}

	switch {
	case emaFast > emaSlow && price > emaSlow && rsi < fallbackRSIUpper:
		decision.Action = ai.ActionBuy
		decision.Confidence = fallbackBuyConfidence
		decision.EntryPrice = price
		decision.StopLoss = price - atr
		decision.TakeProfit = price + 2*atr
		decision.Reasoning = fmt.Sprintf("规则回退: EMA金叉且RSI=%.1f 未超买", rsi)
	case emaFast < emaSlow && price < emaSlow && rsi > fallbackRSILower:
		decision.Action = ai.ActionSell
		decision.Confidence = fallbackSellConfidence
		decision.EntryPrice = price
		decision.StopLoss = price + atr
		decision.TakeProfit = price - 2*atr
		decision.Reasoning = fmt.Sprintf("规则回退: EMA死叉且RSI=%.1f 未超卖", rsi)
	}

	return decision
}
