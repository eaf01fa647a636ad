package ai

import (
	"bytes"
	"fmt"
	"text/template"

	"scalping-ai/internal/market"
)

const decisionTemplate = `Analyze this cryptocurrency market data and provide a trading decision.

MARKET DATA:
- Instrument: {{ .Instrument }}
- Price: {{ printf "%.2f" .Price }}
- RSI(14): {{ printf "%.2f" .RSI }}
- EMA(9): {{ printf "%.2f" .EMAFast }}
- EMA(21): {{ printf "%.2f" .EMASlow }}
- ATR(14): {{ printf "%.2f" .ATR }}
- Volume Ratio: {{ printf "%.2f" .VolumeRatio }}x
- Trend: {{ .Trend }}

DECISION RULES:
- BUY: EMA9 > EMA21, RSI < 70, volume up
- SELL: EMA9 < EMA21, RSI > 30, volume up
- HOLD: No clear setup

Respond ONLY with valid JSON (no markdown):
{
    "action": "BUY" or "SELL" or "HOLD",
    "confidence": 0.0 to 1.0,
    "entry_price": number,
    "stop_loss": number,
    "take_profit": number,
    "reasoning": "Brief explanation"
}
`

var promptTmpl = template.Must(template.New("decision").Parse(decisionTemplate))

type promptContext struct {
	Instrument  string
	Price       float64
	RSI         float64
	EMAFast     float64
	EMASlow     float64
	ATR         float64
	VolumeRatio float64
	Trend       market.Trend
}

// BuildPrompt 将行情快照渲染成提示词字符串。所有后端共用同一份输入输出契约。
func BuildPrompt(snapshot market.Snapshot) (string, error) {
	ctx := promptContext{
		Instrument:  snapshot.Instrument,
		Price:       snapshot.Price,
		RSI:         snapshot.Indicator(market.IndicatorRSI, 50),
		EMAFast:     snapshot.Indicator(market.IndicatorEMAFast, 0),
		EMASlow:     snapshot.Indicator(market.IndicatorEMASlow, 0),
		ATR:         snapshot.Indicator(market.IndicatorATR, 0),
		VolumeRatio: snapshot.Indicator(market.IndicatorVolumeRatio, 1),
		Trend:       snapshot.Trend,
	}

	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
