package market

import (
	"math"
	"testing"

	"scalping-ai/internal/exchange"
)

func syntheticCandles(n int, start, step float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := start
	for i := range candles {
		candles[i] = exchange.Candle{
			Open:   price,
			High:   price * 1.002,
			Low:    price * 0.998,
			Close:  price,
			Volume: 100 + float64(i),
		}
		price += step
	}
	return candles
}

func TestComputeIndicators_RisingSeries(t *testing.T) {
	candles := syntheticCandles(100, 50000, 10)
	indicators := computeIndicators(candles)

	for _, key := range []string{
		IndicatorRSI, IndicatorEMAFast, IndicatorEMASlow,
		IndicatorATR, IndicatorVolume, IndicatorAvgVolume, IndicatorVolumeRatio,
	} {
		if _, ok := indicators[key]; !ok {
			t.Errorf("indicator %s missing", key)
		}
	}

	// 单调上涨序列：RSI 接近超买，快线高于慢线。
	if indicators[IndicatorRSI] < 70 {
		t.Errorf("rising series RSI should be high, got %f", indicators[IndicatorRSI])
	}
	if indicators[IndicatorEMAFast] <= indicators[IndicatorEMASlow] {
		t.Errorf("fast EMA must lead slow EMA on rising series: fast=%f slow=%f",
			indicators[IndicatorEMAFast], indicators[IndicatorEMASlow])
	}
	if indicators[IndicatorATR] <= 0 {
		t.Errorf("ATR must be positive, got %f", indicators[IndicatorATR])
	}

	if got := indicators[IndicatorVolume]; got != 199 {
		t.Errorf("latest volume: got %f want 199", got)
	}
	// 最近20根的平均量：100+80 .. 100+99 的均值。
	wantAvg := 0.0
	for i := 80; i < 100; i++ {
		wantAvg += 100 + float64(i)
	}
	wantAvg /= 20
	if math.Abs(indicators[IndicatorAvgVolume]-wantAvg) > 1e-9 {
		t.Errorf("avg volume: got %f want %f", indicators[IndicatorAvgVolume], wantAvg)
	}
	if math.Abs(indicators[IndicatorVolumeRatio]-199/wantAvg) > 1e-9 {
		t.Errorf("volume ratio: got %f", indicators[IndicatorVolumeRatio])
	}
}

func TestComputeIndicators_FallingSeries(t *testing.T) {
	indicators := computeIndicators(syntheticCandles(100, 60000, -15))
	if indicators[IndicatorRSI] > 30 {
		t.Errorf("falling series RSI should be low, got %f", indicators[IndicatorRSI])
	}
	if indicators[IndicatorEMAFast] >= indicators[IndicatorEMASlow] {
		t.Errorf("fast EMA must trail slow EMA on falling series")
	}
}

func TestClassifyTrend(t *testing.T) {
	if got := classifyTrend(101, 100); got != TrendBullish {
		t.Errorf("expected BULLISH, got %s", got)
	}
	if got := classifyTrend(99, 100); got != TrendBearish {
		t.Errorf("expected BEARISH, got %s", got)
	}
	if got := classifyTrend(100, 100); got != TrendNeutral {
		t.Errorf("expected NEUTRAL, got %s", got)
	}
}

func TestSnapshotIndicatorFallback(t *testing.T) {
	s := Snapshot{Indicators: map[string]float64{IndicatorRSI: 42}}
	if got := s.Indicator(IndicatorRSI, 50); got != 42 {
		t.Errorf("expected stored value, got %f", got)
	}
	if got := s.Indicator(IndicatorATR, 7); got != 7 {
		t.Errorf("expected fallback value, got %f", got)
	}
}

func TestAverageTail(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	if got := averageTail(values, 2); got != 3.5 {
		t.Errorf("tail average: got %f want 3.5", got)
	}
	if got := averageTail(values, 10); got != 2.5 {
		t.Errorf("window larger than series must shrink: got %f want 2.5", got)
	}
	if got := averageTail(nil, 5); got != 0 {
		t.Errorf("empty series: got %f want 0", got)
	}
}
