package market

import (
	"context"
	"fmt"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scalping-ai/internal/exchange"
)

const (
	candleTimeframe = "1m"
	candleLimit     = 100

	rsiPeriod     = 14
	emaFastPeriod = 9
	emaSlowPeriod = 21
	atrPeriod     = 14

	volumeWindow = 20

	// 指标窗口之外还需要若干根K线，talib 前段输出为未收敛的空值。
	minCandles = emaSlowPeriod + atrPeriod
)

// Service 拉取K线与最新价并计算技术指标，产出行情快照。
type Service struct {
	client *exchange.Client
	logger *zap.Logger
}

// NewService 创建行情快照服务。
func NewService(client *exchange.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client: client,
		logger: logger,
	}
}

var _ SnapshotProvider = (*Service)(nil)

// GetSnapshot 并行获取K线与最新价，计算 RSI/EMA/ATR 及量能指标并分类趋势。
func (s *Service) GetSnapshot(ctx context.Context, instrument string) (Snapshot, error) {
	var (
		candles []exchange.Candle
		price   float64
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		data, err := s.client.FetchCandles(groupCtx, instrument, candleTimeframe, candleLimit)
		if err != nil {
			return err
		}
		candles = data
		return nil
	})

	group.Go(func() error {
		p, err := s.client.FetchPrice(groupCtx, instrument)
		if err != nil {
			return err
		}
		price = p
		return nil
	})

	if err := group.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("获取行情快照失败 (%s): %w", instrument, err)
	}

	if len(candles) < minCandles {
		return Snapshot{}, fmt.Errorf("K线数量不足以计算指标: %d < %d", len(candles), minCandles)
	}

	indicators := computeIndicators(candles)
	trend := classifyTrend(indicators[IndicatorEMAFast], indicators[IndicatorEMASlow])

	snapshot := Snapshot{
		Instrument: instrument,
		Price:      price,
		Indicators: indicators,
		Trend:      trend,
		CapturedAt: time.Now().UTC(),
	}

	s.logger.Debug("行情快照生成完成",
		zap.String("instrument", instrument),
		zap.Float64("price", price),
		zap.Float64("rsi", indicators[IndicatorRSI]),
		zap.String("trend", string(trend)),
	)

	return snapshot, nil
}

func computeIndicators(candles []exchange.Candle) map[string]float64 {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	rsi := talib.Rsi(closes, rsiPeriod)
	emaFast := talib.Ema(closes, emaFastPeriod)
	emaSlow := talib.Ema(closes, emaSlowPeriod)
	atr := talib.Atr(highs, lows, closes, atrPeriod)

	currentVolume := volumes[len(volumes)-1]
	avgVolume := averageTail(volumes, volumeWindow)
	volumeRatio := 1.0
	if avgVolume > 0 {
		volumeRatio = currentVolume / avgVolume
	}

	return map[string]float64{
		IndicatorRSI:         last(rsi),
		IndicatorEMAFast:     last(emaFast),
		IndicatorEMASlow:     last(emaSlow),
		IndicatorATR:         last(atr),
		IndicatorVolume:      currentVolume,
		IndicatorAvgVolume:   avgVolume,
		IndicatorVolumeRatio: volumeRatio,
	}
}

func classifyTrend(emaFast, emaSlow float64) Trend {
	switch {
	case emaFast > emaSlow:
		return TrendBullish
	case emaFast < emaSlow:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func averageTail(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if window > len(values) {
		window = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}
