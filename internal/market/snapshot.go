package market

import (
	"context"
	"time"
)

// Trend 表示趋势分类。
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// 指标键名，Snapshot.Indicators 至少包含以下各项。
const (
	IndicatorRSI         = "rsi"
	IndicatorEMAFast     = "ema_fast"
	IndicatorEMASlow     = "ema_slow"
	IndicatorATR         = "atr"
	IndicatorVolume      = "volume"
	IndicatorAvgVolume   = "avg_volume"
	IndicatorVolumeRatio = "volume_ratio"
)

// Snapshot 为单次行情采样的不可变快照。每个循环周期生成一次，生成后不再修改。
type Snapshot struct {
	Instrument string             `json:"instrument"`
	Price      float64            `json:"price"`
	Indicators map[string]float64 `json:"indicators"`
	Trend      Trend              `json:"trend"`
	CapturedAt time.Time          `json:"captured_at"`
}

// Indicator 返回指标值，缺失时返回给定默认值。
func (s Snapshot) Indicator(name string, fallback float64) float64 {
	if v, ok := s.Indicators[name]; ok {
		return v
	}
	return fallback
}

// SnapshotProvider 是行情采集方的能力抽象。
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, instrument string) (Snapshot, error)
}
