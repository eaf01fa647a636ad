package exchange

import "time"

// Candle 表示单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRef 标识一笔已提交的交易所委托。
type OrderRef struct {
	ID         string
	Instrument string
	Side       OrderSide
	Amount     float64
	PlacedAt   time.Time
}
