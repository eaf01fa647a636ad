package audit

import (
	"encoding/json"
	"time"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/ledger"
	"scalping-ai/internal/risk"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventTick        EventType = "tick"
	EventExecution   EventType = "execution"
	EventTradeClosed EventType = "trade_closed"
	EventError       EventType = "error"
)

// Event 封装一条审计记录。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TickPayload 记录一次循环周期的决策与结果。
type TickPayload struct {
	Instrument string       `json:"instrument"`
	Price      float64      `json:"price"`
	Trend      string       `json:"trend"`
	Decision   ai.Decision  `json:"decision"`
	Verdict    risk.Verdict `json:"verdict"`
	Outcome    string       `json:"outcome"`
	IsFallback bool         `json:"is_fallback"`
}

// ExecutionPayload 记录建仓执行结果。
type ExecutionPayload struct {
	Instrument string           `json:"instrument"`
	Decision   ai.Decision      `json:"decision"`
	Quantity   float64          `json:"quantity"`
	OrderID    string           `json:"order_id,omitempty"`
	Position   *ledger.Position `json:"position,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// TradeClosedPayload 记录平仓成交。
type TradeClosedPayload struct {
	Trade ledger.Trade `json:"trade"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// StoredEvent 为查询接口返回的已落盘事件。
type StoredEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
