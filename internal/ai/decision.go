package ai

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// 决策后端的失败分类。路由器依赖该分类决定故障转移行为。
var (
	// ErrUnavailable 表示后端不可达（网络、鉴权、超时）。
	ErrUnavailable = errors.New("provider unavailable")
	// ErrMalformedOutput 表示返回内容无法解析为结构化决策。
	ErrMalformedOutput = errors.New("provider output malformed")
	// ErrInvalidDecision 表示解析成功但缺少必需字段。
	ErrInvalidDecision = errors.New("provider decision invalid")
)

// Action 表示交易动作。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision 表示决策后端返回的交易指令。创建后不再修改；
// 需要降级为 HOLD 时产出新值而不是原地改写。
type Decision struct {
	Action      Action    `json:"action"`
	Confidence  float64   `json:"confidence"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	Reasoning   string    `json:"reasoning"`
	Provider    string    `json:"provider"`
	Fallback    bool      `json:"fallback"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Validate 校验决策字段合法性。
func (d Decision) Validate() error {
	switch d.Action {
	case ActionBuy, ActionSell:
		if d.EntryPrice <= 0 {
			return fmt.Errorf("%w: entry_price 必须大于0", ErrInvalidDecision)
		}
		if d.StopLoss <= 0 {
			return fmt.Errorf("%w: stop_loss 必须大于0", ErrInvalidDecision)
		}
		if d.TakeProfit <= 0 {
			return fmt.Errorf("%w: take_profit 必须大于0", ErrInvalidDecision)
		}
		if d.EntryPrice == d.StopLoss {
			return fmt.Errorf("%w: stop_loss 不能等于 entry_price", ErrInvalidDecision)
		}
	case ActionHold:
	default:
		return fmt.Errorf("%w: action 取值非法: %s", ErrInvalidDecision, d.Action)
	}

	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence 必须在 [0,1] 区间，目前为 %f", ErrInvalidDecision, d.Confidence)
	}

	return nil
}

// Normalized 返回统一化信心度后的副本：大于1的值按百分比处理（除以100一次），
// 随后裁剪到 [0,1]。
func (d Decision) Normalized() Decision {
	if d.Confidence > 1.0 {
		d.Confidence = d.Confidence / 100
	}
	d.Confidence = math.Max(0, math.Min(1, d.Confidence))
	return d
}

// Hold 基于原决策产出一个新的 HOLD 决策值。
func (d Decision) Hold(reason string) Decision {
	held := d
	held.Action = ActionHold
	held.Reasoning = strings.TrimSpace(reason)
	return held
}

func parseAction(raw string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionHold:
		return ActionHold, nil
	default:
		return "", fmt.Errorf("%w: action 取值非法: %s", ErrInvalidDecision, raw)
	}
}
