package ai

import (
	"context"

	"scalping-ai/internal/market"
)

// Provider 抽象单个外部决策后端："给定行情快照，产出决策或失败"。
// 实现不做内部重试，也不得修改共享状态——重试与故障转移由路由器统一负责。
type Provider interface {
	Name() string
	Decide(ctx context.Context, snapshot market.Snapshot) (Decision, error)
}
