package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/config"
	"scalping-ai/internal/market"
)

// ErrAllProvidersExhausted 表示所有决策后端均失败（或达到尝试上限）。
// 上层以规则回退处理，该错误不应导致进程退出。
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Health 为单个后端的健康计数。仅由本路由器修改，诊断方只读。
type Health struct {
	Provider            string    `json:"provider"`
	Priority            int       `json:"priority"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used"`
	LastError           string    `json:"last_error,omitempty"`
	Disabled            bool      `json:"disabled"`
}

// SuccessRate 返回历史成功率。
func (h Health) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(total)
}

type entry struct {
	provider ai.Provider
	priority int
	health   Health
}

// Router 按优先级顺序尝试多个决策后端，首个成功者胜出。
// 这不是投票或共识机制：成功即返回，不再尝试后续后端。
type Router struct {
	mu           sync.Mutex
	entries      []*entry
	maxAttempts  int
	disableAfter int
	logger       *zap.Logger
	lastSuccess  string
}

// Registration 绑定一个后端与其优先级（数值越小越先尝试）。
type Registration struct {
	Provider ai.Provider
	Priority int
}

// New 创建故障转移路由器。
func New(cfg config.RouterConfig, registrations []Registration, logger *zap.Logger) (*Router, error) {
	if len(registrations) == 0 {
		return nil, errors.New("router: 至少注册一个决策后端")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	disableAfter := cfg.DisableAfter
	if disableAfter <= 0 {
		disableAfter = 5
	}

	entries := make([]*entry, 0, len(registrations))
	for _, reg := range registrations {
		if reg.Provider == nil {
			return nil, errors.New("router: provider 不能为空")
		}
		entries = append(entries, &entry{
			provider: reg.Provider,
			priority: reg.Priority,
			health: Health{
				Provider: reg.Provider.Name(),
				Priority: reg.Priority,
			},
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})

	return &Router{
		entries:      entries,
		maxAttempts:  maxAttempts,
		disableAfter: disableAfter,
		logger:       logger,
	}, nil
}

// ObtainDecision 依优先级尝试各后端，返回首个成功的决策。
// 单次调用内同一后端不重试；尝试数达到上限或全部失败时返回
// ErrAllProvidersExhausted 并携带最后一个底层错误。
func (r *Router) ObtainDecision(ctx context.Context, snapshot market.Snapshot) (ai.Decision, error) {
	attempts := 0
	var lastErr error

	// entries 切片在 New 之后不再变化，遍历无需持锁；
	// 只有 health 计数需要互斥保护。
	for _, e := range r.entries {
		if attempts >= r.maxAttempts {
			break
		}

		r.mu.Lock()
		disabled := e.health.Disabled
		r.mu.Unlock()
		if disabled {
			r.logger.Debug("跳过已停用的决策后端", zap.String("provider", e.health.Provider))
			continue
		}

		attempts++
		// 网络调用不持锁：慢速故障转移不得阻塞状态查询与其他 worker 的决策。
		decision, err := e.provider.Decide(ctx, snapshot)
		now := time.Now().UTC()

		if err == nil {
			decision = decision.Normalized()
			err = decision.Validate()
		}

		if err != nil {
			lastErr = err

			r.mu.Lock()
			e.health.LastUsed = now
			e.health.FailureCount++
			e.health.ConsecutiveFailures++
			e.health.LastError = err.Error()
			consecutive := e.health.ConsecutiveFailures
			tripped := false
			if consecutive > r.disableAfter {
				e.health.Disabled = true
				tripped = true
			}
			r.mu.Unlock()

			r.logger.Warn("决策后端调用失败",
				zap.String("provider", e.health.Provider),
				zap.Int("consecutive_failures", consecutive),
				zap.Error(err),
			)
			if tripped {
				r.logger.Warn("连续失败超过阈值，停用决策后端",
					zap.String("provider", e.health.Provider),
					zap.Int("threshold", r.disableAfter),
				)
			}

			if ctx.Err() != nil {
				break
			}
			continue
		}

		r.mu.Lock()
		e.health.LastUsed = now
		e.health.SuccessCount++
		e.health.ConsecutiveFailures = 0
		e.health.LastError = ""
		r.lastSuccess = e.health.Provider
		r.mu.Unlock()

		r.logger.Info("获得决策",
			zap.String("provider", e.health.Provider),
			zap.String("action", string(decision.Action)),
			zap.Float64("confidence", decision.Confidence),
		)

		return decision, nil
	}

	if lastErr == nil {
		lastErr = errors.New("没有可用的决策后端")
	}

	return ai.Decision{}, fmt.Errorf("%w: %v", ErrAllProvidersExhausted, lastErr)
}

// Status 返回各后端健康状态的只读快照。
func (r *Router) Status() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.health)
	}
	return out
}

// LastSuccessful 返回最近一次成功的后端名称。
func (r *Router) LastSuccessful() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// Enable 重新启用被停用的后端并清零其连续失败计数。
func (r *Router) Enable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.health.Provider == name {
			e.health.Disabled = false
			e.health.ConsecutiveFailures = 0
			r.logger.Info("决策后端已重新启用", zap.String("provider", name))
			return true
		}
	}
	return false
}

// Disable 手动停用指定后端。
func (r *Router) Disable(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.health.Provider == name {
			e.health.Disabled = true
			r.logger.Warn("决策后端已手动停用", zap.String("provider", name))
			return true
		}
	}
	return false
}
