package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scalping-ai/internal/config"
	"scalping-ai/internal/market"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	anthropicMaxTok  = 1024
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicProvider 基于 Anthropic Messages API 的决策后端。
type AnthropicProvider struct {
	cfg     config.ProviderConfig
	logger  *zap.Logger
	client  *resty.Client
	limiter *rate.Limiter
}

// NewAnthropicProvider 使用给定配置创建 Anthropic 后端。
func NewAnthropicProvider(cfg config.ProviderConfig, logger *zap.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", anthropicVersion).
		SetHeader("Content-Type", "application/json")

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if cfg.RateBurst > 0 {
			burst = cfg.RateBurst
		}
	}

	return &AnthropicProvider{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

var _ Provider = (*AnthropicProvider)(nil)

// Name 返回后端标识。
func (p *AnthropicProvider) Name() string {
	return p.cfg.Name
}

// Decide 根据行情快照获取模型决策。
func (p *AnthropicProvider) Decide(ctx context.Context, snapshot market.Snapshot) (Decision, error) {
	prompt, err := BuildPrompt(snapshot)
	if err != nil {
		return Decision{}, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return Decision{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.cfg.Name, err)
	}

	body := anthropicRequest{
		Model:     p.cfg.Model,
		MaxTokens: anthropicMaxTok,
		System:    systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	var parsed anthropicResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/v1/messages")
	if err != nil {
		p.logger.Warn("调用决策后端失败",
			zap.String("provider", p.cfg.Name),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.cfg.Name, err)
	}

	if resp.IsError() {
		message := resp.Status()
		if parsed.Error != nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		return Decision{}, fmt.Errorf("%w: %s: %s", ErrUnavailable, p.cfg.Name, message)
	}

	var rawContent string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			rawContent = strings.TrimSpace(block.Text)
			break
		}
	}
	if rawContent == "" {
		return Decision{}, fmt.Errorf("%w: %s 返回内容为空", ErrMalformedOutput, p.cfg.Name)
	}

	decision, err := ParseDecision(rawContent, p.cfg.Name)
	if err != nil {
		p.logger.Warn("解析模型决策失败",
			zap.String("provider", p.cfg.Name),
			zap.Error(err),
			zap.String("raw_content", truncate(rawContent, 500)),
		)
		return Decision{}, err
	}

	return decision, nil
}
