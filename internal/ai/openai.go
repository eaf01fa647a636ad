package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"scalping-ai/internal/config"
	"scalping-ai/internal/market"
)

const systemPrompt = "You are an expert cryptocurrency trading AI. Provide analysis in valid JSON format."

// OpenAIProvider 基于 Chat Completions 协议的决策后端。
// 通过 base_url 同样适用于 Together 等 OpenAI 兼容服务。
type OpenAIProvider struct {
	cfg    config.ProviderConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewOpenAIProvider 使用给定配置创建 OpenAI 兼容后端。
func NewOpenAIProvider(cfg config.ProviderConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	return &OpenAIProvider{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

var _ Provider = (*OpenAIProvider)(nil)

// Name 返回后端标识。
func (p *OpenAIProvider) Name() string {
	return p.cfg.Name
}

// Decide 根据行情快照获取模型决策。
func (p *OpenAIProvider) Decide(ctx context.Context, snapshot market.Snapshot) (Decision, error) {
	prompt, err := BuildPrompt(snapshot)
	if err != nil {
		return Decision{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	response, err := p.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		p.logger.Warn("调用决策后端失败",
			zap.String("provider", p.cfg.Name),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.cfg.Name, err)
	}

	if len(response.Choices) == 0 {
		return Decision{}, fmt.Errorf("%w: %s 返回结果为空", ErrMalformedOutput, p.cfg.Name)
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
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
