package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rawDecision 用指针字段区分 "字段缺失" 与 "字段为零值"。
type rawDecision struct {
	Action     *string  `json:"action"`
	Confidence *float64 `json:"confidence"`
	EntryPrice *float64 `json:"entry_price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Reasoning  string   `json:"reasoning"`
}

// ParseDecision 将模型原始文本解析为 Decision。
// 文本可能被 Markdown 代码块包裹，须先剥离；否则取最大的花括号配平子串。
func ParseDecision(content, provider string) (Decision, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Decision{}, err
	}

	var raw rawDecision
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: 解析决策JSON失败: %v", ErrMalformedOutput, err)
	}

	if raw.Action == nil || raw.Confidence == nil || raw.EntryPrice == nil ||
		raw.StopLoss == nil || raw.TakeProfit == nil {
		return Decision{}, fmt.Errorf("%w: 缺少必需字段", ErrInvalidDecision)
	}

	action, err := parseAction(*raw.Action)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Action:      action,
		Confidence:  *raw.Confidence,
		EntryPrice:  *raw.EntryPrice,
		StopLoss:    *raw.StopLoss,
		TakeProfit:  *raw.TakeProfit,
		Reasoning:   strings.TrimSpace(raw.Reasoning),
		Provider:    provider,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	content = strings.TrimSpace(content)

	if idx := strings.Index(content, "```json"); idx != -1 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
	} else if idx := strings.Index(content, "```"); idx != -1 {
		content = content[idx+len("```"):]
		if end := strings.Index(content, "```"); end != -1 {
			content = content[:end]
		}
	}

	candidate := largestBalancedObject(content)
	if candidate == "" {
		return nil, fmt.Errorf("%w: 模型输出未找到有效JSON: %s", ErrMalformedOutput, truncate(content, 200))
	}

	return []byte(candidate), nil
}

// largestBalancedObject 返回文本中最长的花括号配平子串。
// 扫描时跳过字符串字面量内的花括号；外层括号未闭合时仍能取到内层对象。
func largestBalancedObject(content string) string {
	best := ""
	var starts []int
	inString := false
	escaped := false

	for i, r := range content {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			if len(starts) > 0 {
				inString = true
			}
		case '{':
			starts = append(starts, i)
		case '}':
			if n := len(starts); n > 0 {
				candidate := content[starts[n-1] : i+1]
				starts = starts[:n-1]
				if len(candidate) > len(best) {
					best = candidate
				}
			}
		}
	}

	return best
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
