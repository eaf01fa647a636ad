package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
exchange:
  api_key: key
  api_secret: secret
providers:
  - name: openai-main
    type: openai
    api_key: sk-test
    model: gpt-4o-mini
    priority: 1
    timeout: 30s
  - name: claude-backup
    type: anthropic
    api_key: sk-ant-test
    model: claude-sonnet
    priority: 2
    timeout: 30s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Exchange.Name != "binance" {
		t.Errorf("default exchange name: got %s", cfg.Exchange.Name)
	}
	if !cfg.Exchange.UseSandbox {
		t.Errorf("sandbox must default to true")
	}
	if cfg.Risk.MinConfidence != 0.7 {
		t.Errorf("default min_confidence: got %f", cfg.Risk.MinConfidence)
	}
	if cfg.Risk.MaxPositions != 3 {
		t.Errorf("default max_positions: got %d", cfg.Risk.MaxPositions)
	}
	if cfg.Risk.MinTradeInterval != 5*time.Minute {
		t.Errorf("default min_trade_interval: got %s", cfg.Risk.MinTradeInterval)
	}
	if cfg.Router.MaxAttempts != 3 || cfg.Router.DisableAfter != 5 {
		t.Errorf("default router config: %+v", cfg.Router)
	}
	if cfg.Scheduler.LoopInterval != time.Minute {
		t.Errorf("default loop_interval: got %s", cfg.Scheduler.LoopInterval)
	}
	if len(cfg.Trading.Instruments) != 1 || cfg.Trading.Instruments[0] != "BTC/USDT" {
		t.Errorf("default instruments: %v", cfg.Trading.Instruments)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].Timeout != 30*time.Second {
		t.Errorf("provider timeout not parsed: %s", cfg.Providers[0].Timeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoad_InvalidProviderType(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "type: anthropic", "type: gemini", 1)
	_, err := Load(writeConfig(t, yaml))
	if err == nil || !strings.Contains(err.Error(), "type 取值非法") {
		t.Fatalf("expected provider type validation error, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("empty config must fail validation")
	}
	for _, fragment := range []string{
		"exchange.name", "providers", "risk.min_confidence", "scheduler.loop_interval",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("validation error must mention %s: %v", fragment, err)
		}
	}
}

func TestValidate_DuplicateProviderNames(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Providers[1].Name = cfg.Providers[0].Name
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "名称重复") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}
