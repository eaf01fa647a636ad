package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Exchange  ExchangeConfig   `mapstructure:"exchange"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Router    RouterConfig     `mapstructure:"router"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Trading   TradingConfig    `mapstructure:"trading"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Audit     AuditConfig      `mapstructure:"audit"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Monitor   MonitorConfig    `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	QuoteAsset string      `mapstructure:"quote_asset"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ProviderConfig 描述单个 AI 决策后端。
type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Type      string        `mapstructure:"type"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Priority  int           `mapstructure:"priority"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

// RouterConfig 控制多后端故障转移策略。
type RouterConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	DisableAfter int `mapstructure:"disable_after"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MinConfidence    float64       `mapstructure:"min_confidence"`
	MaxPositions     int           `mapstructure:"max_positions"`
	RiskPerTrade     float64       `mapstructure:"risk_per_trade"`
	DailyLossLimit   float64       `mapstructure:"daily_loss_limit"`
	MinTradeInterval time.Duration `mapstructure:"min_trade_interval"`
}

// TradingConfig 描述交易标的。
type TradingConfig struct {
	Instruments []string `mapstructure:"instruments"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval   time.Duration `mapstructure:"loop_interval"`
	FailureBackoff float64       `mapstructure:"failure_backoff"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// AuditConfig 控制审计日志落盘。
type AuditConfig struct {
	JSONLPath string `mapstructure:"jsonl_path"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制状态接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

var validProviderTypes = map[string]struct{}{
	"openai":    {},
	"anthropic": {},
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.QuoteAsset == "" {
		err = multierr.Append(err, errors.New("exchange.quote_asset 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}

	if len(c.Providers) == 0 {
		err = multierr.Append(err, errors.New("providers 至少配置一个决策后端"))
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			err = multierr.Append(err, fmt.Errorf("providers[%d].name 不能为空", i))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("providers 名称重复: %s", p.Name))
		}
		seen[p.Name] = struct{}{}
		if _, ok := validProviderTypes[strings.ToLower(p.Type)]; !ok {
			err = multierr.Append(err, fmt.Errorf("providers[%s].type 取值非法: %s", p.Name, p.Type))
		}
		if p.APIKey == "" {
			err = multierr.Append(err, fmt.Errorf("providers[%s].api_key 不能为空", p.Name))
		}
		if p.Model == "" {
			err = multierr.Append(err, fmt.Errorf("providers[%s].model 不能为空", p.Name))
		}
		if p.Timeout <= 0 {
			err = multierr.Append(err, fmt.Errorf("providers[%s].timeout 必须大于0", p.Name))
		}
	}

	if c.Router.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("router.max_attempts 必须大于0"))
	}
	if c.Router.DisableAfter <= 0 {
		err = multierr.Append(err, errors.New("router.disable_after 必须大于0"))
	}

	if c.Risk.MinConfidence <= 0 || c.Risk.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("risk.min_confidence 必须位于(0,1]"))
	}
	if c.Risk.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("risk.max_positions 必须大于0"))
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 1 {
		err = multierr.Append(err, errors.New("risk.risk_per_trade 必须位于(0,1]"))
	}
	if c.Risk.DailyLossLimit <= 0 {
		err = multierr.Append(err, errors.New("risk.daily_loss_limit 必须大于0"))
	}
	if c.Risk.MinTradeInterval < 0 {
		err = multierr.Append(err, errors.New("risk.min_trade_interval 不能为负"))
	}

	if len(c.Trading.Instruments) == 0 {
		err = multierr.Append(err, errors.New("trading.instruments 至少包含一个交易对"))
	}

	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.FailureBackoff < 1 {
		err = multierr.Append(err, errors.New("scheduler.failure_backoff 不能小于1"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
