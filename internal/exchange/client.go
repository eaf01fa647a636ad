package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"scalping-ai/internal/config"
)

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded atomic.Bool
}

// NewClient 构造 Binance 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: &ex,
	}, nil
}

// FetchCandles 获取指定交易对及周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, instrument, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			instrument,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchPrice 获取交易对最新成交价。
func (c *Client) FetchPrice(ctx context.Context, instrument string) (float64, error) {
	var ticker ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchTicker(instrument)
		if err != nil {
			return err
		}

		ticker = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	price := firstPositive(derefFloat(ticker.Last), derefFloat(ticker.Close), derefFloat(ticker.Bid))
	if price <= 0 {
		return 0, fmt.Errorf("行情未返回有效价格: %s", instrument)
	}

	return price, nil
}

// FetchFreeBalance 查询指定资产的可用余额。
func (c *Client) FetchFreeBalance(ctx context.Context, asset string) (float64, error) {
	var balances ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}

		balances = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	if balances.Free != nil {
		if free, ok := balances.Free[asset]; ok && free != nil {
			return *free, nil
		}
	}

	return 0, nil
}

// PlaceMarketOrder 提交市价委托。下单不做内部重试，失败直接返回 ErrExecution，
// 避免同一个决策被重复执行。
func (c *Client) PlaceMarketOrder(ctx context.Context, instrument string, side OrderSide, amount float64) (OrderRef, error) {
	if amount <= 0 {
		return OrderRef{}, fmt.Errorf("%w: 委托数量无效 %.8f", ErrExecution, amount)
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderRef{}, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	order, err := c.exchange.CreateMarketOrder(instrument, string(side), amount)
	if err != nil {
		c.logger.Error("市价委托提交失败",
			zap.String("instrument", instrument),
			zap.String("side", string(side)),
			zap.Float64("amount", amount),
			zap.Error(err),
		)
		return OrderRef{}, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	ref := OrderRef{
		ID:         derefString(order.Id),
		Instrument: instrument,
		Side:       side,
		Amount:     amount,
		PlacedAt:   time.Now().UTC(),
	}

	c.logger.Info("市价委托已提交",
		zap.String("instrument", instrument),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.String("order_id", ref.ID),
	)

	return ref, nil
}

// ensureMarketsLoaded 首次调用加载市场元数据，之后为无锁快速路径。
// K线与价格拉取并发进行，标志位必须用原子读写。
func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded.Load() {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded.Load() {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded.Store(true)
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
