package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"scalping-ai/internal/config"
	"scalping-ai/internal/ledger"
	"scalping-ai/internal/store"
)

// Trail 为追加写入的审计日志：SQLite 事件表外加可选的 JSONL 镜像文件。
// 写入失败只记录日志并吞掉，绝不向主循环传播。
type Trail struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.Mutex
	jsonl *os.File
}

// NewTrail 初始化审计日志，创建所需表结构。
func NewTrail(store *store.Store, cfg config.AuditConfig, logger *zap.Logger) (*Trail, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Trail{
		db:     store.DB(),
		logger: logger,
	}

	if err := t.initSchema(); err != nil {
		return nil, err
	}

	if cfg.JSONLPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JSONLPath), 0o755); err != nil {
			logger.Warn("创建审计目录失败，停用 JSONL 镜像", zap.Error(err))
		} else {
			file, err := os.OpenFile(cfg.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				logger.Warn("打开审计镜像文件失败，停用 JSONL 镜像", zap.Error(err))
			} else {
				t.jsonl = file
			}
		}
	}

	return t, nil
}

func (t *Trail) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := t.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Close 关闭 JSONL 镜像文件。
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jsonl == nil {
		return nil
	}
	err := t.jsonl.Close()
	t.jsonl = nil
	return err
}

func (t *Trail) record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		t.logger.Warn("序列化审计事件失败", zap.Error(err))
		return
	}

	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	); err != nil {
		t.logger.Warn("写入审计事件失败", zap.Error(err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jsonl == nil {
		return
	}
	line, err := json.Marshal(map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp.Format(time.RFC3339),
		"payload":   json.RawMessage(payload),
	})
	if err != nil {
		t.logger.Warn("序列化审计镜像行失败", zap.Error(err))
		return
	}
	if _, err := t.jsonl.Write(append(line, '\n')); err != nil {
		t.logger.Warn("写入审计镜像失败", zap.Error(err))
	}
}

// RecordTick 记录一次循环周期的决策与结果。
func (t *Trail) RecordTick(ctx context.Context, payload TickPayload) {
	t.record(ctx, Event{Type: EventTick, Payload: payload})
}

// RecordExecution 记录建仓执行结果。
func (t *Trail) RecordExecution(ctx context.Context, payload ExecutionPayload) {
	t.record(ctx, Event{Type: EventExecution, Payload: payload})
}

// RecordTradeClosed 记录平仓成交。
func (t *Trail) RecordTradeClosed(ctx context.Context, trade ledger.Trade) {
	t.record(ctx, Event{Type: EventTradeClosed, Payload: TradeClosedPayload{Trade: trade}})
}

// RecordError 记录异常。
func (t *Trail) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	t.record(ctx, Event{Type: EventError, Payload: payload})
}

// ListEvents 按类型检索最近事件。
func (t *Trail) ListEvents(ctx context.Context, eventType EventType, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]StoredEvent, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, StoredEvent{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 遍历事件失败: %w", err)
	}

	return events, nil
}
