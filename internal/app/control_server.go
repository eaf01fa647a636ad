package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"scalping-ai/internal/audit"
	"scalping-ai/internal/loop"
	"scalping-ai/internal/router"
)

type statusResponse struct {
	Loops     []loop.Status   `json:"loops"`
	Providers []router.Health `json:"providers"`
	OpenCount int             `json:"open_count"`
	Stats     interface{}     `json:"stats"`
}

// startControlServer 暴露控制面板：启停循环、查询状态与历史、读取审计事件。
func (a *App) startControlServer(ctx context.Context) error {
	logger := a.logger
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入控制响应失败", zap.Error(err))
		}
	}

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.StartAll(ctx)
		writeJSON(w, a.statuses())
	})

	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.StopAll()
		writeJSON(w, a.statuses())
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		view := a.book.Snapshot()
		writeJSON(w, statusResponse{
			Loops:     a.statuses(),
			Providers: a.router.Status(),
			OpenCount: view.OpenCount,
			Stats:     a.book.Stats(),
		})
	})

	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.book.History())
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := audit.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = audit.EventType(strings.ToLower(typ))
		}

		events, err := a.trail.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events)
	})

	addr := fmt.Sprintf(":%d", a.cfg.Monitor.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭控制接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("控制接口异常", zap.Error(err))
		}
	}()

	logger.Info("控制接口已启动", zap.String("addr", addr))
	return nil
}
