// Package handler 提供运维 HTTP 接口
package handler

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/service"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

// ListenerStatusProvider 监听器状态
type ListenerStatusProvider interface {
	Status() service.ListenerStatus
}

// InflightProvider 未确认的结算交易数
type InflightProvider interface {
	Inflight() int
}

// Pinger 依赖连通性检查
type Pinger func(ctx context.Context) error

// BalanceFunc 查询 keeper 账户余额 (wei)
type BalanceFunc func(ctx context.Context) (*big.Int, error)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	listener  ListenerStatusProvider
	submitter InflightProvider // 只监听模式下为 nil
	checks    map[string]Pinger
	balance   BalanceFunc
}

// NewHealthHandler 创建处理器
func NewHealthHandler(listener ListenerStatusProvider, submitter InflightProvider, checks map[string]Pinger) *HealthHandler {
	if checks == nil {
		checks = make(map[string]Pinger)
	}
	return &HealthHandler{
		listener:  listener,
		submitter: submitter,
		checks:    checks,
	}
}

// SetKeeperBalance 在 /status 中报告 keeper 余额
func (h *HealthHandler) SetKeeperBalance(fn BalanceFunc) {
	h.balance = fn
}

// StatusResponse /status 响应
type StatusResponse struct {
	Listener           service.ListenerStatus `json:"listener"`
	SettlementEnabled  bool                   `json:"settlement_enabled"`
	InflightSettlement int                    `json:"inflight_settlements"`
	KeeperBalanceWei   string                 `json:"keeper_balance_wei,omitempty"`
	Dependencies       map[string]string      `json:"dependencies"`
}

// Routes 注册 /metrics /health /ready /status
func (h *HealthHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ready", h.Ready)
	mux.HandleFunc("/status", h.Status)
	return mux
}

// Health 监听器在运行即存活
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.listener.Status().Running {
		http.Error(w, "listener not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Ready 依赖全部可用
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, err := range h.runChecks(r.Context()) {
		if err != nil {
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Status 运行状态
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Listener:     h.listener.Status(),
		Dependencies: make(map[string]string),
	}
	if h.submitter != nil {
		resp.SettlementEnabled = true
		resp.InflightSettlement = h.submitter.Inflight()
	}
	if h.balance != nil {
		resp.KeeperBalanceWei = h.keeperBalance(r.Context(), resp.Dependencies)
	}
	for name, err := range h.runChecks(r.Context()) {
		if err != nil {
			resp.Dependencies[name] = err.Error()
		} else {
			resp.Dependencies[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("failed to write status response", zap.Error(err))
	}
}

// keeperBalance 查询失败时记入 dependencies
func (h *HealthHandler) keeperBalance(ctx context.Context, deps map[string]string) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	balance, err := h.balance(ctx)
	if err != nil {
		deps["keeper_balance"] = err.Error()
		return ""
	}
	return balance.String()
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	results := make(map[string]error, len(h.checks))
	for name, check := range h.checks {
		results[name] = check(ctx)
	}
	return results
}
