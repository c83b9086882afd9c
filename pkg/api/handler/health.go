package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// HealthResponse 控制面自身的健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry   *registry.Registry
	aggregator *health.Aggregator
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(reg *registry.Registry, aggregator *health.Aggregator) *HealthHandler {
	return &HealthHandler{
		registry:   reg,
		aggregator: aggregator,
	}
}

// HealthCheck 控制面存活检查，进程存活即返回200
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"uptime":     time.Since(startTime).String(),
			"services":   len(h.registry.Services()),
			"instances":  h.registry.Counts(),
			"resources":  getResourceUsage(),
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// CheckAll 立即探测所有实例并返回聚合结果
func (h *HealthHandler) CheckAll(c echo.Context) error {
	report := h.aggregator.CheckAll(c.Request().Context())
	return ok(c, string(report.OverallStatus), report)
}

// 应用启动时间
var startTime = time.Now()

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"memory_alloc":   formatBytes(memStats.Alloc),
		"memory_sys":     formatBytes(memStats.Sys),
		"memory_heap":    formatBytes(memStats.HeapAlloc),
		"num_gc":         memStats.NumGC,
		"num_goroutines": runtime.NumGoroutine(),
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
