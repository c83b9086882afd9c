package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/proxy"
	"github.com/hewenyu/kong-mesh/pkg/registry"
)

// MetricsHandler 指标处理器，同时作为代理的请求记录器
type MetricsHandler struct {
	registry    *registry.Registry
	metrics     *Metrics
	metricsLock sync.RWMutex
}

// Metrics 系统指标
type Metrics struct {
	ServiceCount      int                          `json:"service_count"`
	Instances         map[model.InstanceStatus]int `json:"instances"`
	DNSQueryCount     int64                        `json:"dns_query_count"`
	ProxyRequestCount int64                        `json:"proxy_request_count"`
	ProxyErrorCount   int64                        `json:"proxy_error_count"`
	AvgResponseTime   float64                      `json:"avg_response_time"` // 毫秒，移动平均
	Services          map[string]*ServiceMetrics   `json:"services"`
	ResourceUsage     map[string]interface{}       `json:"resource_usage"`
	LastCollectedTime time.Time                    `json:"last_collected_time"`
}

// ServiceMetrics 单个服务的代理指标
type ServiceMetrics struct {
	Requests        int64            `json:"requests"`
	Errors          int64            `json:"errors"`
	StatusCodes     map[string]int64 `json:"status_codes"` // 按2xx/4xx/5xx分类
	AvgResponseTime float64          `json:"avg_response_time"`
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(reg *registry.Registry) *MetricsHandler {
	return &MetricsHandler{
		registry: reg,
		metrics: &Metrics{
			Services: make(map[string]*ServiceMetrics),
		},
	}
}

var _ proxy.Recorder = (*MetricsHandler)(nil)

// Record 记录一次代理请求
func (h *MetricsHandler) Record(rec proxy.Record) {
	latency := float64(rec.Latency) / float64(time.Millisecond)
	failed := rec.Code != 0 || rec.Status >= http.StatusInternalServerError

	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()

	h.metrics.ProxyRequestCount++
	if failed {
		h.metrics.ProxyErrorCount++
	}
	h.metrics.AvgResponseTime = movingAverage(h.metrics.AvgResponseTime, latency)

	name := rec.Service
	if name == "" {
		name = "unrouted"
	}
	sm, exists := h.metrics.Services[name]
	if !exists {
		sm = &ServiceMetrics{StatusCodes: make(map[string]int64)}
		h.metrics.Services[name] = sm
	}
	sm.Requests++
	if failed {
		sm.Errors++
	}
	sm.StatusCodes[statusClass(rec.Status)]++
	sm.AvgResponseTime = movingAverage(sm.AvgResponseTime, latency)
}

// IncrementDNSQueryCount 增加DNS查询计数
func (h *MetricsHandler) IncrementDNSQueryCount() {
	h.metricsLock.Lock()
	defer h.metricsLock.Unlock()
	h.metrics.DNSQueryCount++
}

// GetMetrics 获取系统指标
func (h *MetricsHandler) GetMetrics(c echo.Context) error {
	return ok(c, "success", h.Snapshot())
}

// Snapshot 返回指标快照
func (h *MetricsHandler) Snapshot() Metrics {
	services := h.registry.Services()
	counts := h.registry.Counts()

	h.metricsLock.RLock()
	defer h.metricsLock.RUnlock()

	snapshot := *h.metrics
	snapshot.ServiceCount = len(services)
	snapshot.Instances = counts
	snapshot.ResourceUsage = getResourceUsage()
	snapshot.LastCollectedTime = time.Now()
	snapshot.Services = make(map[string]*ServiceMetrics, len(h.metrics.Services))
	for name, sm := range h.metrics.Services {
		cp := *sm
		cp.StatusCodes = make(map[string]int64, len(sm.StatusCodes))
		for k, v := range sm.StatusCodes {
			cp.StatusCodes[k] = v
		}
		snapshot.Services[name] = &cp
	}
	return snapshot
}

// movingAverage 简单的移动平均值计算
func movingAverage(avg, value float64) float64 {
	if avg == 0 {
		return value
	}
	return (avg*9 + value) / 10
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
