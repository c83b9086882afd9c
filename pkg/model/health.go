package model

import "time"

// OverallStatus 网格整体健康状态
type OverallStatus string

const (
	// OverallHealthy 健康实例占比不低于80%
	OverallHealthy OverallStatus = "healthy"
	// OverallDegraded 健康实例占比不低于50%
	OverallDegraded OverallStatus = "degraded"
	// OverallCritical 健康实例占比低于50%
	OverallCritical OverallStatus = "critical"
	// OverallUnknown 没有任何已注册实例
	OverallUnknown OverallStatus = "unknown"
)

// HealthSnapshot 单个实例的一次探测结果
type HealthSnapshot struct {
	Key         InstanceKey    `json:"key"`
	Status      InstanceStatus `json:"status"`
	StatusCode  int            `json:"status_code,omitempty"`
	Latency     time.Duration  `json:"latency"`
	LastChecked time.Time      `json:"last_checked"`
	Error       string         `json:"error,omitempty"`
}

// HealthReport 一次聚合探测的结果
type HealthReport struct {
	Instances     []HealthSnapshot `json:"instances"`
	HealthyCount  int              `json:"healthy_count"`
	TotalCount    int              `json:"total_count"`
	OverallStatus OverallStatus    `json:"overall_status"`
	CheckedAt     time.Time        `json:"checked_at"`
}
