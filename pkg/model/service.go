package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// InstanceStatus 表示服务实例的存活状态
type InstanceStatus string

const (
	// StatusHealthy 健康状态
	StatusHealthy InstanceStatus = "healthy"
	// StatusUnhealthy 探测有响应但返回非2xx
	StatusUnhealthy InstanceStatus = "unhealthy"
	// StatusUnreachable 心跳超时或探测无法连接
	StatusUnreachable InstanceStatus = "unreachable"
)

// DefaultHealthPath 默认健康检查路径
const DefaultHealthPath = "/health"

// InstanceKey 服务实例的唯一标识 (name, host, port)
type InstanceKey struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String 返回 name/host:port 形式的键
func (k InstanceKey) String() string {
	return k.Name + "/" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// ServiceInstance 表示一个服务实例
type ServiceInstance struct {
	ID               string         `json:"id"`                          // 实例ID，仅用于观测
	Name             string         `json:"name"`                        // 逻辑服务名
	Host             string         `json:"host"`                        // 主机地址
	Port             int            `json:"port"`                        // 端口
	HealthPath       string         `json:"health_path"`                 // 健康检查路径
	Version          string         `json:"version,omitempty"`           // 版本
	Status           InstanceStatus `json:"status"`                      // 存活状态
	RegisteredAt     time.Time      `json:"registered_at"`               // 注册时间
	LastHeartbeat    time.Time      `json:"last_heartbeat"`              // 最后心跳时间
	UnreachableSince time.Time      `json:"unreachable_since,omitempty"` // 进入不可达状态的时间
}

// Key 返回实例的唯一标识
func (s *ServiceInstance) Key() InstanceKey {
	return InstanceKey{Name: s.Name, Host: s.Host, Port: s.Port}
}

// Address 返回 host:port
func (s *ServiceInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL 返回实例的HTTP基础地址
func (s *ServiceInstance) BaseURL() string {
	return fmt.Sprintf("http://%s", s.Address())
}

// IsHealthy 判断实例是否健康
func (s *ServiceInstance) IsHealthy() bool {
	return s.Status == StatusHealthy
}
