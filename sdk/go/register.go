package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// RegisterRequest 实例注册请求
type RegisterRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	HealthPath string `json:"healthPath,omitempty"`
	Version    string `json:"version,omitempty"`
}

// RegisterResponse 注册响应数据
type RegisterResponse struct {
	Key          string    `json:"key"`
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registered_at"`
	TTL          string    `json:"ttl"`
}

// Register 注册实例，重复调用会刷新注册信息
func (c *Client) Register(ctx context.Context) error {
	req := RegisterRequest{
		Name:       c.config.ServiceName,
		Host:       c.config.ServiceHost,
		Port:       c.config.ServicePort,
		HealthPath: c.config.HealthPath,
		Version:    c.config.Version,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/registry/instances", req)
	if err != nil {
		return fmt.Errorf("实例注册失败: %w", err)
	}

	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	ttl, err := time.ParseDuration(registerResp.TTL)
	if err != nil {
		return fmt.Errorf("解析TTL失败: %w", err)
	}

	c.mu.Lock()
	c.instanceID = registerResp.ID
	c.ttl = ttl
	c.isRegistered = true
	c.mu.Unlock()

	c.logger.Info("实例注册成功", zap.String("id", registerResp.ID), zap.Duration("ttl", ttl))
	return nil
}

// Deregister 注销实例
func (c *Client) Deregister(ctx context.Context) error {
	if !c.IsRegistered() {
		return fmt.Errorf("实例尚未注册")
	}

	if _, err := c.doRequest(ctx, http.MethodDelete, c.instancePath(""), nil); err != nil {
		return fmt.Errorf("实例注销失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = false
	c.instanceID = ""
	c.mu.Unlock()

	c.logger.Info("实例注销成功")
	return nil
}

// instancePath 构建实例相关的API路径
func (c *Client) instancePath(suffix string) string {
	return fmt.Sprintf("/registry/instances/%s/%d%s?host=%s",
		url.PathEscape(c.config.ServiceName),
		c.config.ServicePort,
		suffix,
		url.QueryEscape(c.config.ServiceHost),
	)
}

// GetInstanceID 获取控制面分配的实例ID
func (c *Client) GetInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// TTL 控制面返回的心跳超时
func (c *Client) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// IsRegistered 检查实例是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
