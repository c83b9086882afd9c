package sdk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳
func (c *Client) SendHeartbeat(ctx context.Context) error {
	if !c.IsRegistered() {
		return fmt.Errorf("实例尚未注册")
	}

	if _, err := c.doRequest(ctx, http.MethodPost, c.instancePath("/heartbeat"), nil); err != nil {
		return fmt.Errorf("发送心跳失败: %w", err)
	}
	return nil
}

// StartHeartbeat 开始心跳任务
//
// 控制面返回实例未注册时（例如控制面重启）自动重新注册。
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	interval := c.heartbeatInterval()
	stopChan := make(chan struct{})
	stopped := make(chan struct{})

	c.mu.Lock()
	c.stopChan = stopChan
	c.stopped = stopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.beat()
			case <-stopChan:
				return
			}
		}
	}()
}

func (c *Client) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	err := c.SendHeartbeat(ctx)
	if err == nil {
		return
	}
	if !IsNotRegistered(err) {
		c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
		return
	}

	c.logger.Warn("控制面已丢失实例注册信息，重新注册")
	if err := c.Register(ctx); err != nil {
		c.logger.Error("重新注册失败", zap.Error(err))
	}
}

// heartbeatInterval 心跳间隔，未配置时取TTL的1/3
func (c *Client) heartbeatInterval() time.Duration {
	if c.config.HeartbeatInterval > 0 {
		return c.config.HeartbeatInterval
	}
	if ttl := c.TTL(); ttl > 0 {
		return ttl / 3
	}
	return 10 * time.Second
}

// StopHeartbeat 停止心跳任务并等待其退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stopChan, stopped := c.stopChan, c.stopped
	c.stopChan, c.stopped = nil, nil
	c.mu.Unlock()

	if stopChan != nil {
		close(stopChan)
		<-stopped
	}
}

// Close 关闭客户端
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	// 如果已注册，注销实例
	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销实例失败: %w", err)
		}
	}
	return nil
}
