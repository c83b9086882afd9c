package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// 网格控制面地址，如 localhost:8080
	ServerAddr string `json:"server_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 实例地址，需能被控制面访问
	ServiceHost string `json:"service_host"`
	// 实例端口
	ServicePort int `json:"service_port"`
	// 健康检查路径，默认/health
	HealthPath string `json:"health_path"`
	// 版本号
	Version string `json:"version"`
	// 心跳间隔，为0时取控制面TTL的1/3
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 日志，为nil时不输出
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	instanceID   string
	ttl          time.Duration
	isRegistered bool
	stopChan     chan struct{}
	stopped      chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 控制面返回的非200响应
type APIError struct {
	StatusCode int
	Code       string // 如not_registered
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API请求失败: %s (状态码: %d, 错误: %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotRegistered 判断错误是否表示实例未注册（例如控制面重启）
func IsNotRegistered(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound && apiErr.Code == "not_registered"
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if config.ServiceHost == "" {
		return nil, fmt.Errorf("实例地址不能为空")
	}
	if config.ServicePort <= 0 || config.ServicePort > 65535 {
		return nil, fmt.Errorf("实例端口必须在1-65535之间")
	}

	// 设置默认值
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With(
			zap.String("service", config.ServiceName),
			zap.String("host", config.ServiceHost),
			zap.Int("port", config.ServicePort),
		),
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
}

// 发送HTTP请求
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	url := c.buildURL(path)

	// 准备请求体
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	// 检查HTTP状态码
	if resp.StatusCode != http.StatusOK {
		return &apiResp, &APIError{
			StatusCode: resp.StatusCode,
			Code:       apiResp.Error,
			Message:    apiResp.Message,
		}
	}

	return &apiResp, nil
}
