package dns

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/miekg/dns"
)

// Exchanger 向指定服务器发送DNS请求
type Exchanger interface {
	Exchange(m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// UpstreamResolver 把非本地域的查询转发到上游DNS
type UpstreamResolver struct {
	servers []string  // 上游DNS服务器列表
	client  Exchanger // DNS客户端
}

// NewUpstreamResolver 创建上游DNS解析器，servers为空时不转发
func NewUpstreamResolver(servers []string, timeout time.Duration) *UpstreamResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &UpstreamResolver{
		servers: servers,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
	}
}

// Enabled 是否配置了上游服务器
func (ur *UpstreamResolver) Enabled() bool {
	return ur != nil && len(ur.servers) > 0
}

// Resolve 解析DNS请求，首选服务器失败后换另一台重试一次
func (ur *UpstreamResolver) Resolve(req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, errors.New("无效的DNS请求：没有问题部分")
	}
	if !ur.Enabled() {
		return nil, errors.New("未配置上游DNS服务器")
	}

	// 随机选择一个上游服务器
	server := ur.randomServer()
	resp, _, err := ur.client.Exchange(req, server)
	if err == nil {
		return resp, nil
	}
	if len(ur.servers) == 1 {
		return nil, fmt.Errorf("上游DNS %s 查询失败: %w", server, err)
	}

	// 如果失败，尝试下一个服务器
	backup := ur.randomServerExcept(server)
	resp, _, err = ur.client.Exchange(req, backup)
	if err != nil {
		return nil, fmt.Errorf("上游DNS %s 查询失败: %w", backup, err)
	}
	return resp, nil
}

// randomServer 随机选择一个上游服务器
func (ur *UpstreamResolver) randomServer() string {
	return ur.servers[rand.Intn(len(ur.servers))]
}

// randomServerExcept 随机选择一个不是指定服务器的上游服务器
func (ur *UpstreamResolver) randomServerExcept(except string) string {
	for {
		server := ur.randomServer()
		if server != except {
			return server
		}
	}
}
