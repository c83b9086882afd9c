package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
)

// ServerConfig DNS服务器配置
type ServerConfig struct {
	ListenAddress string
	Port          int
	Protocol      string // "udp", "tcp", 或 "both"
}

// Server DNS服务器
type Server struct {
	cfg     ServerConfig
	handler dns.Handler
	logger  config.Logger

	mu      sync.Mutex
	servers []*dns.Server
	addrs   map[string]string // 协议 -> 实际监听地址
}

// NewServer 创建DNS服务器
func NewServer(cfg ServerConfig, handler dns.Handler, logger config.Logger) (*Server, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	switch strings.ToLower(cfg.Protocol) {
	case "udp", "tcp", "both":
	default:
		return nil, fmt.Errorf("不支持的DNS协议: %s", cfg.Protocol)
	}
	cfg.Protocol = strings.ToLower(cfg.Protocol)

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		addrs:   make(map[string]string),
	}, nil
}

// Start 启动DNS服务器（非阻塞），监听失败时直接返回错误
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.Port)

	if s.cfg.Protocol == "udp" || s.cfg.Protocol == "both" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			s.shutdownLocked()
			return fmt.Errorf("DNS UDP监听%s失败: %w", addr, err)
		}
		s.serve("udp", &dns.Server{PacketConn: pc, Handler: s.handler}, pc.LocalAddr().String())
	}

	if s.cfg.Protocol == "tcp" || s.cfg.Protocol == "both" {
		// both模式下TCP沿用UDP实际分配到的端口
		tcpAddr := addr
		if udpAddr, ok := s.addrs["udp"]; ok {
			tcpAddr = udpAddr
		}
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			s.shutdownLocked()
			return fmt.Errorf("DNS TCP监听%s失败: %w", tcpAddr, err)
		}
		s.serve("tcp", &dns.Server{Listener: ln, Handler: s.handler}, ln.Addr().String())
	}

	return nil
}

func (s *Server) serve(proto string, srv *dns.Server, addr string) {
	s.servers = append(s.servers, srv)
	s.addrs[proto] = addr

	started := make(chan struct{})
	exited := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }

	go func() {
		defer close(exited)
		s.logger.Info("DNS服务器启动", zap.String("protocol", proto), zap.String("address", addr))
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS服务器异常退出", zap.String("protocol", proto), zap.Error(err))
		}
	}()

	select {
	case <-started:
	case <-exited:
	}
}

// Addr 返回指定协议的实际监听地址
func (s *Server) Addr(proto string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[proto]
}

// Shutdown 停止DNS服务器
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownLocked()
}

func (s *Server) shutdownLocked() error {
	var firstErr error
	for _, srv := range s.servers {
		if err := srv.Shutdown(); err != nil {
			s.logger.Error("关闭DNS服务器失败", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.servers = nil
	s.addrs = make(map[string]string)
	return firstErr
}
