package apihandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/api/router"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/proxy"
	"github.com/hewenyu/kong-mesh/pkg/registry"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// Handler 定义API处理器接口
type Handler interface {
	// Start 启动HTTP服务（非阻塞）
	Start() error

	// Addr 返回实际监听地址，未启动时为空
	Addr() string

	// Shutdown 优雅关闭HTTP服务
	Shutdown(ctx context.Context) error

	// ServeHTTP 直接处理请求，便于测试
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Components 控制面各组件
type Components struct {
	Registry   *registry.Registry
	Routes     *route.Table
	Aggregator *health.Aggregator
	Proxy      *proxy.Proxy
	Metrics    *handler.MetricsHandler
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server   *echo.Echo
	listener net.Listener
	cfg      *config.Config
	logger   config.Logger
}

// CustomValidator 基于validator/v10实现echo.Validator
type CustomValidator struct {
	validator *validator.Validate
}

// Validate 实现echo.Validator接口
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// NewAPIHandler 创建API处理器并注册全部路由
func NewAPIHandler(cfg *config.Config, logger config.Logger, comps Components) Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}
	e.HTTPErrorHandler = errorHandler(logger)

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		// 代理请求由代理自身记录
		Skipper:      func(c echo.Context) bool { return c.Path() == "/*" },
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Debug("管理API请求", fields...)
			return nil
		},
	}))

	router.RegisterRoutes(e, router.Handlers{
		Registry: handler.NewRegistryHandler(comps.Registry),
		Routes:   handler.NewRouteHandler(comps.Routes),
		Health:   handler.NewHealthHandler(comps.Registry, comps.Aggregator),
		Metrics:  comps.Metrics,
		Proxy:    handler.NewProxyHandler(comps.Proxy),
	})

	return &EchoHandler{
		server: e,
		cfg:    cfg,
		logger: logger,
	}
}

// Start 启动HTTP服务
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Server.ListenAddress, h.cfg.Server.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听%s失败: %w", addr, err)
	}
	h.listener = ln
	h.server.Listener = ln

	h.logger.Info("启动网格HTTP服务", zap.String("address", ln.Addr().String()))

	// 启动服务（非阻塞）
	go func() {
		if err := h.server.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("网格HTTP服务异常退出", zap.Error(err))
		}
	}()

	return nil
}

// Addr 返回实际监听地址
func (h *EchoHandler) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Shutdown 优雅关闭HTTP服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭网格HTTP服务...")

	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭网格HTTP服务出错", zap.Error(err))
		return err
	}
	return nil
}

// ServeHTTP 实现http.Handler
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// errorHandler 把echo自身的错误（如405、请求体解析失败）也转换为统一响应格式
func errorHandler(logger config.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			message = fmt.Sprint(he.Message)
		} else {
			logger.Error("未处理的请求错误", zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, handler.ServiceResponse{Code: code, Message: message})
		}
		if err != nil {
			logger.Error("写入错误响应失败", zap.Error(err))
		}
	}
}
