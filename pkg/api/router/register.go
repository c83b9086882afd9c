package router

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
)

// ReservedPrefixes 控制面自身占用的路径前缀，不会被转发
var ReservedPrefixes = []string{"/registry", "/routes", "/health", "/mesh"}

// Handlers 路由需要的全部处理器
type Handlers struct {
	Registry *handler.RegistryHandler
	Routes   *handler.RouteHandler
	Health   *handler.HealthHandler
	Metrics  *handler.MetricsHandler
	Proxy    *handler.ProxyHandler
}

// RegisterRoutes 配置管理API和代理入口
func RegisterRoutes(e *echo.Echo, h Handlers) {
	// 实例注册相关路由
	instances := e.Group("/registry/instances")
	instances.POST("", h.Registry.Register)                        // 注册实例
	instances.GET("", h.Registry.List)                             // 查询实例列表
	instances.POST("/:name/:port/heartbeat", h.Registry.Heartbeat) // 心跳更新
	instances.DELETE("/:name/:port", h.Registry.Unregister)        // 注销实例

	// 路由管理
	e.GET("/routes", h.Routes.List)
	e.PUT("/routes/*", h.Routes.Put)
	e.DELETE("/routes/*", h.Routes.Delete)

	// 健康检查
	e.GET("/health", h.Health.HealthCheck)
	e.GET("/health/all", h.Health.CheckAll)

	// 统计指标
	e.GET("/mesh/metrics", h.Metrics.GetMetrics)

	// 其余请求全部交给代理
	e.Any("/*", h.Proxy.Forward, rejectReserved)
}

// rejectReserved 保留前缀下未匹配的请求直接返回404，不转发
func rejectReserved(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		for _, prefix := range ReservedPrefixes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return handler.RespondError(c, mesherr.NewRouteNotFoundError(path))
			}
		}
		return next(c)
	}
}
