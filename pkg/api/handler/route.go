package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// RouteRequest 路由添加请求
type RouteRequest struct {
	ServiceName string `json:"serviceName" validate:"required"`
}

// RouteHandler 处理路由管理API
type RouteHandler struct {
	table *route.Table
}

// NewRouteHandler 创建路由处理器
func NewRouteHandler(table *route.Table) *RouteHandler {
	return &RouteHandler{table: table}
}

// Put 添加或覆盖路由，前缀取自通配路径
func (h *RouteHandler) Put(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, mesherr.InvalidRoute, "请求参数无效: "+err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return badRequest(c, mesherr.InvalidRoute, "参数验证失败: "+err.Error())
		}
	}

	entry, err := h.table.AddRoute(c.Request().Context(), "/"+c.Param("*"), req.ServiceName)
	if err != nil {
		if _, isMesh := mesherr.As(err); isMesh {
			return RespondError(c, err)
		}
		// 内存路由已生效，只是持久化失败
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Error:   "persistence_failed",
			Message: err.Error(),
			Data:    entry,
		})
	}
	return ok(c, "路由已生效", entry)
}

// Delete 删除路由
func (h *RouteHandler) Delete(c echo.Context) error {
	prefix := route.NormalizePrefix("/" + c.Param("*"))
	removed, err := h.table.RemoveRoute(c.Request().Context(), prefix)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ServiceResponse{
			Code:    http.StatusInternalServerError,
			Error:   "persistence_failed",
			Message: err.Error(),
		})
	}

	message := "路由已删除"
	if !removed {
		message = "路由不存在，无需删除"
	}
	return ok(c, message, map[string]any{"prefix": prefix, "removed": removed})
}

// List 按匹配顺序返回路由表
func (h *RouteHandler) List(c echo.Context) error {
	routes := h.table.Routes()
	return ok(c, "success", map[string]any{
		"routes": routes,
		"total":  len(routes),
	})
}
