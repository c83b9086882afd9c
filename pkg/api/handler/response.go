package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/mesherr"
)

// ServiceResponse 统一响应结构
type ServiceResponse struct {
	Code    int    `json:"code"`
	Error   string `json:"error,omitempty"` // 错误代码，如route_not_found
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorDetail 错误相关的服务名和路径
type ErrorDetail struct {
	Service string `json:"service,omitempty"`
	Path    string `json:"path,omitempty"`
}

// RespondError 把组件返回的错误转换为HTTP响应
//
// 非MeshError一律按网关内部错误处理，不向调用方暴露内部信息。
func RespondError(c echo.Context, err error) error {
	me, ok := mesherr.As(err)
	if !ok {
		c.Logger().Errorf("未预期的错误: %v", err)
		me = mesherr.NewGatewayInternalError()
	}

	status := mesherr.HTTPStatus(me.Code)
	resp := ServiceResponse{
		Code:    status,
		Error:   me.Code.String(),
		Message: me.Message,
	}
	if me.Service != "" || me.Path != "" {
		resp.Data = ErrorDetail{Service: me.Service, Path: me.Path}
	}
	return c.JSON(status, resp)
}

// badRequest 返回400响应
func badRequest(c echo.Context, code mesherr.Code, message string) error {
	return c.JSON(http.StatusBadRequest, ServiceResponse{
		Code:    http.StatusBadRequest,
		Error:   code.String(),
		Message: message,
	})
}

// ok 返回200响应
func ok(c echo.Context, message string, data any) error {
	return c.JSON(http.StatusOK, ServiceResponse{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}
