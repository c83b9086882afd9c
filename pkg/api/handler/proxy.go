package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/proxy"
)

// ProxyHandler 把未被管理API匹配的请求交给代理
type ProxyHandler struct {
	proxy *proxy.Proxy
}

// NewProxyHandler 创建代理处理器
func NewProxyHandler(p *proxy.Proxy) *ProxyHandler {
	return &ProxyHandler{proxy: p}
}

// Forward 转发请求，转发前的失败转换为统一的错误响应
func (h *ProxyHandler) Forward(c echo.Context) error {
	if err := h.proxy.Forward(c.Response(), c.Request()); err != nil {
		return RespondError(c, err)
	}
	return nil
}
