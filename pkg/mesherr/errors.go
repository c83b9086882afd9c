package mesherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 控制面错误类型
type Code int

// 定义错误代码
const (
	// InvalidInstance 注册参数无效
	InvalidInstance Code = iota + 1
	// NotRegistered 目标实例未注册
	NotRegistered
	// RouteNotFound 没有匹配的路由前缀
	RouteNotFound
	// ServiceUnavailable 没有可用实例或连接失败
	ServiceUnavailable
	// UpstreamTimeout 上游请求超时
	UpstreamTimeout
	// GatewayInternal 未预期的网关内部错误
	GatewayInternal
	// InvalidRoute 路由参数无效
	InvalidRoute
)

var codeNames = map[Code]string{
	InvalidInstance:    "invalid_instance",
	NotRegistered:      "not_registered",
	RouteNotFound:      "route_not_found",
	ServiceUnavailable: "service_unavailable",
	UpstreamTimeout:    "upstream_timeout",
	GatewayInternal:    "gateway_internal",
	InvalidRoute:       "invalid_route",
}

// String 返回错误代码的字符串形式
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// MeshError 控制面组件返回的类型化错误
type MeshError struct {
	Code    Code
	Message string
	Service string // 相关服务名（可选）
	Path    string // 相关请求路径（可选）
}

// Error 实现error接口
func (e *MeshError) Error() string {
	return e.Message
}

// HTTPStatus 将错误代码映射为HTTP状态码
func HTTPStatus(code Code) int {
	switch code {
	case InvalidInstance, InvalidRoute:
		return http.StatusBadRequest
	case NotRegistered, RouteNotFound:
		return http.StatusNotFound
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// As 从错误链中取出MeshError
func As(err error) (*MeshError, bool) {
	var me *MeshError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// Is 判断错误链中是否包含指定代码的MeshError
func Is(err error, code Code) bool {
	me, ok := As(err)
	return ok && me.Code == code
}

// NewInvalidInstanceError 创建注册参数无效错误
func NewInvalidInstanceError(message string) *MeshError {
	return &MeshError{Code: InvalidInstance, Message: message}
}

// NewNotRegisteredError 创建实例未注册错误
func NewNotRegisteredError(key string) *MeshError {
	return &MeshError{Code: NotRegistered, Message: "实例未注册: " + key}
}

// NewRouteNotFoundError 创建路由不存在错误
func NewRouteNotFoundError(path string) *MeshError {
	return &MeshError{Code: RouteNotFound, Message: "没有匹配的路由: " + path, Path: path}
}

// NewServiceUnavailableError 创建服务不可用错误
func NewServiceUnavailableError(service string) *MeshError {
	return &MeshError{Code: ServiceUnavailable, Message: "服务不可用: " + service, Service: service}
}

// NewUpstreamTimeoutError 创建上游超时错误
func NewUpstreamTimeoutError(service string) *MeshError {
	return &MeshError{Code: UpstreamTimeout, Message: "上游服务响应超时: " + service, Service: service}
}

// NewGatewayInternalError 创建网关内部错误，消息固定，不暴露内部细节
func NewGatewayInternalError() *MeshError {
	return &MeshError{Code: GatewayInternal, Message: "网关内部错误"}
}

// NewInvalidRouteError 创建路由参数无效错误
func NewInvalidRouteError(message string) *MeshError {
	return &MeshError{Code: InvalidRoute, Message: message}
}
