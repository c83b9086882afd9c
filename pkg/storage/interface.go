package storage

import (
	"context"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// RouteStorage 定义路由持久化接口
//
// 内存中的路由表是权威数据，存储只用于进程重启后恢复运行时添加的路由。
type RouteStorage interface {
	// ListRoutes 获取所有持久化的路由，按Seq升序
	ListRoutes(ctx context.Context) ([]model.RouteEntry, error)

	// SaveRoute 保存路由，相同前缀覆盖
	SaveRoute(ctx context.Context, route model.RouteEntry) error

	// DeleteRoute 删除路由，不存在时返回ErrNotFound
	DeleteRoute(ctx context.Context, prefix string) error

	// Close 释放存储占用的资源
	Close() error
}

// RouteEventType 路由变更类型
type RouteEventType int

const (
	// RoutePut 路由被添加或覆盖
	RoutePut RouteEventType = iota + 1
	// RouteDeleted 路由被删除，事件中只有Prefix有效
	RouteDeleted
)

// RouteEvent 存储中的一次路由变更
type RouteEvent struct {
	Type  RouteEventType
	Route model.RouteEntry
}

// RouteWatcher 由支持变更通知的存储实现，用于多个控制面副本之间同步运行时路由
type RouteWatcher interface {
	// WatchRoutes 先以RoutePut回放当前全部路由，然后持续推送变更，直到ctx取消
	WatchRoutes(ctx context.Context, fn func(RouteEvent)) error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{Code: ErrNotFound, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{Code: ErrInvalidArgument, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{Code: ErrInternal, Message: message}
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	se, ok := err.(*StorageError)
	return ok && se.Code == ErrNotFound
}
