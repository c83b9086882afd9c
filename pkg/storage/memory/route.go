package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// 每个监听者的事件缓冲，满时丢弃新事件
const watchBuffer = 64

// RouteStorage 是基于内存的路由存储实现，主要用于测试和单机运行
type RouteStorage struct {
	routes   map[string]model.RouteEntry
	watchers map[int]chan storage.RouteEvent
	nextID   int
	mutex    sync.RWMutex
}

// NewRouteStorage 创建新的内存路由存储
func NewRouteStorage() *RouteStorage {
	return &RouteStorage{
		routes:   make(map[string]model.RouteEntry),
		watchers: make(map[int]chan storage.RouteEvent),
	}
}

var _ storage.RouteWatcher = (*RouteStorage)(nil)

// ListRoutes 获取所有路由
func (m *RouteStorage) ListRoutes(ctx context.Context) ([]model.RouteEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedLocked(), nil
}

func (m *RouteStorage) sortedLocked() []model.RouteEntry {
	result := make([]model.RouteEntry, 0, len(m.routes))
	for _, r := range m.routes {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// WatchRoutes 回放当前路由后持续推送变更，阻塞直到ctx取消
func (m *RouteStorage) WatchRoutes(ctx context.Context, fn func(storage.RouteEvent)) error {
	m.mutex.Lock()
	snapshot := m.sortedLocked()
	ch := make(chan storage.RouteEvent, watchBuffer)
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		delete(m.watchers, id)
		m.mutex.Unlock()
	}()

	for _, r := range snapshot {
		fn(storage.RouteEvent{Type: storage.RoutePut, Route: r})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			fn(ev)
		}
	}
}

// notifyLocked 通知所有监听者，调用方必须持有写锁
func (m *RouteStorage) notifyLocked(ev storage.RouteEvent) {
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SaveRoute 保存路由
func (m *RouteStorage) SaveRoute(ctx context.Context, route model.RouteEntry) error {
	if route.Prefix == "" || route.ServiceName == "" {
		return storage.NewInvalidArgumentError("路由前缀和服务名不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.routes[route.Prefix] = route
	m.notifyLocked(storage.RouteEvent{Type: storage.RoutePut, Route: route})
	return nil
}

// DeleteRoute 删除路由
func (m *RouteStorage) DeleteRoute(ctx context.Context, prefix string) error {
	if prefix == "" {
		return storage.NewInvalidArgumentError("路由前缀不能为空")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.routes[prefix]; !exists {
		return storage.NewNotFoundError("路由不存在: " + prefix)
	}
	delete(m.routes, prefix)
	m.notifyLocked(storage.RouteEvent{Type: storage.RouteDeleted, Route: model.RouteEntry{Prefix: prefix}})
	return nil
}

// Close 内存存储无需释放资源
func (m *RouteStorage) Close() error {
	return nil
}
