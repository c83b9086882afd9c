package route

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// Table 路径前缀到逻辑服务名的路由表
type Table struct {
	mu      sync.RWMutex
	entries map[string]model.RouteEntry
	ordered []model.RouteEntry // 匹配顺序：前缀长度降序，Seq升序
	seq     uint64
	store   storage.RouteStorage
	logger  config.Logger
}

// Option 路由表可选参数
type Option func(*Table)

// WithStore 为路由表设置持久化存储
func WithStore(store storage.RouteStorage) Option {
	return func(t *Table) {
		t.store = store
	}
}

// NewTable 创建路由表
func NewTable(logger config.Logger, opts ...Option) *Table {
	t := &Table{
		entries: make(map[string]model.RouteEntry),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NormalizePrefix 规范化路由前缀：以'/'开头，不以'/'结尾（根路径除外）
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return path.Clean("/" + prefix)
}

// AddStatic 添加静态配置的路由，不写入持久化存储
func (t *Table) AddStatic(prefix, service string) (model.RouteEntry, error) {
	return t.add(prefix, service)
}

// AddRoute 添加或覆盖路由，并写入持久化存储
//
// 存储失败时内存中的路由已经生效，错误返回给调用方。
func (t *Table) AddRoute(ctx context.Context, prefix, service string) (model.RouteEntry, error) {
	entry, err := t.add(prefix, service)
	if err != nil {
		return model.RouteEntry{}, err
	}

	if t.store != nil {
		if err := t.store.SaveRoute(ctx, entry); err != nil {
			t.logger.Error("路由持久化失败", zap.String("prefix", entry.Prefix), zap.Error(err))
			return entry, fmt.Errorf("路由已生效但持久化失败: %w", err)
		}
	}
	return entry, nil
}

// RemoveRoute 删除路由，路由不存在时返回false
func (t *Table) RemoveRoute(ctx context.Context, prefix string) (bool, error) {
	prefix = NormalizePrefix(prefix)
	if !t.remove(prefix) {
		return false, nil
	}

	if t.store != nil {
		if err := t.store.DeleteRoute(ctx, prefix); err != nil && !storage.IsNotFound(err) {
			t.logger.Error("删除持久化路由失败", zap.String("prefix", prefix), zap.Error(err))
			return true, fmt.Errorf("路由已删除但持久化失败: %w", err)
		}
	}
	return true, nil
}

// Resolve 返回与路径匹配的最长前缀对应的服务名
func (t *Table) Resolve(reqPath string) (string, error) {
	entry, err := t.Match(reqPath)
	if err != nil {
		return "", err
	}
	return entry.ServiceName, nil
}

// Match 返回与路径匹配的路由项
func (t *Table) Match(reqPath string) (model.RouteEntry, error) {
	if i := strings.IndexByte(reqPath, '?'); i >= 0 {
		reqPath = reqPath[:i]
	}
	if reqPath == "" {
		reqPath = "/"
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.ordered {
		if matchPrefix(e.Prefix, reqPath) {
			return e, nil
		}
	}
	return model.RouteEntry{}, mesherr.NewRouteNotFoundError(reqPath)
}

// Routes 按匹配顺序返回路由表快照
func (t *Table) Routes() []model.RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]model.RouteEntry, len(t.ordered))
	copy(result, t.ordered)
	return result
}

// Load 从持久化存储恢复路由，持久化的路由排在静态路由之后
func (t *Table) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}

	routes, err := t.store.ListRoutes(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载持久化路由失败: %w", err)
	}

	loaded := 0
	for _, r := range routes {
		if _, err := t.add(r.Prefix, r.ServiceName); err != nil {
			t.logger.Warn("忽略无效的持久化路由",
				zap.String("prefix", r.Prefix),
				zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (t *Table) add(prefix, service string) (model.RouteEntry, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return model.RouteEntry{}, mesherr.NewInvalidRouteError("路由必须指定服务名")
	}
	if strings.TrimSpace(prefix) == "" {
		return model.RouteEntry{}, mesherr.NewInvalidRouteError("路由前缀不能为空")
	}
	prefix = NormalizePrefix(prefix)

	t.mu.Lock()
	entry, exists := t.entries[prefix]
	previous := entry.ServiceName
	if !exists {
		t.seq++
		entry = model.RouteEntry{Prefix: prefix, Seq: t.seq}
	}
	entry.ServiceName = service
	t.entries[prefix] = entry
	t.rebuildLocked()
	t.mu.Unlock()

	if exists {
		t.logger.Info("路由已覆盖",
			zap.String("prefix", prefix),
			zap.String("from", previous),
			zap.String("to", service))
	} else {
		t.logger.Info("路由已添加",
			zap.String("prefix", prefix),
			zap.String("service", service),
			zap.Uint64("seq", entry.Seq))
	}
	return entry, nil
}

// ApplyEvent 应用其他控制面副本写入存储的路由变更，不回写存储
func (t *Table) ApplyEvent(ev storage.RouteEvent) {
	switch ev.Type {
	case storage.RoutePut:
		prefix := NormalizePrefix(ev.Route.Prefix)
		t.mu.RLock()
		current, exists := t.entries[prefix]
		t.mu.RUnlock()
		// 本副本自己的写入也会回流，内容相同时忽略
		if exists && current.ServiceName == ev.Route.ServiceName {
			return
		}
		if _, err := t.add(ev.Route.Prefix, ev.Route.ServiceName); err != nil {
			t.logger.Warn("忽略无效的远端路由", zap.String("prefix", ev.Route.Prefix), zap.Error(err))
		}
	case storage.RouteDeleted:
		t.remove(NormalizePrefix(ev.Route.Prefix))
	}
}

// remove 只从内存中删除路由
func (t *Table) remove(prefix string) bool {
	t.mu.Lock()
	entry, ok := t.entries[prefix]
	if ok {
		delete(t.entries, prefix)
		t.rebuildLocked()
	}
	t.mu.Unlock()

	if ok {
		t.logger.Info("路由已删除",
			zap.String("prefix", entry.Prefix),
			zap.String("service", entry.ServiceName))
	}
	return ok
}

// rebuildLocked 重建匹配顺序，调用方必须持有写锁
func (t *Table) rebuildLocked() {
	ordered := make([]model.RouteEntry, 0, len(t.entries))
	for _, e := range t.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].Prefix) != len(ordered[j].Prefix) {
			return len(ordered[i].Prefix) > len(ordered[j].Prefix)
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	t.ordered = ordered
}

// matchPrefix 按路径段边界匹配前缀
func matchPrefix(prefix, reqPath string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, prefix) {
		return false
	}
	return len(reqPath) == len(prefix) || reqPath[len(prefix)] == '/'
}
