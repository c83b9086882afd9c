package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// RouteStorage 实现基于etcd的路由存储
type RouteStorage struct {
	client *Client
}

// NewRouteStorage 创建etcd路由存储
func NewRouteStorage(client *Client) *RouteStorage {
	return &RouteStorage{client: client}
}

// ListRoutes 获取所有持久化的路由
func (s *RouteStorage) ListRoutes(ctx context.Context) ([]model.RouteEntry, error) {
	resp, err := s.client.GetClient().Get(ctx, s.client.GetRoutesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	routes := make([]model.RouteEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var route model.RouteEntry
		if err := json.Unmarshal(kv.Value, &route); err != nil {
			// 忽略无法解析的数据，继续处理其他数据
			continue
		}
		routes = append(routes, route)
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].Seq < routes[j].Seq })
	return routes, nil
}

// SaveRoute 保存路由
func (s *RouteStorage) SaveRoute(ctx context.Context, route model.RouteEntry) error {
	if route.Prefix == "" || route.ServiceName == "" {
		return storage.NewInvalidArgumentError("路由前缀和服务名不能为空")
	}

	data, err := json.Marshal(route)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("序列化路由数据失败: %v", err))
	}

	if _, err := s.client.GetClient().Put(ctx, s.client.GetRouteKey(route.Prefix), string(data)); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}
	return nil
}

// DeleteRoute 删除路由
func (s *RouteStorage) DeleteRoute(ctx context.Context, prefix string) error {
	if prefix == "" {
		return storage.NewInvalidArgumentError("路由前缀不能为空")
	}

	resp, err := s.client.GetClient().Delete(ctx, s.client.GetRouteKey(prefix))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("从etcd删除失败: %v", err))
	}
	if resp.Deleted == 0 {
		return storage.NewNotFoundError(fmt.Sprintf("路由不存在: %s", prefix))
	}
	return nil
}

// Close 关闭底层etcd连接
func (s *RouteStorage) Close() error {
	return s.client.Close()
}
