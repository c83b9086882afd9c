package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/storage"
)

// 监听中断后的重试间隔
const rewatchDelay = time.Second

var _ storage.RouteWatcher = (*RouteStorage)(nil)

// WatchRoutes 监听路由前缀下的变化，阻塞直到ctx取消
//
// 监听被取消（例如修订版本已被压缩）时重新读取全部路由并从最新版本继续监听，
// 中断期间被删除的路由以RouteDeleted补发。
func (s *RouteStorage) WatchRoutes(ctx context.Context, fn func(storage.RouteEvent)) error {
	cli := s.client.GetClient()
	prefix := s.client.GetRoutesPrefix()
	known := make(routeSet)

	for {
		routes, rev, err := s.snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		known.resync(routes, fn)

		watchCtx, cancel := context.WithCancel(ctx)
		watchChan := cli.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				if errors.Is(err, rpctypes.ErrCompacted) {
					break
				}
				continue
			}
			for _, ev := range watchResp.Events {
				if event, ok := s.decodeEvent(ev); ok {
					known.deliver(event, fn)
				}
			}
		}
		cancel()

		// ctx取消、监听中断或版本已压缩
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rewatchDelay):
		}
	}
}

// snapshot 读取当前全部路由，返回读取时的修订版本
func (s *RouteStorage) snapshot(ctx context.Context) ([]model.RouteEntry, int64, error) {
	resp, err := s.client.GetClient().Get(ctx, s.client.GetRoutesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("获取初始路由失败: %w", err)
	}

	routes := make([]model.RouteEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var route model.RouteEntry
		if err := json.Unmarshal(kv.Value, &route); err != nil {
			continue
		}
		routes = append(routes, route)
	}
	return routes, resp.Header.Revision, nil
}

// routeSet 已推送给调用方的路由前缀
type routeSet map[string]struct{}

func (s routeSet) deliver(ev storage.RouteEvent, fn func(storage.RouteEvent)) {
	switch ev.Type {
	case storage.RoutePut:
		s[ev.Route.Prefix] = struct{}{}
	case storage.RouteDeleted:
		delete(s, ev.Route.Prefix)
	}
	fn(ev)
}

// resync 以RoutePut回放当前路由，已推送但不在routes中的前缀补发RouteDeleted
func (s routeSet) resync(routes []model.RouteEntry, fn func(storage.RouteEvent)) {
	present := make(map[string]struct{}, len(routes))
	for _, route := range routes {
		present[route.Prefix] = struct{}{}
		s.deliver(storage.RouteEvent{Type: storage.RoutePut, Route: route}, fn)
	}

	var stale []string
	for prefix := range s {
		if _, ok := present[prefix]; !ok {
			stale = append(stale, prefix)
		}
	}
	sort.Strings(stale)
	for _, prefix := range stale {
		s.deliver(storage.RouteEvent{Type: storage.RouteDeleted, Route: model.RouteEntry{Prefix: prefix}}, fn)
	}
}

// decodeEvent 把etcd事件转换为路由事件，无法解析时返回false
func (s *RouteStorage) decodeEvent(ev *clientv3.Event) (storage.RouteEvent, bool) {
	switch ev.Type {
	case clientv3.EventTypePut:
		var route model.RouteEntry
		if err := json.Unmarshal(ev.Kv.Value, &route); err != nil {
			return storage.RouteEvent{}, false
		}
		return storage.RouteEvent{Type: storage.RoutePut, Route: route}, true
	case clientv3.EventTypeDelete:
		prefix, err := s.prefixFromKey(string(ev.Kv.Key))
		if err != nil {
			return storage.RouteEvent{}, false
		}
		return storage.RouteEvent{Type: storage.RouteDeleted, Route: model.RouteEntry{Prefix: prefix}}, true
	}
	return storage.RouteEvent{}, false
}

// prefixFromKey 从etcd键还原路由前缀，与GetRouteKey互逆
func (s *RouteStorage) prefixFromKey(key string) (string, error) {
	escaped := strings.TrimPrefix(key, s.client.GetRoutesPrefix())
	if escaped == key {
		return "", fmt.Errorf("键%s不在路由前缀下", key)
	}
	return url.PathUnescape(escaped)
}
