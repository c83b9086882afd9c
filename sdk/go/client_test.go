package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/apihandler"
	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/api/handler"
	"github.com/hewenyu/kong-mesh/pkg/health"
	"github.com/hewenyu/kong-mesh/pkg/model"
	"github.com/hewenyu/kong-mesh/pkg/proxy"
	"github.com/hewenyu/kong-mesh/pkg/registry"
	"github.com/hewenyu/kong-mesh/pkg/route"
)

// newMeshServer 启动一个使用真实路由的控制面
func newMeshServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()

	logger := config.NewNopLogger()
	reg := registry.New(registry.Options{TTL: 30 * time.Second, EvictAfter: 5 * time.Minute}, logger)
	table := route.NewTable(logger)
	metrics := handler.NewMetricsHandler(reg)

	h := apihandler.NewAPIHandler(&config.Config{}, logger, apihandler.Components{
		Registry:   reg,
		Routes:     table,
		Aggregator: health.NewAggregator(reg, health.Options{}, logger),
		Proxy:      proxy.New(table, reg, proxy.Options{Recorder: metrics}, logger),
		Metrics:    metrics,
	})

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return server, reg
}

func newTestClient(t *testing.T, server *httptest.Server, interval time.Duration) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		ServerAddr:        strings.TrimPrefix(server.URL, "http://"),
		ServiceName:       "orders",
		ServiceHost:       "10.0.0.1",
		ServicePort:       8080,
		HealthPath:        "/healthz",
		Version:           "v1",
		HeartbeatInterval: interval,
		Timeout:           2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"缺少服务器地址", Config{ServiceName: "a", ServiceHost: "h", ServicePort: 1}},
		{"缺少服务名", Config{ServerAddr: "x", ServiceHost: "h", ServicePort: 1}},
		{"缺少地址", Config{ServerAddr: "x", ServiceName: "a", ServicePort: 1}},
		{"端口无效", Config{ServerAddr: "x", ServiceName: "a", ServiceHost: "h", ServicePort: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			_, err := NewClient(&cfg)
			assert.Error(t, err)
		})
	}
}

func TestRegisterHeartbeatDeregister(t *testing.T) {
	server, reg := newMeshServer(t)
	client := newTestClient(t, server, time.Minute)
	ctx := context.Background()

	// 未注册时不能发送心跳
	assert.Error(t, client.SendHeartbeat(ctx))

	require.NoError(t, client.Register(ctx))
	assert.True(t, client.IsRegistered())
	assert.NotEmpty(t, client.GetInstanceID())
	assert.Equal(t, 30*time.Second, client.TTL())

	instances := reg.ListInstances("orders")
	require.Len(t, instances, 1)
	assert.Equal(t, "v1", instances[0].Version)
	assert.Equal(t, "/healthz", instances[0].HealthPath)
	assert.Equal(t, client.GetInstanceID(), instances[0].ID)

	require.NoError(t, client.SendHeartbeat(ctx))

	require.NoError(t, client.Deregister(ctx))
	assert.False(t, client.IsRegistered())
	assert.Empty(t, reg.ListInstances("orders"))
}

func TestHeartbeatAfterEvictionReportsNotRegistered(t *testing.T) {
	server, reg := newMeshServer(t)
	client := newTestClient(t, server, time.Minute)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	require.NoError(t, reg.Unregister(model.InstanceKey{Name: "orders", Host: "10.0.0.1", Port: 8080}))

	err := client.SendHeartbeat(ctx)
	require.Error(t, err)
	assert.True(t, IsNotRegistered(err))
}

func TestHeartbeatLoopReregisters(t *testing.T) {
	server, reg := newMeshServer(t)
	client := newTestClient(t, server, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	require.NoError(t, reg.Unregister(model.InstanceKey{Name: "orders", Host: "10.0.0.1", Port: 8080}))
	require.Empty(t, reg.ListInstances("orders"))

	client.StartHeartbeat()
	defer client.StopHeartbeat()

	assert.Eventually(t, func() bool {
		return len(reg.ListInstances("orders")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseStopsHeartbeatAndDeregisters(t *testing.T) {
	server, reg := newMeshServer(t)
	client := newTestClient(t, server, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx))
	client.StartHeartbeat()
	// 重复启动会替换原有任务
	client.StartHeartbeat()

	require.NoError(t, client.Close(ctx))
	assert.False(t, client.IsRegistered())
	assert.Empty(t, reg.ListInstances("orders"))

	// 关闭后心跳不再重新注册
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, reg.ListInstances("orders"))
}

func TestHeartbeatIntervalDefaultsToThirdOfTTL(t *testing.T) {
	server, _ := newMeshServer(t)
	client := newTestClient(t, server, 0)

	assert.Equal(t, 10*time.Second, client.heartbeatInterval())

	require.NoError(t, client.Register(context.Background()))
	assert.Equal(t, 10*time.Second, client.heartbeatInterval())
}

func TestAPIErrorFromNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":400,"error":"invalid_instance","message":"端口无效"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, time.Minute)
	err := client.Register(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_instance", apiErr.Code)
	assert.False(t, IsNotRegistered(err))
}
