package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

func TestLogObserver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	observe := NewLogObserver(config.NewLoggerFrom(zap.New(core)))

	key := model.InstanceKey{Name: "billing", Host: "10.0.0.1", Port: 8080}
	observe(Registered{Instance: model.ServiceInstance{Name: "billing", Host: "10.0.0.1", Port: 8080}})
	observe(Renewed{Key: key, At: time.Now()}) // Debug级别，不记录
	observe(MarkedUnreachable{Key: key, Silence: 45 * time.Second})
	observe(Evicted{Key: key, Silence: 95 * time.Second})

	require.Equal(t, 3, logs.Len())
	entries := logs.All()
	assert.Equal(t, "实例注册成功", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "billing/10.0.0.1:8080", entries[1].ContextMap()["instance"])
	assert.Equal(t, "实例心跳长时间缺失，已剔除", entries[2].Message)
}

func TestChain(t *testing.T) {
	var a, b int
	observe := chain(func(Event) { a++ }, nil, func(Event) { b++ })

	observe(Unregistered{})
	observe(Unregistered{})

	assert.Equal(t, 2, a)
	assert.Equal(t, 2, b)
}

func TestRegistryLogsAndNotifiesObserver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var events []Event
	reg := New(Options{
		TTL:        30 * time.Second,
		EvictAfter: 90 * time.Second,
		Observer:   func(ev Event) { events = append(events, ev) },
	}, config.NewLoggerFrom(zap.New(core)))

	key, err := reg.Register(model.ServiceInstance{Name: "billing", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	require.NoError(t, reg.Unregister(key))

	require.Len(t, events, 2)
	assert.IsType(t, Registered{}, events[0])
	assert.IsType(t, Unregistered{}, events[1])

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "实例注册成功", logs.All()[0].Message)
	assert.Equal(t, "实例已注销", logs.All()[1].Message)
}
