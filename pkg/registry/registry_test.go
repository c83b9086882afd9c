package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder 记录收到的事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *eventRecorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &eventRecorder{}
	reg := New(Options{
		TTL:        30 * time.Second,
		EvictAfter: 90 * time.Second,
		Observer:   rec.observe,
		Now:        clock.Now,
	}, config.NewNopLogger())
	return reg, clock, rec
}

func instance(name, host string, port int) model.ServiceInstance {
	return model.ServiceInstance{Name: name, Host: host, Port: port, Version: "v1"}
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	cases := []model.ServiceInstance{
		instance("", "10.0.0.1", 8080),
		instance("billing", "", 8080),
		instance("billing", "10.0.0.1", 0),
		instance("billing", "10.0.0.1", 70000),
	}
	for _, inst := range cases {
		_, err := reg.Register(inst)
		require.Error(t, err)
		assert.True(t, mesherr.Is(err, mesherr.InvalidInstance), "应返回InvalidInstance错误")
	}
	assert.Empty(t, reg.ListInstances(""))
}

func TestRegisterDefaults(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	key, err := reg.Register(model.ServiceInstance{Name: "billing", Host: "10.0.0.1", Port: 8080, HealthPath: "ready"})
	require.NoError(t, err)

	inst, err := reg.Get(key)
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID, "应生成实例ID")
	assert.Equal(t, model.StatusHealthy, inst.Status)
	assert.Equal(t, "/ready", inst.HealthPath)
	assert.Equal(t, clock.Now(), inst.LastHeartbeat)
	assert.Equal(t, clock.Now(), inst.RegisteredAt)

	key2, err := reg.Register(instance("billing", "10.0.0.2", 8080))
	require.NoError(t, err)
	inst2, _ := reg.Get(key2)
	assert.Equal(t, model.DefaultHealthPath, inst2.HealthPath)
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)

	key, err := reg.Register(instance("billing", "10.0.0.1", 8080))
	require.NoError(t, err)
	first, _ := reg.Get(key)

	clock.Advance(5 * time.Second)
	inst := instance("billing", "10.0.0.1", 8080)
	inst.Version = "v2"
	key2, err := reg.Register(inst)
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	list := reg.ListInstances("billing")
	require.Len(t, list, 1, "重复注册不应产生重复实例")
	assert.Equal(t, "v2", list[0].Version)
	assert.Equal(t, first.ID, list[0].ID, "重复注册应保留原ID")
	assert.Equal(t, clock.Now(), list[0].LastHeartbeat)
	assert.Equal(t, first.RegisteredAt, list[0].RegisteredAt)

	events := rec.all()
	require.Len(t, events, 2)
	assert.False(t, events[0].(Registered).Renewed)
	assert.True(t, events[1].(Registered).Renewed)
}

func TestRegisterHeartbeatUnregisterLifecycle(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	key, err := reg.Register(instance("agent-management", "10.0.0.1", 9000))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		require.NoError(t, reg.Heartbeat(key))
	}

	inst, _ := reg.Get(key)
	assert.Equal(t, clock.Now(), inst.LastHeartbeat)

	require.NoError(t, reg.Unregister(key))
	assert.Empty(t, reg.ListInstances("agent-management"))
	assert.Empty(t, reg.Services())

	// 重复注销不报错
	require.NoError(t, reg.Unregister(key))

	// 注销后的心跳返回NotRegistered
	err = reg.Heartbeat(key)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.NotRegistered))
}

func TestHeartbeatUsesMaxTimestamp(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	key, err := reg.Register(instance("billing", "10.0.0.1", 8080))
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	latest := clock.Now()
	require.NoError(t, reg.HeartbeatAt(key, latest))

	// 乱序到达的旧心跳被忽略
	require.NoError(t, reg.HeartbeatAt(key, latest.Add(-15*time.Second)))
	inst, _ := reg.Get(key)
	assert.Equal(t, latest, inst.LastHeartbeat, "旧心跳不应回退时间")

	// 未来时间被截断到当前时间
	require.NoError(t, reg.HeartbeatAt(key, latest.Add(time.Hour)))
	inst, _ = reg.Get(key)
	assert.Equal(t, clock.Now(), inst.LastHeartbeat)
}

func TestSweepMarksUnreachableThenEvicts(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)

	// billing 注册一个实例，45秒内没有心跳
	key, err := reg.Register(instance("billing", "10.0.0.1", 8080))
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	result := reg.Sweep(clock.Now())
	assert.Equal(t, SweepResult{MarkedUnreachable: 1}, result)

	inst, err := reg.Get(key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnreachable, inst.Status)
	assert.Equal(t, clock.Now(), inst.UnreachableSince)

	// 再次清扫不会重复标记
	assert.Equal(t, SweepResult{}, reg.Sweep(clock.Now()))

	// 没有健康实例时仍可选中不可达实例
	selected, err := reg.SelectInstance("billing")
	require.NoError(t, err)
	assert.Equal(t, key, selected.Key())

	clock.Advance(50 * time.Second)
	result = reg.Sweep(clock.Now())
	assert.Equal(t, SweepResult{Evicted: 1}, result)
	assert.Empty(t, reg.ListInstances("billing"))

	_, err = reg.SelectInstance("billing")
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.ServiceUnavailable))

	var kinds []string
	for _, ev := range rec.all() {
		switch ev.(type) {
		case Registered:
			kinds = append(kinds, "registered")
		case MarkedUnreachable:
			kinds = append(kinds, "unreachable")
		case Evicted:
			kinds = append(kinds, "evicted")
		}
	}
	assert.Equal(t, []string{"registered", "unreachable", "evicted"}, kinds)
}

func TestHeartbeatRecoversUnreachable(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)

	key, _ := reg.Register(instance("billing", "10.0.0.5", 9000))
	clock.Advance(31 * time.Second)
	reg.Sweep(clock.Now())

	require.NoError(t, reg.Heartbeat(key))
	inst, _ := reg.Get(key)
	assert.Equal(t, model.StatusHealthy, inst.Status)
	assert.True(t, inst.UnreachableSince.IsZero())

	events := rec.all()
	_, ok := events[len(events)-1].(Recovered)
	assert.True(t, ok, "最后一个事件应为Recovered")
}

func TestHeartbeatDoesNotClearUnhealthy(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	key, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	require.NoError(t, reg.ReportProbe(key, model.StatusUnhealthy, clock.Now()))

	clock.Advance(time.Second)
	require.NoError(t, reg.Heartbeat(key))

	inst, _ := reg.Get(key)
	assert.Equal(t, model.StatusUnhealthy, inst.Status, "心跳不应覆盖健康检查结果")
}

func TestSelectInstanceRoundRobin(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	keys := make([]model.InstanceKey, 0, 3)
	for i, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		key, err := reg.Register(instance("billing", host, 8080+i))
		require.NoError(t, err)
		keys = append(keys, key)
	}

	seen := make(map[model.InstanceKey]int)
	for i := 0; i < 9; i++ {
		inst, err := reg.SelectInstance("billing")
		require.NoError(t, err)
		assert.Equal(t, keys[i%3], inst.Key(), "应按注册顺序轮询")
		seen[inst.Key()]++
	}
	for _, key := range keys {
		assert.Equal(t, 3, seen[key])
	}
}

func TestSelectInstanceSkipsUnhealthy(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	var healthy model.InstanceKey
	for i, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		key, err := reg.Register(instance("billing", host, 8080))
		require.NoError(t, err)
		if i == 1 {
			healthy = key
			continue
		}
		require.NoError(t, reg.ReportProbe(key, model.StatusUnhealthy, clock.Now()))
	}

	for i := 0; i < 10; i++ {
		inst, err := reg.SelectInstance("billing")
		require.NoError(t, err)
		assert.Equal(t, healthy, inst.Key(), "只应选中健康实例")
	}
}

func TestSelectInstanceFallsBackToMostRecentHeartbeat(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	first, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	second, _ := reg.Register(instance("billing", "10.0.0.2", 8080))

	clock.Advance(5 * time.Second)
	require.NoError(t, reg.Heartbeat(second))

	require.NoError(t, reg.ReportProbe(first, model.StatusUnhealthy, clock.Now()))
	require.NoError(t, reg.ReportProbe(second, model.StatusUnhealthy, clock.Now()))

	inst, err := reg.SelectInstance("billing")
	require.NoError(t, err)
	assert.Equal(t, second, inst.Key())

	_, err = reg.SelectInstance("unknown")
	assert.True(t, mesherr.Is(err, mesherr.ServiceUnavailable))
}

func TestReportProbe(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)

	key, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	before, _ := reg.Get(key)

	clock.Advance(10 * time.Second)

	// 不可达的探测结果不改变状态
	require.NoError(t, reg.ReportProbe(key, model.StatusUnreachable, clock.Now()))
	inst, _ := reg.Get(key)
	assert.Equal(t, model.StatusHealthy, inst.Status)

	require.NoError(t, reg.ReportProbe(key, model.StatusUnhealthy, clock.Now()))
	inst, _ = reg.Get(key)
	assert.Equal(t, model.StatusUnhealthy, inst.Status)
	assert.Equal(t, before.LastHeartbeat, inst.LastHeartbeat, "探测不应刷新心跳")

	require.NoError(t, reg.ReportProbe(key, model.StatusHealthy, clock.Now()))
	inst, _ = reg.Get(key)
	assert.Equal(t, model.StatusHealthy, inst.Status)

	var changes int
	for _, ev := range rec.all() {
		if _, ok := ev.(StatusChanged); ok {
			changes++
		}
	}
	assert.Equal(t, 2, changes)

	err := reg.ReportProbe(model.InstanceKey{Name: "x", Host: "h", Port: 1}, model.StatusHealthy, clock.Now())
	assert.True(t, mesherr.Is(err, mesherr.NotRegistered))
}

func TestReportProbeHealthyClearsUnreachable(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	key, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	clock.Advance(40 * time.Second)
	reg.Sweep(clock.Now())

	// 失败的探测不覆盖TTL标记
	require.NoError(t, reg.ReportProbe(key, model.StatusUnhealthy, clock.Now()))
	inst, _ := reg.Get(key)
	assert.Equal(t, model.StatusUnreachable, inst.Status)

	require.NoError(t, reg.ReportProbe(key, model.StatusHealthy, clock.Now()))
	inst, _ = reg.Get(key)
	assert.Equal(t, model.StatusHealthy, inst.Status)
	assert.True(t, inst.UnreachableSince.IsZero())
}

func TestFindKey(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	k1, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	k2, _ := reg.Register(instance("billing", "10.0.0.2", 8080))
	k3, _ := reg.Register(instance("billing", "10.0.0.2", 9090))

	key, err := reg.FindKey("billing", "", 9090)
	require.NoError(t, err)
	assert.Equal(t, k3, key)

	_, err = reg.FindKey("billing", "", 8080)
	assert.True(t, mesherr.Is(err, mesherr.InvalidInstance), "多个匹配时应要求指定host")

	key, err = reg.FindKey("billing", "10.0.0.1", 8080)
	require.NoError(t, err)
	assert.Equal(t, k1, key)

	key, err = reg.FindKey("billing", "10.0.0.2", 8080)
	require.NoError(t, err)
	assert.Equal(t, k2, key)

	_, err = reg.FindKey("billing", "", 7070)
	assert.True(t, mesherr.Is(err, mesherr.NotRegistered))

	_, err = reg.FindKey("billing", "10.0.0.9", 8080)
	assert.True(t, mesherr.Is(err, mesherr.NotRegistered))
}

func TestListInstancesOrderAndCounts(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	_, _ = reg.Register(instance("billing", "10.0.0.1", 8080))
	_, _ = reg.Register(instance("agent-management", "10.0.0.2", 9000))
	k3, _ := reg.Register(instance("billing", "10.0.0.3", 8080))

	all := reg.ListInstances("")
	require.Len(t, all, 3)
	assert.Equal(t, "10.0.0.1", all[0].Host)
	assert.Equal(t, "agent-management", all[1].Name)
	assert.Equal(t, "10.0.0.3", all[2].Host)

	assert.Equal(t, []string{"agent-management", "billing"}, reg.Services())
	assert.Empty(t, reg.ListInstances("unknown"))

	require.NoError(t, reg.ReportProbe(k3, model.StatusUnhealthy, clock.Now()))
	counts := reg.Counts()
	assert.Equal(t, 2, counts[model.StatusHealthy])
	assert.Equal(t, 1, counts[model.StatusUnhealthy])
	assert.Equal(t, 0, counts[model.StatusUnreachable])
}

func TestListInstancesReturnsCopies(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	key, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	list := reg.ListInstances("billing")
	list[0].Status = model.StatusUnreachable

	inst, _ := reg.Get(key)
	assert.Equal(t, model.StatusHealthy, inst.Status, "修改返回值不应影响注册中心")
}

func TestConcurrentAccess(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := reg.Register(instance("billing", "10.0.0.1", 8000+i))
			if err != nil {
				return
			}
			for j := 0; j < 20; j++ {
				_ = reg.Heartbeat(key)
				_, _ = reg.SelectInstance("billing")
				_ = reg.ListInstances("")
				reg.Sweep(clock.Now())
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, reg.ListInstances("billing"), 20)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clock := newFakeClock()
	reg := New(Options{
		TTL:        30 * time.Second,
		EvictAfter: 90 * time.Second,
		Now:        clock.Now,
	}, config.NewNopLogger())

	key, _ := reg.Register(instance("billing", "10.0.0.1", 8080))
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := reg.Get(key)
		return err != nil
	}, time.Second, 10*time.Millisecond, "后台清扫应剔除过期实例")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run未在ctx取消后退出")
	}
}

func TestZeroOptionsUseDefaults(t *testing.T) {
	reg := New(Options{}, config.NewNopLogger())
	assert.Equal(t, DefaultTTL, reg.TTL())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// 间隔为0时取TTL的一半
		reg.Run(ctx, 0)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run未在ctx取消后退出")
	}

	// 新实例不会在默认TTL内被清扫
	key, err := reg.Register(instance("billing", "10.0.0.1", 8080))
	require.NoError(t, err)
	reg.Sweep(time.Now().Add(DefaultTTL / 2))
	inst, err := reg.Get(key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHealthy, inst.Status)
}

func TestObserverPanicIsRecovered(t *testing.T) {
	reg := New(Options{
		TTL:        time.Second,
		EvictAfter: 2 * time.Second,
		Observer:   func(Event) { panic("boom") },
	}, config.NewNopLogger())

	assert.NotPanics(t, func() {
		_, err := reg.Register(instance("billing", "10.0.0.1", 8080))
		require.NoError(t, err)
	})
}
