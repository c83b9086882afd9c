package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// DefaultTTL 未配置时的心跳超时，剔除时间不大于TTL时取TTL的3倍
const DefaultTTL = 30 * time.Second

// Options 注册中心参数
type Options struct {
	TTL        time.Duration    // 心跳超时，超过后标记为不可达
	EvictAfter time.Duration    // 心跳超时，超过后剔除
	Observer   Observer         // 额外的事件观察者，事件总会先记录日志
	Now        func() time.Time // 时钟，为nil时使用time.Now
}

// Registry 服务实例注册中心
//
// 所有状态只存在于进程内存中，进程重启后由实例重新注册恢复。
// 心跳、TTL清扫、健康检查回写都通过同一把锁串行化。
type Registry struct {
	mu         sync.RWMutex
	services   map[string]*serviceState
	index      map[model.InstanceKey]*entry
	seq        uint64
	ttl        time.Duration
	evictAfter time.Duration
	observer   Observer
	now        func() time.Time
	logger     config.Logger
}

// serviceState 单个逻辑服务的实例列表与轮询游标
type serviceState struct {
	instances []*entry // 按注册顺序
	cursor    atomic.Uint64
}

type entry struct {
	instance model.ServiceInstance
	seq      uint64
}

// SweepResult 一次清扫的结果
type SweepResult struct {
	MarkedUnreachable int
	Evicted           int
}

// New 创建注册中心
func New(opts Options, logger config.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.EvictAfter <= opts.TTL {
		opts.EvictAfter = 3 * opts.TTL
	}
	opts.Observer = chain(NewLogObserver(logger), opts.Observer)
	return &Registry{
		services:   make(map[string]*serviceState),
		index:      make(map[model.InstanceKey]*entry),
		ttl:        opts.TTL,
		evictAfter: opts.EvictAfter,
		observer:   opts.Observer,
		now:        opts.Now,
		logger:     logger,
	}
}

// TTL 返回心跳超时
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register 注册服务实例，相同 (name, host, port) 重复注册时只刷新心跳和版本
func (r *Registry) Register(inst model.ServiceInstance) (model.InstanceKey, error) {
	inst.Name = strings.TrimSpace(inst.Name)
	inst.Host = strings.TrimSpace(inst.Host)
	if inst.Name == "" || inst.Host == "" || inst.Port <= 0 || inst.Port > 65535 {
		return model.InstanceKey{}, mesherr.NewInvalidInstanceError("服务名、主机和端口都是必需的，端口范围为1-65535")
	}
	inst.HealthPath = normalizeHealthPath(inst.HealthPath)
	key := inst.Key()

	r.mu.Lock()
	now := r.now()
	var ev Event
	if e, ok := r.index[key]; ok {
		if now.After(e.instance.LastHeartbeat) {
			e.instance.LastHeartbeat = now
		}
		e.instance.Version = inst.Version
		e.instance.HealthPath = inst.HealthPath
		e.instance.Status = model.StatusHealthy
		e.instance.UnreachableSince = time.Time{}
		ev = Registered{Instance: e.instance, Renewed: true}
	} else {
		r.seq++
		inst.ID = uuid.NewString()
		inst.Status = model.StatusHealthy
		inst.RegisteredAt = now
		inst.LastHeartbeat = now
		inst.UnreachableSince = time.Time{}
		e := &entry{instance: inst, seq: r.seq}
		r.index[key] = e
		state, ok := r.services[key.Name]
		if !ok {
			state = &serviceState{}
			r.services[key.Name] = state
		}
		state.instances = append(state.instances, e)
		ev = Registered{Instance: inst}
	}
	r.mu.Unlock()

	r.emit(ev)
	return key, nil
}

// Heartbeat 刷新实例心跳
func (r *Registry) Heartbeat(key model.InstanceKey) error {
	return r.HeartbeatAt(key, r.now())
}

// HeartbeatAt 使用指定时间刷新心跳，早于当前记录的心跳会被忽略
func (r *Registry) HeartbeatAt(key model.InstanceKey, at time.Time) error {
	r.mu.Lock()
	e, ok := r.index[key]
	if !ok {
		r.mu.Unlock()
		return mesherr.NewNotRegisteredError(key.String())
	}

	if now := r.now(); at.After(now) {
		at = now
	}
	if at.Before(e.instance.LastHeartbeat) {
		r.mu.Unlock()
		return nil
	}

	e.instance.LastHeartbeat = at
	var ev Event = Renewed{Key: key, At: at}
	if e.instance.Status == model.StatusUnreachable {
		e.instance.Status = model.StatusHealthy
		e.instance.UnreachableSince = time.Time{}
		ev = Recovered{Key: key, At: at}
	}
	r.mu.Unlock()

	r.emit(ev)
	return nil
}

// Unregister 注销实例，实例不存在时不报错
func (r *Registry) Unregister(key model.InstanceKey) error {
	r.mu.Lock()
	_, ok := r.index[key]
	if ok {
		r.removeLocked(key)
	}
	r.mu.Unlock()

	if ok {
		r.emit(Unregistered{Key: key})
	}
	return nil
}

// Get 返回单个实例的副本
func (r *Registry) Get(key model.InstanceKey) (model.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index[key]
	if !ok {
		return model.ServiceInstance{}, mesherr.NewNotRegisteredError(key.String())
	}
	return e.instance, nil
}

// FindKey 根据服务名、端口和可选的主机定位实例
func (r *Registry) FindKey(name, host string, port int) (model.InstanceKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if host != "" {
		key := model.InstanceKey{Name: name, Host: host, Port: port}
		if _, ok := r.index[key]; !ok {
			return model.InstanceKey{}, mesherr.NewNotRegisteredError(key.String())
		}
		return key, nil
	}

	var matches []model.InstanceKey
	if state, ok := r.services[name]; ok {
		for _, e := range state.instances {
			if e.instance.Port == port {
				matches = append(matches, e.instance.Key())
			}
		}
	}

	switch len(matches) {
	case 0:
		return model.InstanceKey{}, mesherr.NewNotRegisteredError(model.InstanceKey{Name: name, Port: port}.String())
	case 1:
		return matches[0], nil
	default:
		return model.InstanceKey{}, mesherr.NewInvalidInstanceError("多个主机上存在相同服务名和端口的实例，请指定host")
	}
}

// ListInstances 按注册顺序返回指定服务的实例，name为空时返回全部实例
func (r *Registry) ListInstances(name string) []model.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != "" {
		state, ok := r.services[name]
		if !ok {
			return []model.ServiceInstance{}
		}
		result := make([]model.ServiceInstance, 0, len(state.instances))
		for _, e := range state.instances {
			result = append(result, e.instance)
		}
		return result
	}

	entries := make([]*entry, 0, len(r.index))
	for _, e := range r.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	result := make([]model.ServiceInstance, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.instance)
	}
	return result
}

// Services 返回已注册的服务名（按字典序）
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts 按状态统计实例数量
func (r *Registry) Counts() map[model.InstanceStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[model.InstanceStatus]int{
		model.StatusHealthy:     0,
		model.StatusUnhealthy:   0,
		model.StatusUnreachable: 0,
	}
	for _, e := range r.index {
		counts[e.instance.Status]++
	}
	return counts
}

// SelectInstance 在健康实例间轮询选择一个实例
//
// 没有健康实例时退回到最近一次心跳最新的实例，只有完全没有实例时才返回ServiceUnavailable。
func (r *Registry) SelectInstance(name string) (model.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.services[name]
	if !ok || len(state.instances) == 0 {
		return model.ServiceInstance{}, mesherr.NewServiceUnavailableError(name)
	}

	healthy := make([]*entry, 0, len(state.instances))
	for _, e := range state.instances {
		if e.instance.IsHealthy() {
			healthy = append(healthy, e)
		}
	}

	if len(healthy) > 0 {
		n := state.cursor.Add(1) - 1
		return healthy[n%uint64(len(healthy))].instance, nil
	}

	best := state.instances[0]
	for _, e := range state.instances[1:] {
		if e.instance.LastHeartbeat.After(best.instance.LastHeartbeat) {
			best = e
		}
	}
	return best.instance, nil
}

// ReportProbe 回写健康检查结果
//
// 探测成功会清除TTL清扫设置的不可达状态；探测失败(非2xx)标记为不健康；
// 探测无法连接的结果只记录在快照里，不可达状态由TTL清扫负责。探测不会修改心跳时间。
func (r *Registry) ReportProbe(key model.InstanceKey, status model.InstanceStatus, at time.Time) error {
	if status == model.StatusUnreachable {
		return nil
	}

	r.mu.Lock()
	e, ok := r.index[key]
	if !ok {
		r.mu.Unlock()
		return mesherr.NewNotRegisteredError(key.String())
	}

	from := e.instance.Status
	if from == status || (status == model.StatusUnhealthy && from == model.StatusUnreachable) {
		r.mu.Unlock()
		return nil
	}
	e.instance.Status = status
	e.instance.UnreachableSince = time.Time{}
	r.mu.Unlock()

	r.emit(StatusChanged{Key: key, From: from, To: status, At: at})
	return nil
}

// Sweep 执行一次TTL清扫
func (r *Registry) Sweep(now time.Time) SweepResult {
	var (
		result SweepResult
		events []Event
	)

	r.mu.Lock()
	for key, e := range r.index {
		silence := now.Sub(e.instance.LastHeartbeat)
		switch {
		case silence > r.evictAfter:
			r.removeLocked(key)
			result.Evicted++
			events = append(events, Evicted{Key: key, Silence: silence})
		case silence > r.ttl && e.instance.Status != model.StatusUnreachable:
			e.instance.Status = model.StatusUnreachable
			e.instance.UnreachableSince = now
			result.MarkedUnreachable++
			events = append(events, MarkedUnreachable{Key: key, Silence: silence})
		}
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.emit(ev)
	}
	return result
}

// removeLocked 删除实例，调用方必须持有写锁
func (r *Registry) removeLocked(key model.InstanceKey) {
	delete(r.index, key)

	state, ok := r.services[key.Name]
	if !ok {
		return
	}
	for i, e := range state.instances {
		if e.instance.Key() == key {
			state.instances = append(state.instances[:i], state.instances[i+1:]...)
			break
		}
	}
	if len(state.instances) == 0 {
		delete(r.services, key.Name)
	}
}

func (r *Registry) emit(ev Event) {
	if r.observer == nil || ev == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("注册中心事件处理异常", zap.Any("panic", rec))
		}
	}()
	r.observer(ev)
}

func normalizeHealthPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return model.DefaultHealthPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
