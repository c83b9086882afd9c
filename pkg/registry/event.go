package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Event 注册中心生命周期事件
//
// 事件类型是封闭的，只有本包内定义的类型实现了该接口。
type Event interface {
	registryEvent()
}

// Registered 实例注册，Renewed为true表示重复注册
type Registered struct {
	Instance model.ServiceInstance
	Renewed  bool
}

// Renewed 心跳刷新
type Renewed struct {
	Key model.InstanceKey
	At  time.Time
}

// Recovered 不可达实例恢复心跳
type Recovered struct {
	Key model.InstanceKey
	At  time.Time
}

// MarkedUnreachable 心跳超过TTL
type MarkedUnreachable struct {
	Key     model.InstanceKey
	Silence time.Duration
}

// Evicted 心跳超过剔除时间，实例被删除
type Evicted struct {
	Key     model.InstanceKey
	Silence time.Duration
}

// Unregistered 实例主动注销
type Unregistered struct {
	Key model.InstanceKey
}

// StatusChanged 健康检查导致的状态变化
type StatusChanged struct {
	Key  model.InstanceKey
	From model.InstanceStatus
	To   model.InstanceStatus
	At   time.Time
}

func (Registered) registryEvent()        {}
func (Renewed) registryEvent()           {}
func (Recovered) registryEvent()         {}
func (MarkedUnreachable) registryEvent() {}
func (Evicted) registryEvent()           {}
func (Unregistered) registryEvent()      {}
func (StatusChanged) registryEvent()     {}

// Observer 接收注册中心事件，在锁外同步调用
type Observer func(Event)

// NewLogObserver 返回把事件写入日志的观察者
func NewLogObserver(logger config.Logger) Observer {
	return func(ev Event) {
		switch e := ev.(type) {
		case Registered:
			if e.Renewed {
				logger.Info("实例重复注册，刷新心跳",
					zap.String("instance", e.Instance.Key().String()),
					zap.String("version", e.Instance.Version))
				return
			}
			logger.Info("实例注册成功",
				zap.String("instance", e.Instance.Key().String()),
				zap.String("id", e.Instance.ID),
				zap.String("version", e.Instance.Version))
		case Renewed:
			logger.Debug("收到心跳", zap.String("instance", e.Key.String()))
		case Recovered:
			logger.Info("实例恢复心跳", zap.String("instance", e.Key.String()))
		case MarkedUnreachable:
			logger.Warn("实例心跳超时，标记为不可达",
				zap.String("instance", e.Key.String()),
				zap.Duration("silence", e.Silence))
		case Evicted:
			logger.Warn("实例心跳长时间缺失，已剔除",
				zap.String("instance", e.Key.String()),
				zap.Duration("silence", e.Silence))
		case Unregistered:
			logger.Info("实例已注销", zap.String("instance", e.Key.String()))
		case StatusChanged:
			logger.Info("实例健康状态变化",
				zap.String("instance", e.Key.String()),
				zap.String("from", string(e.From)),
				zap.String("to", string(e.To)))
		}
	}
}

// chain 依次调用多个观察者
func chain(observers ...Observer) Observer {
	return func(ev Event) {
		for _, o := range observers {
			if o != nil {
				o(ev)
			}
		}
	}
}
