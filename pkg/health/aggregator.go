package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/mesherr"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// InstanceSource 提供被探测的实例并接收探测结果
type InstanceSource interface {
	ListInstances(name string) []model.ServiceInstance
	ReportProbe(key model.InstanceKey, status model.InstanceStatus, at time.Time) error
}

// Options 健康聚合器参数
type Options struct {
	ProbeTimeout time.Duration
	PollInterval time.Duration
	Concurrency  int
	Client       *http.Client
}

// Aggregator 周期性或按需探测所有实例的健康接口
type Aggregator struct {
	source       InstanceSource
	client       *http.Client
	probeTimeout time.Duration
	pollInterval time.Duration
	concurrency  int
	logger       config.Logger

	mu   sync.RWMutex
	last *model.HealthReport
}

// NewAggregator 创建健康聚合器
func NewAggregator(source InstanceSource, opts Options, logger config.Logger) *Aggregator {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Client == nil {
		// 超时由每次探测的context控制
		opts.Client = &http.Client{}
	}
	return &Aggregator{
		source:       source,
		client:       opts.Client,
		probeTimeout: opts.ProbeTimeout,
		pollInterval: opts.PollInterval,
		concurrency:  opts.Concurrency,
		logger:       logger,
	}
}

// CheckAll 并发探测所有实例，并把结果回写到注册中心
func (a *Aggregator) CheckAll(ctx context.Context) model.HealthReport {
	instances := a.source.ListInstances("")
	snapshots := make([]model.HealthSnapshot, len(instances))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			snapshots[i] = a.Probe(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, s := range snapshots {
		if s.Status == model.StatusHealthy {
			healthy++
		}
		if err := a.source.ReportProbe(s.Key, s.Status, s.LastChecked); err != nil {
			if mesherr.Is(err, mesherr.NotRegistered) {
				// 探测期间实例已注销或被剔除
				continue
			}
			a.logger.Warn("回写探测结果失败", zap.String("instance", s.Key.String()), zap.Error(err))
		}
	}

	report := model.HealthReport{
		Instances:     snapshots,
		HealthyCount:  healthy,
		TotalCount:    len(snapshots),
		OverallStatus: Summarize(snapshots),
		CheckedAt:     time.Now(),
	}

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()

	return report
}

// Probe 探测单个实例，不会返回错误，失败记录在快照中
func (a *Aggregator) Probe(ctx context.Context, inst model.ServiceInstance) (snapshot model.HealthSnapshot) {
	snapshot.Key = inst.Key()

	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		snapshot.Latency = time.Since(start)
		snapshot.LastChecked = time.Now()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL()+inst.HealthPath, nil)
	if err != nil {
		snapshot.Status = model.StatusUnreachable
		snapshot.Error = err.Error()
		return snapshot
	}

	resp, err := a.client.Do(req)
	if err != nil {
		snapshot.Status = model.StatusUnreachable
		snapshot.Error = err.Error()
		a.logger.Debug("健康探测失败",
			zap.String("instance", snapshot.Key.String()),
			zap.Error(err))
		return snapshot
	}
	resp.Body.Close()

	snapshot.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		snapshot.Status = model.StatusHealthy
	} else {
		snapshot.Status = model.StatusUnhealthy
	}
	return snapshot
}

// Summarize 根据健康实例占比计算整体状态
func Summarize(snapshots []model.HealthSnapshot) model.OverallStatus {
	total := len(snapshots)
	if total == 0 {
		return model.OverallUnknown
	}

	healthy := 0
	for _, s := range snapshots {
		if s.Status == model.StatusHealthy {
			healthy++
		}
	}

	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.8:
		return model.OverallHealthy
	case ratio >= 0.5:
		return model.OverallDegraded
	default:
		return model.OverallCritical
	}
}

// Last 返回最近一次探测报告
func (a *Aggregator) Last() (model.HealthReport, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.last == nil {
		return model.HealthReport{}, false
	}
	return *a.last, true
}

// Run 按poll_interval周期探测，直到ctx取消
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.logger.Info("健康检查已启动",
		zap.Duration("interval", a.pollInterval),
		zap.Duration("probe_timeout", a.probeTimeout),
		zap.Int("concurrency", a.concurrency))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("健康检查已停止")
			return
		case <-ticker.C:
			report := a.CheckAll(ctx)
			if report.OverallStatus != model.OverallHealthy && report.OverallStatus != model.OverallUnknown {
				a.logger.Warn("网格健康状态异常",
					zap.String("status", string(report.OverallStatus)),
					zap.Int("healthy", report.HealthyCount),
					zap.Int("total", report.TotalCount))
			}
		}
	}
}
