package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run 按固定间隔执行TTL清扫，直到ctx取消
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("TTL清扫已启动",
		zap.Duration("interval", interval),
		zap.Duration("ttl", r.ttl),
		zap.Duration("evict_after", r.evictAfter))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("TTL清扫已停止")
			return
		case <-ticker.C:
			result := r.Sweep(r.now())
			if result.MarkedUnreachable > 0 || result.Evicted > 0 {
				r.logger.Debug("TTL清扫完成",
					zap.Int("unreachable", result.MarkedUnreachable),
					zap.Int("evicted", result.Evicted))
			}
		}
	}
}
