package queue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
)

// SchedulerOptions 描述后台同步调度的节奏与连通性探测目标。
type SchedulerOptions struct {
	Client   *http.Client
	ProbeURL string
	Interval time.Duration
	Logger   *logrus.Logger
}

// Scheduler 模拟浏览器的 sync 事件：标签登记后，等到源站可达才触发一次回放。
type Scheduler struct {
	manager  *Manager
	client   *http.Client
	probeURL string
	interval time.Duration
	logger   *logrus.Entry
}

// NewScheduler 构造调度器，Interval 缺省为 30s。
func NewScheduler(manager *Manager, opts SchedulerOptions) (*Scheduler, error) {
	if manager == nil {
		return nil, errors.New("queue manager is required")
	}
	if opts.ProbeURL == "" {
		return nil, errors.New("probe url is required")
	}
	client := opts.Client
	if client == nil {
		client = manager.client
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		manager:  manager,
		client:   client,
		probeURL: opts.ProbeURL,
		interval: interval,
		logger:   logging.Component(opts.Logger, "sync_scheduler"),
	}, nil
}

// Run 阻塞直到 ctx 结束。启动时若存储中仍有 queued 记录（上次进程遗留），先登记标签。
func (s *Scheduler) Run(ctx context.Context) error {
	if pending, err := s.manager.List(ctx, durable.StatusQueued); err == nil && len(pending) > 0 {
		s.manager.RegisterSync(SyncTag)
	} else if err != nil {
		s.logger.WithError(err).Warn("pending_scan_failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一次调度判断：没有待触发标签或源站不可达时直接返回 false。
func (s *Scheduler) Tick(ctx context.Context) (Summary, bool) {
	if !s.manager.SyncPending(SyncTag) {
		return Summary{}, false
	}
	if !s.Probe(ctx) {
		s.logger.WithField("action", "sync_probe").Debug("origin_unreachable")
		return Summary{}, false
	}

	s.manager.clearSync(SyncTag)
	summary, err := s.manager.Reconcile(ctx)
	if err != nil {
		s.manager.RegisterSync(SyncTag)
		s.logger.WithError(err).WithField("action", "sync").Error("sync_failed")
		return summary, false
	}
	return summary, true
}

// Probe 请求探测地址，任何 HTTP 响应（包括非 2xx）都视为可达。
func (s *Scheduler) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, s.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
