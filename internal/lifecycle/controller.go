// Package lifecycle 负责 install / activate 两个阶段：预热关键资源、初始化持久化 schema、
// 清理旧缓存代际并接管在线客户端。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// State 是生命周期状态，每个代际只会单向经过一次。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// ErrInvalidState 表示阶段调用顺序错误。
var ErrInvalidState = errors.New("lifecycle state does not allow this transition")

const prewarmConcurrency = 4

// Claimer 接管在线客户端。
type Claimer interface {
	Claim(generation string) int
}

// Options 汇总 Controller 依赖。
type Options struct {
	Cache    cache.Generation
	Durable  durable.Store
	Client   *http.Client
	Precache []*url.URL
	Clients  Claimer
	Logger   *logrus.Logger
}

// InstallReport 记录预热结果；单个资源失败不影响安装。
type InstallReport struct {
	Generation  string            `json:"generation"`
	Cached      []string          `json:"cached"`
	Failed      map[string]string `json:"failed,omitempty"`
	SkipWaiting bool              `json:"skipWaiting"`
}

// Controller 驱动 install → activate 状态机。
type Controller struct {
	cache    cache.Generation
	durable  durable.Store
	client   *http.Client
	precache []*url.URL
	clients  Claimer
	logger   *logrus.Entry

	mu    sync.Mutex
	state State
}

// New 构造 Controller。
func New(opts Options) (*Controller, error) {
	if !opts.Cache.Enabled() {
		return nil, errors.New("cache store is required")
	}
	if opts.Durable == nil {
		return nil, errors.New("durable store is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Controller{
		cache:    opts.Cache,
		durable:  opts.Durable,
		client:   client,
		precache: opts.Precache,
		clients:  opts.Clients,
		logger:   logging.Component(opts.Logger, "lifecycle"),
		state:    StateNew,
	}, nil
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation 返回当前代际。
func (c *Controller) Generation() string {
	return c.cache.Name()
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, c.state)
	}
	c.state = to
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Install 并发预热关键资源（逐个收集失败，不中断），再初始化持久化 schema。
// 成功后状态为 installed，并直接进入激活（skip waiting）。
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Generation: c.cache.Name(), Failed: map[string]string{}}
	if err := c.transition(StateNew, StateInstalling); err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(prewarmConcurrency)
	for _, target := range c.precache {
		g.Go(func() error {
			err := c.prewarm(gCtx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[target.String()] = err.Error()
				c.logger.WithFields(logrus.Fields{"action": "precache", "url": target.String()}).
					WithError(err).Warn("precache_failed")
				return nil
			}
			report.Cached = append(report.Cached, target.String())
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Cached)

	if err := c.durable.Init(ctx); err != nil {
		c.setState(StateNew)
		return report, fmt.Errorf("initialize durable store: %w", err)
	}

	report.SkipWaiting = true
	c.setState(StateInstalled)
	c.logger.WithFields(logrus.Fields{
		"action":     "install",
		"generation": report.Generation,
		"cached":     len(report.Cached),
		"failed":     len(report.Failed),
	}).Info("install_complete")
	return report, nil
}

func (c *Controller) prewarm(ctx context.Context, target *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	_, err = c.cache.Put(ctx, target, resp.StatusCode, header, body)
	return err
}

// Activate 删除所有非当前代际的缓存，然后接管在线客户端。返回被删除的代际。
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	generations, err := c.cache.Store().Generations(ctx)
	if err != nil {
		c.setState(StateInstalled)
		return nil, fmt.Errorf("list cache generations: %w", err)
	}

	current := c.cache.Name()
	var (
		deleted []string
		errs    []error
	)
	for _, gen := range generations {
		if gen == current {
			continue
		}
		if err := c.cache.Store().DeleteGeneration(ctx, gen); err != nil {
			errs = append(errs, fmt.Errorf("delete generation %s: %w", gen, err))
			continue
		}
		deleted = append(deleted, gen)
	}

	c.setState(StateActivated)
	claimed := 0
	if c.clients != nil {
		claimed = c.clients.Claim(current)
	}
	c.logger.WithFields(logrus.Fields{
		"action":     "activate",
		"generation": current,
		"deleted":    deleted,
		"claimed":    claimed,
	}).Info("activate_complete")
	return deleted, errors.Join(errs...)
}

// Start 依次执行 Install 与 Activate。
func (c *Controller) Start(ctx context.Context) (InstallReport, []string, error) {
	report, err := c.Install(ctx)
	if err != nil {
		return report, nil, err
	}
	deleted, err := c.Activate(ctx)
	return report, deleted, err
}
