package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/routing"
	"github.com/any-hub/offline-hub/internal/server"
)

// Options 汇总执行器依赖，Cache/Durable/Queue 均由启动流程注入。
type Options struct {
	Client  *http.Client
	Logger  *logrus.Logger
	Cache   cache.Generation
	Durable durable.Store
	Queue   MutationQueue
	// OfflinePage 是页面策略的最后一级回退，必须已在安装阶段预热。
	OfflinePage     *url.URL
	StalenessWindow time.Duration
	Timeout         time.Duration
	Now             func() time.Time
}

// Handler 按路由类别把请求分派给对应策略，并保证每个请求都拿到响应。
type Handler struct {
	client      *http.Client
	logger      *logrus.Entry
	cache       cache.Generation
	durable     durable.Store
	queue       MutationQueue
	offlinePage *url.URL
	staleness   time.Duration
	timeout     time.Duration
	now         func() time.Time
}

// NewHandler constructs the strategy dispatcher.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	staleness := opts.StalenessWindow
	if staleness <= 0 {
		staleness = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		client:      opts.Client,
		logger:      logging.Component(opts.Logger, "proxy"),
		cache:       opts.Cache.WithClock(now),
		durable:     opts.Durable,
		queue:       opts.Queue,
		offlinePage: opts.OfflinePage,
		staleness:   staleness,
		timeout:     opts.Timeout,
		now:         now,
	}, nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := server.RequestStart(c)
	if started.IsZero() {
		started = time.Now()
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := Request{
		Method: c.Method(),
		Header: fiberHeadersAsHTTP(c),
		Body:   append([]byte(nil), c.Body()...),
	}
	resp := h.Execute(ctx, route, req)

	h.logResult(route, req.Method, resp, server.RequestID(c), started)
	return write(c, resp)
}

// Execute 按 Route.Kind 分派，返回值永不为 nil。
func (h *Handler) Execute(ctx context.Context, route *server.Route, req Request) *Response {
	var resp *Response
	switch route.Kind {
	case routing.KindPage:
		resp = h.ServePage(ctx, route, req)
	case routing.KindAPI:
		resp = h.ServeAPI(ctx, route, req)
	case routing.KindStaticAsset:
		resp = h.ServeStatic(ctx, route, req)
	case routing.KindMutation:
		resp = h.SubmitMutation(ctx, route, req)
	default:
		resp = h.PassThrough(ctx, route, req)
	}
	if resp == nil {
		resp = offlineError(h.now(), ServedByOffline, "No response available")
	}
	return resp
}

func (h *Handler) logResult(route *server.Route, method string, resp *Response, requestID string, started time.Time) {
	strategy := string(route.Kind)
	if route.Kind == routing.KindAPI {
		strategy = string(route.Kind) + "/" + string(route.APIClass)
	}
	path := ""
	if route.URL != nil {
		path = route.URL.RequestURI()
	}
	fields := logging.RequestFields(
		method,
		path,
		string(route.Kind),
		strategy,
		resp.ServedBy,
		resp.CacheHit(),
	)
	fields["action"] = "proxy"
	fields["source"] = string(resp.Source)
	fields["status"] = resp.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Host")
	return header
}
