package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/routing"
	"github.com/any-hub/offline-hub/internal/server"
)

// ServePage 网络优先：成功写入当前代际缓存；网络失败依次尝试缓存、离线页，最后 503 "Offline"。
func (h *Handler) ServePage(ctx context.Context, route *server.Route, req Request) *Response {
	resp, err := h.fetch(ctx, http.MethodGet, route.Target, req.Header, nil)
	if err == nil {
		h.storeInCache(ctx, route.Target, resp)
		return resp
	}
	h.logNetworkFailure(route, err)

	if cached := h.matchCache(ctx, route.Target); cached != nil {
		return cached
	}
	if h.offlinePage != nil {
		if page := h.matchCache(ctx, h.offlinePage); page != nil {
			page.Source = SourceOfflinePage
			page.ServedBy = ServedByOffline
			page.Header.Set(headerServedBy, ServedByOffline)
			return page
		}
	}
	return offlineText()
}

// ServeAPI 网络优先。emergency 类成功时额外写入持久化快照；失败时依次查缓存、
// 持久化快照（仅 emergency，且未过期），最后返回 503 JSON。
func (h *Handler) ServeAPI(ctx context.Context, route *server.Route, req Request) *Response {
	emergency := route.APIClass == routing.APIEmergency

	resp, err := h.fetch(ctx, http.MethodGet, route.Target, req.Header, nil)
	if err == nil {
		if route.APIClass == routing.APIEmergency || route.APIClass == routing.APICacheable {
			h.storeInCache(ctx, route.Target, resp)
		}
		if emergency {
			h.storeSnapshot(ctx, route, resp)
		}
		return resp
	}
	h.logNetworkFailure(route, err)

	if cached := h.matchCache(ctx, route.Target); cached != nil {
		return cached
	}
	if emergency {
		if snapshot := h.matchSnapshot(ctx, route); snapshot != nil {
			return snapshot
		}
	}
	return offlineError(h.now(), ServedByOffline, "Network unavailable and no cached data")
}

// ServeStatic 缓存优先：命中直接返回，不访问网络；未命中时回源并写缓存，网络失败返回 503。
func (h *Handler) ServeStatic(ctx context.Context, route *server.Route, req Request) *Response {
	if cached := h.matchCache(ctx, route.Target); cached != nil {
		return cached
	}

	resp, err := h.fetch(ctx, http.MethodGet, route.Target, req.Header, nil)
	if err != nil {
		h.logNetworkFailure(route, err)
		return offlineText()
	}
	h.storeInCache(ctx, route.Target, resp)
	return resp
}

// PassThrough 原样转发 bypass 请求，不缓存、不回退。
func (h *Handler) PassThrough(ctx context.Context, route *server.Route, req Request) *Response {
	resp, err := h.fetch(ctx, req.Method, route.Target, req.Header, req.Body)
	if err != nil {
		h.logNetworkFailure(route, err)
		return jsonResponse(http.StatusBadGateway, SourceSynthesized, "", map[string]string{"error": "upstream_failed"})
	}
	return resp
}

func (h *Handler) storeInCache(ctx context.Context, target *url.URL, resp *Response) {
	if !h.cache.Enabled() || resp == nil || !isCacheableStatus(resp.Status) {
		return
	}
	if _, err := h.cache.Put(ctx, target, resp.Status, resp.Header, resp.Body); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_put",
			"url":    target.String(),
		}).Warn("cache_write_failed")
	}
}

func (h *Handler) matchCache(ctx context.Context, target *url.URL) *Response {
	if !h.cache.Enabled() {
		return nil
	}
	result, err := h.cache.Match(ctx, target)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_get",
				"url":    target.String(),
			}).Warn("cache_get_failed")
		}
		return nil
	}
	body, err := cache.ReadAll(result)
	if err != nil {
		h.logger.WithError(err).WithField("url", target.String()).Warn("cache_read_failed")
		return nil
	}
	header := result.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(headerOfflineCache, "true")
	return &Response{
		Status: result.Entry.Status,
		Header: header,
		Body:   body,
		Source: SourceCache,
	}
}

// storeSnapshot 写入应急快照；只接受 2xx 且正文为 JSON 的响应，失败只记录日志。
func (h *Handler) storeSnapshot(ctx context.Context, route *server.Route, resp *Response) {
	if h.durable == nil || !isOK(resp.Status) {
		return
	}
	fields := logrus.Fields{"action": "snapshot_put", "url": route.CacheKey()}
	if !json.Valid(resp.Body) {
		h.logger.WithFields(fields).Debug("snapshot_skipped_non_json")
		return
	}
	err := h.durable.PutCachedData(ctx, durable.CachedData{
		URL:       route.CacheKey(),
		Data:      json.RawMessage(append([]byte(nil), resp.Body...)),
		Timestamp: h.now().UTC(),
		Type:      durable.TypeEmergency,
	})
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("snapshot_write_failed")
	}
}

// matchSnapshot 读取未过期的应急快照；存储错误降级为“无数据”。
func (h *Handler) matchSnapshot(ctx context.Context, route *server.Route) *Response {
	if h.durable == nil {
		return nil
	}
	data, err := h.durable.CachedData(ctx, route.CacheKey())
	if err != nil {
		if !errors.Is(err, durable.ErrNotFound) {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"action": "snapshot_get",
				"url":    route.CacheKey(),
			}).Warn("snapshot_read_failed")
		}
		return nil
	}
	if !data.FreshAt(h.now(), h.staleness) {
		h.logger.WithFields(logrus.Fields{
			"action":    "snapshot_get",
			"url":       route.CacheKey(),
			"stored_at": data.Timestamp,
		}).Debug("snapshot_stale")
		return nil
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(headerServedBy, ServedByOfflineDB)
	return &Response{
		Status:   http.StatusOK,
		Header:   header,
		Body:     append([]byte(nil), data.Data...),
		Source:   SourceDurable,
		ServedBy: ServedByOfflineDB,
	}
}

func (h *Handler) logNetworkFailure(route *server.Route, err error) {
	h.logger.WithError(err).WithFields(logrus.Fields{
		"action":     "network",
		"route_kind": string(route.Kind),
		"url":        route.CacheKey(),
	}).Warn("network_attempt_failed")
}
