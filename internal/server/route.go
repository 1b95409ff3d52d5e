package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/routing"
)

// Route 聚合一次请求的分类结果与网络目标，供代理层直接复用。
type Route struct {
	// Kind/APIClass/Rule 来自 routing 规则表。
	Kind     routing.Kind
	APIClass routing.APIClass
	Rule     string
	// URL 是客户端视角的请求地址（含 Host 与查询串）。
	URL *url.URL
	// Target 是实际发起网络请求的地址，同源请求被改写到 Upstream。
	Target *url.URL
	// Origin 标记请求 Host 是否属于源站。
	Origin bool
}

// CacheKey 返回缓存与持久化存储使用的键，统一取 Target 的完整地址。
func (r *Route) CacheKey() string {
	if r == nil || r.Target == nil {
		return ""
	}
	return r.Target.String()
}

// RouteResolver 结合 routing.Router 与 Upstream 地址构造 Route。构建后只读。
type RouteResolver struct {
	router   *routing.Router
	upstream *url.URL
}

// NewRouteResolver 根据配置构建解析器，调用方应在启动阶段创建一次并复用。
func NewRouteResolver(cfg *config.Config, router *routing.Router) (*RouteResolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if router == nil {
		return nil, errors.New("router is nil")
	}
	upstream, err := url.Parse(cfg.Origin.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream: %q", cfg.Origin.Upstream)
	}
	return &RouteResolver{router: router, upstream: upstream}, nil
}

// Resolve 为 method + host + requestURI 生成 Route。requestURI 可以是绝对地址（正向代理）
// 或仅包含 path?query。
func (r *RouteResolver) Resolve(method, host, scheme, requestURI string) (*Route, error) {
	reqURL, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", requestURI, err)
	}
	if reqURL.Host == "" {
		reqURL.Host = strings.TrimSpace(host)
	}
	if reqURL.Scheme == "" {
		reqURL.Scheme = scheme
		if reqURL.Scheme == "" {
			reqURL.Scheme = "http"
		}
	}

	decision := r.router.Classify(method, reqURL)
	origin := r.router.IsOriginHost(reqURL.Host)

	return &Route{
		Kind:     decision.Kind,
		APIClass: decision.APIClass,
		Rule:     decision.Rule,
		URL:      reqURL,
		Target:   r.target(reqURL, origin),
		Origin:   origin,
	}, nil
}

// Upstream 返回源站地址副本。
func (r *RouteResolver) Upstream() *url.URL {
	clone := *r.upstream
	return &clone
}

// OriginURL 把应用内路径（如 /offline.html）解析为源站地址。
func (r *RouteResolver) OriginURL(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return r.target(ref, true)
}

func (r *RouteResolver) target(reqURL *url.URL, origin bool) *url.URL {
	if !origin {
		clone := *reqURL
		return &clone
	}
	target := *r.upstream
	target.Path = strings.TrimRight(r.upstream.Path, "/") + reqURL.Path
	if target.Path == "" {
		target.Path = "/"
	}
	target.RawPath = ""
	target.RawQuery = reqURL.RawQuery
	target.Fragment = ""
	return &target
}
