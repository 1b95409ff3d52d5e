// Package routing 把每个被拦截的请求归入唯一的处理类别。
//
// 分类规则保存在有序规则表中，按表顺序匹配，第一条命中即返回；API 请求再按
// 路径模式区分 emergency / cacheable / other，emergency 先于 cacheable 检查。
package routing

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
)

// Kind 是路由结果。
type Kind string

const (
	KindBypass      Kind = "bypass"
	KindMutation    Kind = "mutation-submission"
	KindAPI         Kind = "api-request"
	KindPage        Kind = "page-request"
	KindStaticAsset Kind = "static-asset-request"
)

// APIClass 描述 api-request 使用的缓存策略分支。
type APIClass string

const (
	APIEmergency APIClass = "emergency"
	APICacheable APIClass = "cacheable"
	APIOther     APIClass = "other"
)

// Request 是分类所需的最小输入。URL.Host 为空时视为同源。
type Request struct {
	Method string
	URL    *url.URL
}

// Rule 是规则表中的一行。
type Rule struct {
	Name  string
	Kind  Kind
	Match func(*Router, Request) bool
}

// Decision 是一次分类的结果。
type Decision struct {
	Kind     Kind
	APIClass APIClass
	Rule     string
}

// tilePathPattern 匹配 /{z}/{x}/{y}.png 形式的瓦片路径。
var tilePathPattern = regexp.MustCompile(`/\d+/\d+/\d+\.(png|jpg|jpeg)$`)

// DefaultRules 是请求分类规则表，顺序即优先级。
var DefaultRules = []Rule{
	{Name: "map-tile", Kind: KindBypass, Match: (*Router).isTileRequest},
	{Name: "mutation-endpoint", Kind: KindMutation, Match: func(r *Router, req Request) bool {
		return !isGet(req.Method) && req.URL.Path == r.mutationPath
	}},
	{Name: "non-get", Kind: KindBypass, Match: func(_ *Router, req Request) bool {
		return !isGet(req.Method)
	}},
	{Name: "api-prefix", Kind: KindAPI, Match: func(r *Router, req Request) bool {
		return strings.HasPrefix(req.URL.Path, r.apiPrefix)
	}},
	{Name: "page", Kind: KindPage, Match: func(_ *Router, req Request) bool {
		p := req.URL.Path
		return p == "" || p == "/" || strings.HasSuffix(p, ".html")
	}},
	{Name: "static-asset", Kind: KindStaticAsset, Match: func(*Router, Request) bool { return true }},
}

// Router 持有编译后的模式与同源 Host 集合，构建后只读，可并发使用。
type Router struct {
	rules        []Rule
	apiPrefix    string
	mutationPath string
	originHosts  map[string]struct{}
	tileHosts    []string
	emergency    []*regexp.Regexp
	cacheable    []*regexp.Regexp
}

// New 根据配置构建 Router。
func New(cfg *config.Config) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	r := &Router{
		rules:        DefaultRules,
		apiPrefix:    cfg.Origin.APIPrefix,
		mutationPath: cfg.Origin.MutationPath,
		originHosts:  make(map[string]struct{}),
	}
	for _, host := range cfg.Routing.TileHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			r.tileHosts = append(r.tileHosts, host)
		}
	}
	for _, host := range cfg.OriginHosts() {
		r.originHosts[strings.ToLower(host)] = struct{}{}
	}

	var err error
	if r.emergency, err = compileAll(cfg.Routing.EmergencyPatterns); err != nil {
		return nil, fmt.Errorf("emergency patterns: %w", err)
	}
	if r.cacheable, err = compileAll(cfg.Routing.CacheablePatterns); err != nil {
		return nil, fmt.Errorf("cacheable patterns: %w", err)
	}
	return r, nil
}

// Classify 按规则表顺序返回第一条命中的结果，没有副作用。
func (r *Router) Classify(method string, u *url.URL) Decision {
	req := Request{Method: strings.ToUpper(method), URL: u}
	if req.URL == nil {
		req.URL = &url.URL{Path: "/"}
	}
	for _, rule := range r.rules {
		if !rule.Match(r, req) {
			continue
		}
		d := Decision{Kind: rule.Kind, Rule: rule.Name}
		if rule.Kind == KindAPI {
			d.APIClass = r.ClassifyAPI(req.URL.Path)
		}
		return d
	}
	return Decision{Kind: KindStaticAsset, Rule: "static-asset"}
}

// ClassifyAPI 返回 API 路径的缓存类别，emergency 模式先于 cacheable 检查。
func (r *Router) ClassifyAPI(path string) APIClass {
	if matchAny(r.emergency, path) {
		return APIEmergency
	}
	if matchAny(r.cacheable, path) {
		return APICacheable
	}
	return APIOther
}

// IsOriginHost 报告 host（可带端口）是否属于源站。
func (r *Router) IsOriginHost(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return true
	}
	_, ok := r.originHosts[host]
	return ok
}

func (r *Router) isTileRequest(req Request) bool {
	host := normalizeHost(req.URL.Host)
	for _, tile := range r.tileHosts {
		if host == tile || strings.HasSuffix(host, "."+tile) {
			return true
		}
	}
	return !r.IsOriginHost(host) && tilePathPattern.MatchString(req.URL.Path)
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

func isGet(method string) bool {
	return method == "" || method == http.MethodGet
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	result := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		result = append(result, re)
	}
	return result, nil
}

func matchAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
