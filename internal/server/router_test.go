package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/routing"
)

func TestRouterAttachesRouteForOriginRequest(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "http://app.local/api/alerts?state=CA", nil)
	req.Host = "app.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	route := app.recorder.lastRoute
	if route == nil {
		t.Fatalf("expected route to be recorded")
	}
	if route.Kind != routing.KindAPI || route.APIClass != routing.APIEmergency {
		t.Fatalf("unexpected classification: %s/%s", route.Kind, route.APIClass)
	}
	if !route.Origin {
		t.Fatalf("expected origin request")
	}
	if got := route.Target.String(); got != "http://origin.local/api/alerts?state=CA" {
		t.Fatalf("unexpected target %s", got)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterClassifiesMutation(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "http://app.local/api/community/report", bytes.NewBufferString(`{}`))
	req.Host = "app.local"

	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if app.recorder.lastRoute == nil || app.recorder.lastRoute.Kind != routing.KindMutation {
		t.Fatalf("expected mutation route, got %+v", app.recorder.lastRoute)
	}
}

func TestRouterKeepsForeignTargetForTiles(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("GET", "http://a.tile.openstreetmap.org/3/4/5.png", nil)
	req.Host = "a.tile.openstreetmap.org"

	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	route := app.recorder.lastRoute
	if route == nil || route.Kind != routing.KindBypass {
		t.Fatalf("expected bypass route, got %+v", route)
	}
	if route.Origin {
		t.Fatalf("tile host must not be treated as origin")
	}
	if route.Target.Host != "a.tile.openstreetmap.org" {
		t.Fatalf("unexpected target host %s", route.Target.Host)
	}
}

func TestRouterSkipsControlPaths(t *testing.T) {
	app := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		if _, ok := RouteFromContext(c); ok {
			t.Errorf("control path must not be classified")
		}
		return c.SendString("pong")
	})

	req := httptest.NewRequest("GET", "http://app.local/-/ping", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("expected pong, got %s", string(body))
	}
	if app.recorder.lastRoute != nil {
		t.Fatalf("proxy handler must not see control requests")
	}
}

func TestResolverOriginURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.Origin.Upstream = "https://origin.local/base"
	router, err := routing.New(cfg)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	resolver, err := NewRouteResolver(cfg, router)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if got := resolver.OriginURL("/offline.html").String(); got != "https://origin.local/base/offline.html" {
		t.Fatalf("unexpected origin url %s", got)
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := config.Defaults()
	cfg.Origin.Upstream = "http://origin.local"
	cfg.Origin.Hosts = []string{"app.local"}

	router, err := routing.New(cfg)
	if err != nil {
		t.Fatalf("failed to create router: %v", err)
	}
	resolver, err := NewRouteResolver(cfg, router)
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Resolver: resolver,
		Proxy:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	lastRoute *Route
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *Route) error {
	p.lastRoute = route
	return c.SendStatus(fiber.StatusNoContent)
}
