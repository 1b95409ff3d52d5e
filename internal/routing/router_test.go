package routing

import (
	"net/url"
	"testing"

	"github.com/any-hub/offline-hub/internal/config"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := config.Defaults()
	cfg.Origin.Upstream = "http://origin.local"
	cfg.Origin.Hosts = []string{"app.local"}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

func TestClassifyTileHosts(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		url  string
		want Kind
	}{
		{"https://tile.openstreetmap.org/5/10/12.png", KindBypass},
		{"https://a.tile.openstreetmap.org/5/10/12.png", KindBypass},
		{"https://a.tile.openstreetmap.org/copyright", KindBypass},
		{"https://basemaps.cartocdn.com/light_all/3/4/5.png", KindBypass},
		{"https://tiles.example.com/7/8/9.jpg", KindBypass},
		{"https://tiles.example.com/7/8/9.jpeg", KindBypass},
		{"https://tiles.example.com/logo.png", KindStaticAsset},
		{"https://nottile.openstreetmap.org.evil.com/logo.png", KindStaticAsset},
		{"http://app.local/1/2/3.png", KindStaticAsset},
		{"/1/2/3.png", KindStaticAsset},
	}
	for _, tc := range cases {
		got := r.Classify("GET", mustURL(t, tc.url))
		if got.Kind != tc.want {
			t.Errorf("%s: expected %s, got %s (rule=%s)", tc.url, tc.want, got.Kind, got.Rule)
		}
	}
}

func TestClassifyPrecedence(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		method string
		url    string
		want   Kind
	}{
		{"POST", "http://app.local/api/community/report", KindMutation},
		{"PUT", "http://app.local/api/community/report", KindMutation},
		{"POST", "http://app.local/api/family-groups", KindBypass},
		{"DELETE", "/api/community/report/1", KindBypass},
		{"POST", "https://tile.openstreetmap.org/api/community/report", KindBypass},
		{"GET", "/api/community/report", KindAPI},
		{"GET", "/api/weather?lat=1", KindAPI},
		{"GET", "/", KindPage},
		{"GET", "", KindPage},
		{"GET", "/games/index.html", KindPage},
		{"GET", "/assets/app.js", KindStaticAsset},
		{"GET", "/manifest.json", KindStaticAsset},
		{"HEAD", "/assets/app.js", KindBypass},
	}
	for _, tc := range cases {
		got := r.Classify(tc.method, mustURL(t, tc.url))
		if got.Kind != tc.want {
			t.Errorf("%s %s: expected %s, got %s (rule=%s)", tc.method, tc.url, tc.want, got.Kind, got.Rule)
		}
	}
}

func TestClassifyAPIEmergencyBeforeCacheable(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		path string
		want APIClass
	}{
		{"/api/alerts", APIEmergency},
		{"/api/alerts/CA", APIEmergency},
		{"/api/fire-data/nearby", APIEmergency},
		{"/api/emergency", APIEmergency},
		{"/api/weather", APICacheable},
		{"/api/community/reports", APICacheable},
		{"/api/family-groups/abc", APICacheable},
		{"/api/alertsx", APIOther},
		{"/api/ai/risk", APIOther},
	}
	for _, tc := range cases {
		got := r.Classify("GET", mustURL(t, tc.path))
		if got.Kind != KindAPI {
			t.Fatalf("%s: expected api-request, got %s", tc.path, got.Kind)
		}
		if got.APIClass != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.path, tc.want, got.APIClass)
		}
	}
}

func TestIsOriginHost(t *testing.T) {
	r := newTestRouter(t)
	for _, host := range []string{"", "app.local", "APP.local:8080", "origin.local"} {
		if !r.IsOriginHost(host) {
			t.Errorf("expected %q to be origin", host)
		}
	}
	if r.IsOriginHost("cdn.example.com") {
		t.Errorf("unexpected origin match")
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	cfg := config.Defaults()
	cfg.Routing.EmergencyPatterns = []string{"("}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestNewNormalizesTileHosts(t *testing.T) {
	cfg := config.Defaults()
	cfg.Origin.Upstream = "http://origin.local"
	cfg.Routing.TileHosts = []string{" Tile.Example.com ", ""}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	got := r.Classify("GET", mustURL(t, "http://a.tile.example.com/copyright"))
	if got.Kind != KindBypass {
		t.Fatalf("mixed-case tile host should match, got %s (rule=%s)", got.Kind, got.Rule)
	}
	got = r.Classify("GET", mustURL(t, "http://origin.local/copyright"))
	if got.Kind == KindBypass {
		t.Fatalf("empty tile host entry must not match every host")
	}
}
