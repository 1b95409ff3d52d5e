package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Generation: "v1", Path: "/api/alerts/current"}

	storedAt := time.Now().Add(-time.Hour).UTC()
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	payload := []byte(`{"alerts":[]}`)
	if _, err := store.Put(context.Background(), locator, bytes.NewReader(payload), PutOptions{
		URL:      "/api/alerts/current",
		Status:   http.StatusOK,
		Header:   header,
		StoredAt: storedAt,
	}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, result.Entry.StoredAt)
	}
	if got := result.Entry.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("header not replayed: %q", got)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{Generation: "v1", Path: "/missing"})
	if err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Generation: "v1", Path: "/cache/remove"}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Generation: "v1", Path: "/api"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	filePath, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filePath+bodySuffix, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreParentAndChildPathsCoexist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	parent := Locator{Generation: "v1", Path: "/api/alerts"}
	child := Locator{Generation: "v1", Path: "/api/alerts/current"}

	if _, err := store.Put(ctx, parent, bytes.NewReader([]byte("parent")), PutOptions{}); err != nil {
		t.Fatalf("put parent: %v", err)
	}
	if _, err := store.Put(ctx, child, bytes.NewReader([]byte("child")), PutOptions{}); err != nil {
		t.Fatalf("put child: %v", err)
	}
	for _, loc := range []Locator{parent, child} {
		result, err := store.Get(ctx, loc)
		if err != nil {
			t.Fatalf("get %s: %v", loc.Path, err)
		}
		result.Reader.Close()
	}
}

func TestGenerationTrailingSlashKeepsSeparateEntry(t *testing.T) {
	gen := Bind(newTestStore(t), "v1")
	ctx := context.Background()
	dir, _ := url.Parse("http://o/docs/")
	page, _ := url.Parse("http://o/docs")

	if _, err := gen.Put(ctx, dir, http.StatusOK, nil, []byte("dir-index")); err != nil {
		t.Fatalf("put dir: %v", err)
	}
	if _, err := gen.Match(ctx, page); err != ErrNotFound {
		t.Fatalf("/docs must not match the entry stored for /docs/, got %v", err)
	}
	if _, err := gen.Put(ctx, page, http.StatusOK, nil, []byte("page")); err != nil {
		t.Fatalf("put page: %v", err)
	}

	for _, tc := range []struct {
		u    *url.URL
		want string
	}{
		{dir, "dir-index"},
		{page, "page"},
	} {
		result, err := gen.Match(ctx, tc.u)
		if err != nil {
			t.Fatalf("match %s: %v", tc.u, err)
		}
		body, err := ReadAll(result)
		if err != nil {
			t.Fatalf("read %s: %v", tc.u, err)
		}
		if string(body) != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.u, tc.want, body)
		}
	}
}

func TestGenerationsListAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, gen := range []string{"v1", "v2"} {
		if _, err := store.Put(ctx, Locator{Generation: gen, Path: "/"}, bytes.NewReader([]byte(gen)), PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", gen, err)
		}
	}

	gens, err := store.Generations(ctx)
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if len(gens) != 2 || gens[0] != "v1" || gens[1] != "v2" {
		t.Fatalf("unexpected generations: %v", gens)
	}

	if err := store.DeleteGeneration(ctx, "v1"); err != nil {
		t.Fatalf("delete generation: %v", err)
	}
	gens, _ = store.Generations(ctx)
	if len(gens) != 1 || gens[0] != "v2" {
		t.Fatalf("expected only v2 left, got %v", gens)
	}
	if _, err := store.Get(ctx, Locator{Generation: "v2", Path: "/"}); err != nil {
		t.Fatalf("v2 entry should survive: %v", err)
	}
}

func TestDeleteGenerationRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	if err := store.DeleteGeneration(context.Background(), "../etc"); err != ErrInvalidGeneration {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
}

func TestGenerationPutOverwrites(t *testing.T) {
	gen := Bind(newTestStore(t), "v1")
	ctx := context.Background()
	u, _ := url.Parse("/assets/app.js")

	first, err := gen.Put(ctx, u, http.StatusOK, nil, []byte("console.log(1)"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := gen.Put(ctx, u, http.StatusOK, nil, []byte("console.log(1)"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if first.FilePath != second.FilePath {
		t.Fatalf("overwrite should reuse the same entry path: %s vs %s", first.FilePath, second.FilePath)
	}

	result, err := gen.Match(ctx, u)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	body, err := ReadAll(result)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "console.log(1)" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestLocatorForFoldsQuery(t *testing.T) {
	a, _ := url.Parse("/api/weather/current?lat=1&lng=2")
	b, _ := url.Parse("/api/weather/current?lat=3&lng=4")
	la := LocatorFor("v1", a)
	lb := LocatorFor("v1", b)
	if la.Path == lb.Path {
		t.Fatalf("different queries must map to different locators")
	}
	plain, _ := url.Parse("/api/weather/current")
	if LocatorFor("v1", plain).Path != "/api/weather/current" {
		t.Fatalf("query-less URL should keep its path")
	}
}

func TestLocatorForSeparatesHosts(t *testing.T) {
	origin, _ := url.Parse("http://origin.local:8080/app.js")
	cdn, _ := url.Parse("https://cdn.example.com/app.js")
	lo := LocatorFor("v1", origin)
	lc := LocatorFor("v1", cdn)
	if lo.Path != "/origin.local_8080/app.js" {
		t.Fatalf("unexpected origin locator %s", lo.Path)
	}
	if lo.Path == lc.Path {
		t.Fatalf("different hosts must map to different locators")
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
