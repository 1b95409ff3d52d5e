package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Generation 将 Store 绑定到当前缓存代际，执行器只通过它读写，避免误写旧代际。
type Generation struct {
	store Store
	name  string
	now   func() time.Time
}

// Bind 构造绑定到指定代际的缓存句柄，默认使用 time.Now 作为时钟。
func Bind(store Store, generation string) Generation {
	return Generation{
		store: store,
		name:  generation,
		now:   time.Now,
	}
}

// WithClock 返回使用指定时钟记录写入时间的副本。
func (g Generation) WithClock(now func() time.Time) Generation {
	if now != nil {
		g.now = now
	}
	return g
}

// Name 返回当前代际标识。
func (g Generation) Name() string {
	return g.name
}

// Enabled 返回当前是否具备缓存能力。
func (g Generation) Enabled() bool {
	return g.store != nil
}

// Store 返回底层存储，供生命周期控制器做代际清理。
func (g Generation) Store() Store {
	return g.store
}

// Match 按 URL 查找当前代际中的缓存条目。
func (g Generation) Match(ctx context.Context, u *url.URL) (*ReadResult, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}
	return g.store.Get(ctx, LocatorFor(g.name, u))
}

// Put 以覆盖语义写入一份响应快照。
func (g Generation) Put(ctx context.Context, u *url.URL, status int, header http.Header, body []byte) (*Entry, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}
	return g.store.Put(ctx, LocatorFor(g.name, u), bytes.NewReader(body), PutOptions{
		URL:      u.String(),
		Status:   status,
		Header:   header,
		StoredAt: g.now().UTC(),
	})
}

// Delete 删除当前代际中的单个条目。
func (g Generation) Delete(ctx context.Context, u *url.URL) error {
	if g.store == nil {
		return ErrStoreUnavailable
	}
	return g.store.Remove(ctx, LocatorFor(g.name, u))
}

// ReadAll 读取并关闭缓存正文。
func ReadAll(result *ReadResult) ([]byte, error) {
	if result == nil || result.Reader == nil {
		return nil, ErrNotFound
	}
	defer result.Reader.Close()
	if _, err := result.Reader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(result.Reader)
}
