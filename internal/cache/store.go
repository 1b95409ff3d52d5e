package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store 负责管理按代际划分的磁盘缓存。磁盘布局遵循：
//
//	<CachePath>/<Generation>/<path>.body    # 响应正文
//	<CachePath>/<Generation>/<path>.meta    # 状态码、回放所需头部、写入时间
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入（覆盖）一个缓存条目，正文与元数据均通过临时文件 + rename 原子落盘。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目的正文与元数据。
	Remove(ctx context.Context, locator Locator) error

	// Generations 列出磁盘上现存的全部缓存代际。
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration 整体删除一个代际目录，不存在时视为成功。
	DeleteGeneration(ctx context.Context, generation string) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	URL      string
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// Locator 唯一定位一个缓存条目（代际 + 相对路径），所有路径均为 URL 路径风格。
type Locator struct {
	Generation string
	Path       string
}

// Entry 表示一次缓存命中结果，包含回放响应需要的全部信息。
type Entry struct {
	Locator   Locator     `json:"locator"`
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	FilePath  string      `json:"file_path"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

// ReadResult 组合 Entry 与正文 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidGeneration 表示代际名称为空或包含路径字符。
var ErrInvalidGeneration = errors.New("invalid cache generation")

// indexLeaf 是以 / 结尾的路径在磁盘上的叶子名。
const indexLeaf = "__index"

// LocatorFor 根据请求 URL 计算缓存定位：Host 作为首级目录，以 / 结尾的路径追加 __index 叶子，
// 查询串以 sha1 摘要折叠进路径，method 恒为 GET。
func LocatorFor(generation string, u *url.URL) Locator {
	clean := "/"
	rawQuery := ""
	if u != nil {
		if u.Path != "" {
			clean = u.Path
		}
		if strings.HasSuffix(clean, "/") {
			// path.Clean 会吞掉结尾的 /，/docs/ 与 /docs 必须落到不同文件。
			clean += indexLeaf
		}
		if host := strings.ToLower(u.Host); host != "" {
			clean = "/" + strings.ReplaceAll(host, ":", "_") + "/" + strings.TrimPrefix(clean, "/")
		}
		rawQuery = u.RawQuery
	}
	if rawQuery != "" {
		sum := sha1.Sum([]byte(rawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return Locator{Generation: generation, Path: clean}
}
