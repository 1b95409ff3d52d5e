package durable

import (
	"fmt"
	"strings"
)

// 支持的后端名称。
const (
	BackendSQLite  = "sqlite"
	BackendLevelDB = "leveldb"
)

// Options 描述 Open 所需的后端选择。
type Options struct {
	Backend string
	Path    string
}

// Open 根据 Backend 构建对应的 Store；返回的实例尚未执行 Init。
func Open(opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	path := strings.TrimSpace(opts.Path)
	switch backend {
	case "", BackendSQLite:
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(path)
	case BackendLevelDB:
		if path == "" {
			return nil, fmt.Errorf("leveldb backend requires a path")
		}
		return OpenLevelDB(path)
	default:
		return nil, fmt.Errorf("unsupported durable backend %q", opts.Backend)
	}
}
