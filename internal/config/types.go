package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：日志、缓存代际、网络超时与同步节奏。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheGeneration string   `mapstructure:"CacheGeneration"`
	NetworkTimeout  Duration `mapstructure:"NetworkTimeout"`
	StalenessWindow Duration `mapstructure:"StalenessWindow"`
	SyncInterval    Duration `mapstructure:"SyncInterval"`
}

// OriginConfig 描述被保护的源站以及需要特殊处理的应用内路径。
type OriginConfig struct {
	Upstream     string   `mapstructure:"Upstream"`
	Hosts        []string `mapstructure:"Hosts"`
	APIPrefix    string   `mapstructure:"APIPrefix"`
	MutationPath string   `mapstructure:"MutationPath"`
	OfflinePage  string   `mapstructure:"OfflinePage"`
	Precache     []string `mapstructure:"Precache"`
	ProbePath    string   `mapstructure:"ProbePath"`
}

// DurableConfig 选择持久化队列/应急数据所用的后端。
type DurableConfig struct {
	Backend string `mapstructure:"Backend"`
	Path    string `mapstructure:"Path"`
}

// RoutingConfig 提供路由规则表使用的匹配模式。
type RoutingConfig struct {
	EmergencyPatterns []string `mapstructure:"EmergencyPatterns"`
	CacheablePatterns []string `mapstructure:"CacheablePatterns"`
	TileHosts         []string `mapstructure:"TileHosts"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Origin  OriginConfig  `mapstructure:"Origin"`
	Durable DurableConfig `mapstructure:"Durable"`
	Routing RoutingConfig `mapstructure:"Routing"`
}

// DurablePath 返回持久化存储目录，未配置时落在 StoragePath/durable。
func (c *Config) DurablePath() string {
	if c.Durable.Path != "" {
		return c.Durable.Path
	}
	return filepath.Join(c.Global.StoragePath, "durable")
}

// CachePath 返回 Cache Storage 的根目录。
func (c *Config) CachePath() string {
	return filepath.Join(c.Global.StoragePath, "cache")
}

// Summary 输出启动日志使用的关键字段。
func (c *Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"generation":      c.Global.CacheGeneration,
		"upstream":        c.Origin.Upstream,
		"durable_backend": c.Durable.Backend,
		"precache":        len(c.Origin.Precache),
	}
}
