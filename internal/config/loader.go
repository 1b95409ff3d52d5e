package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)
	applyDurableDefaults(&cfg.Durable)
	applyRoutingDefaults(&cfg.Routing)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// Defaults 返回不读取文件时的默认配置，调用方补齐 Upstream 与 StoragePath 后即可使用。
func Defaults() *Config {
	cfg := &Config{}
	cfg.Global.LogLevel = "info"
	cfg.Global.StoragePath = "./storage"
	applyGlobalDefaults(&cfg.Global)
	applyOriginDefaults(&cfg.Origin)
	applyDurableDefaults(&cfg.Durable)
	applyRoutingDefaults(&cfg.Routing)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheGeneration", DefaultCacheGeneration)
	v.SetDefault("NetworkTimeout", "10s")
	v.SetDefault("StalenessWindow", "24h")
	v.SetDefault("SyncInterval", "30s")
	v.SetDefault("Durable.Backend", "sqlite")
}

// DefaultCacheGeneration 是 Cache Storage 的默认代际标识；预热资源或路由逻辑不兼容变更时需要调整。
const DefaultCacheGeneration = "offline-hub-v1"

// 默认的应用路径约定，与源站 API 保持一致。
var (
	defaultPrecache = []string{"/", "/index.html", "/offline.html", "/manifest.json"}

	defaultEmergencyPatterns = []string{
		`^/api/alerts(/|$)`,
		`^/api/fire-data(/|$)`,
		`^/api/emergency(/|$)`,
	}
	defaultCacheablePatterns = []string{
		`^/api/community/reports(/|$)`,
		`^/api/family-groups(/|$)`,
		`^/api/weather(/|$)`,
		`^/api/fire-data(/|$)`,
		`^/api/alerts(/|$)`,
	}
	defaultTileHosts = []string{
		"tile.openstreetmap.org",
		"tiles.stadiamaps.com",
		"basemaps.cartocdn.com",
		"server.arcgisonline.com",
	}
)

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.CacheGeneration) == "" {
		g.CacheGeneration = DefaultCacheGeneration
	}
	if g.NetworkTimeout.DurationValue() == 0 {
		g.NetworkTimeout = Duration(10 * time.Second)
	}
	if g.StalenessWindow.DurationValue() == 0 {
		g.StalenessWindow = Duration(24 * time.Hour)
	}
	if g.SyncInterval.DurationValue() == 0 {
		g.SyncInterval = Duration(30 * time.Second)
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	if o.APIPrefix == "" {
		o.APIPrefix = "/api/"
	}
	if o.MutationPath == "" {
		o.MutationPath = "/api/community/report"
	}
	if o.OfflinePage == "" {
		o.OfflinePage = "/offline.html"
	}
	if o.Precache == nil {
		o.Precache = append([]string(nil), defaultPrecache...)
	}
	if o.ProbePath == "" {
		o.ProbePath = "/"
	}
	if o.Hosts == nil {
		o.Hosts = []string{"localhost", "127.0.0.1"}
	}
	for i, host := range o.Hosts {
		o.Hosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func applyDurableDefaults(d *DurableConfig) {
	d.Backend = strings.ToLower(strings.TrimSpace(d.Backend))
	if d.Backend == "" {
		d.Backend = "sqlite"
	}
}

func applyRoutingDefaults(r *RoutingConfig) {
	if r.EmergencyPatterns == nil {
		r.EmergencyPatterns = append([]string(nil), defaultEmergencyPatterns...)
	}
	if r.CacheablePatterns == nil {
		r.CacheablePatterns = append([]string(nil), defaultCacheablePatterns...)
	}
	if r.TileHosts == nil {
		r.TileHosts = append([]string(nil), defaultTileHosts...)
	}
	for i, host := range r.TileHosts {
		r.TileHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
