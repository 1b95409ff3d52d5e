package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var supportedDurableBackends = map[string]struct{}{
	"sqlite":  {},
	"leveldb": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if strings.TrimSpace(g.CacheGeneration) == "" {
		return newFieldError("Global.CacheGeneration", "不能为空")
	}
	if strings.ContainsAny(g.CacheGeneration, `/\ `) {
		return newFieldError("Global.CacheGeneration", "不允许包含路径分隔符或空格")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.StalenessWindow.DurationValue() <= 0 {
		return newFieldError("Global.StalenessWindow", "必须大于 0")
	}
	if g.SyncInterval.DurationValue() <= 0 {
		return newFieldError("Global.SyncInterval", "必须大于 0")
	}

	if err := validateUpstream(c.Origin.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}
	for field, value := range map[string]string{
		"Origin.APIPrefix":    c.Origin.APIPrefix,
		"Origin.MutationPath": c.Origin.MutationPath,
		"Origin.OfflinePage":  c.Origin.OfflinePage,
		"Origin.ProbePath":    c.Origin.ProbePath,
	} {
		if !strings.HasPrefix(value, "/") {
			return newFieldError(field, "必须以 / 开头")
		}
	}
	for i, res := range c.Origin.Precache {
		if !strings.HasPrefix(res, "/") {
			return newFieldError(listField("Origin.Precache", i), "必须是应用内相对路径")
		}
	}

	if _, ok := supportedDurableBackends[c.Durable.Backend]; !ok {
		return newFieldError("Durable.Backend", "仅支持 sqlite|leveldb")
	}

	if err := validatePatterns("Routing.EmergencyPatterns", c.Routing.EmergencyPatterns); err != nil {
		return err
	}
	if err := validatePatterns("Routing.CacheablePatterns", c.Routing.CacheablePatterns); err != nil {
		return err
	}
	for i, host := range c.Routing.TileHosts {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%s: %w", listField("Routing.TileHosts", i), err)
		}
	}

	return nil
}

func validatePatterns(field string, patterns []string) error {
	for i, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(listField(field, i), fmt.Sprintf("正则无效: %v", err))
		}
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("Host 不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("Host 不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("Host 不允许包含空格")
	}
	if strings.HasPrefix(host, "http") && strings.Contains(host, ":") {
		return errors.New("Host 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// OriginHosts 返回被视为同源的 Host 列表：显式配置项加上游自身的 Host。
func (c *Config) OriginHosts() []string {
	hosts := append([]string(nil), c.Origin.Hosts...)
	if parsed, err := url.Parse(c.Origin.Upstream); err == nil && parsed.Hostname() != "" {
		hosts = append(hosts, strings.ToLower(parsed.Hostname()))
	}
	return hosts
}
