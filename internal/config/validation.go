package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
)

var (
	supportedBackends = map[string]struct{}{"fs": {}, "sqlite": {}}
	supportedCodecs   = map[string]struct{}{"msgpack": {}, "cbor": {}}
	supportedMemory   = map[string]struct{}{"none": {}, "ristretto": {}, "bigcache": {}}
)

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
	if _, ok := supportedBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 fs|sqlite")
	}
	if _, ok := supportedCodecs[g.EntryCodec]; !ok {
		return newFieldError("Global.EntryCodec", "仅支持 msgpack|cbor")
	}
	if _, ok := supportedMemory[g.MemoryCache]; !ok {
		return newFieldError("Global.MemoryCache", "仅支持 none|ristretto|bigcache")
	}
	if g.MemoryCache != "none" {
		if g.MaxMemoryCache <= 0 {
			return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
		}
		if g.MemoryCacheTTL.DurationValue() <= 0 {
			return newFieldError("Global.MemoryCacheTTL", "必须大于 0")
		}
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := cache.ValidateGenerationID(g.CacheVersion); err != nil {
		return newFieldError("Global.CacheVersion", "只能包含字母、数字、'.'、'-'、'_'，且不能以 '.' 开头")
	}
	for i, p := range g.AppShell {
		if !strings.HasPrefix(p, "/") {
			return newFieldError(listField("Global.AppShell", i), "必须以 / 开头")
		}
	}

	if err := validateUpstream(c.Origin.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}
	if err := validateOriginRoot(c.Origin.Upstream); err != nil {
		return fmt.Errorf("Origin.Upstream: %w", err)
	}
	if c.Origin.Proxy != "" {
		if err := validateUpstream(c.Origin.Proxy); err != nil {
			return fmt.Errorf("Origin.Proxy: %w", err)
		}
	}

	for i, prefix := range c.Routes.VolatilePrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(listField("Routes.VolatilePrefixes", i), "必须以 / 开头")
		}
	}
	for i, page := range c.Routes.NavigablePages {
		if !strings.HasPrefix(page, "/") {
			return newFieldError(listField("Routes.NavigablePages", i), "必须以 / 开头")
		}
	}
	// 动态接口永远不会被缓存，放进 app shell 只会让安装必然失败。
	for i, p := range g.AppShell {
		for _, prefix := range c.Routes.VolatilePrefixes {
			if strings.HasPrefix(p, prefix) {
				return newFieldError(listField("Global.AppShell", i), fmt.Sprintf("命中动态前缀 %s，不可预加载", prefix))
			}
		}
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

// validateOriginRoot 要求源站地址只有 scheme 与 host：路由表与 app shell 清单都按站点根路径书写。
func validateOriginRoot(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不能带路径前缀: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不能带查询串或片段: %s", raw)
	}
	return nil
}
