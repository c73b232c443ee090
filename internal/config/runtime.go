package config

import (
	"fmt"
	"net/url"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/route"
)

// StoreOptions 把存储相关配置转换为 cache.New 的参数。
func (c *Config) StoreOptions() cache.Options {
	g := c.Global
	return cache.Options{
		Backend:        g.StoreBackend,
		Path:           g.StoragePath,
		Codec:          g.EntryCodec,
		Memory:         g.MemoryCache,
		MaxMemoryBytes: g.MaxMemoryCache,
		MemoryTTL:      g.MemoryCacheTTL.DurationValue(),
	}
}

// RouteTable 返回策略表。
func (c *Config) RouteTable() route.Table {
	return route.Table{
		VolatilePrefixes:       append([]string(nil), c.Routes.VolatilePrefixes...),
		NavigablePages:         append([]string(nil), c.Routes.NavigablePages...),
		NormalizeTrailingSlash: c.Routes.NormalizeTrailingSlash,
	}
}

// OriginURL 解析源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("解析源站地址失败: %w", err)
	}
	return u, nil
}
