// Package route 把请求映射到唯一的缓存策略桶。
package route

import (
	"net/http"
	"path"
	"strings"
)

// Policy 表示请求所属的策略桶。
type Policy string

const (
	// Bypass 直接透传，不读写缓存。
	Bypass Policy = "bypass"
	// NetworkOnlyWithFallback 只走网络，失败时返回 503 Offline。
	NetworkOnlyWithFallback Policy = "network-only"
	// NetworkFirst 优先网络并回写缓存，失败时回退缓存。
	NetworkFirst Policy = "network-first"
	// CacheFirst 优先缓存，未命中时回源并按条件写入。
	CacheFirst Policy = "cache-first"
)

// Table 是策略表配置：动态接口前缀与可导航页面集合。
type Table struct {
	VolatilePrefixes []string
	NavigablePages   []string
	// NormalizeTrailingSlash 为 true 时，非根路径去掉末尾 "/" 后再分类与生成缓存 Key。
	NormalizeTrailingSlash bool
}

// Classifier 按固定优先级分类：方法 → 动态前缀 → 可导航页面 → 静态资源。
type Classifier struct {
	volatile  []string
	navigable map[string]struct{}
	trim      bool
}

// NewClassifier 根据策略表构造分类器，表内容在构造后不再变化。
func NewClassifier(t Table) *Classifier {
	c := &Classifier{
		navigable: make(map[string]struct{}, len(t.NavigablePages)),
		trim:      t.NormalizeTrailingSlash,
	}
	for _, prefix := range t.VolatilePrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			c.volatile = append(c.volatile, prefix)
		}
	}
	for _, page := range t.NavigablePages {
		if page = strings.TrimSpace(page); page != "" {
			c.navigable[c.Normalize(page)] = struct{}{}
		}
	}
	return c
}

// Classify 是纯函数，首个命中的规则生效。
func (c *Classifier) Classify(method, rawPath string) Policy {
	if !strings.EqualFold(method, http.MethodGet) {
		return Bypass
	}
	p := c.Normalize(rawPath)
	// 动态前缀必须先于页面/静态规则判断，否则会被宽泛的静态规则吞掉。
	for _, prefix := range c.volatile {
		if strings.HasPrefix(p, prefix) {
			return NetworkOnlyWithFallback
		}
	}
	if _, ok := c.navigable[p]; ok {
		return NetworkFirst
	}
	return CacheFirst
}

// Normalize 清理路径，并按配置处理末尾斜杠。
func (c *Classifier) Normalize(rawPath string) string {
	if rawPath == "" {
		return "/"
	}
	trailing := strings.HasSuffix(rawPath, "/")
	clean := path.Clean("/" + rawPath)
	if trailing && clean != "/" && !c.trim {
		clean += "/"
	}
	return clean
}
