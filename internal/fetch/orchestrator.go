package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/route"
)

// Doer 是网络出口，*http.Client 即满足。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// GenerationSource 提供当前代 ID 以及是否已接管客户端，由 lifecycle.Register 实现。
type GenerationSource interface {
	Current() string
	Controlling() bool
}

// Source 描述最终响应的来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Outcome 记录一次拦截的策略与结果，供响应头和日志使用。
type Outcome struct {
	Policy route.Policy
	Source Source
	Stored bool
}

// Options 汇总 Orchestrator 的依赖。
type Options struct {
	Client      Doer
	Store       cache.Store
	Classifier  *route.Classifier
	Generations GenerationSource
	// Origin 是应用自身的源，用于判断回源响应是否同源；为空时以请求 URL 为准。
	Origin *url.URL
	Logger *logrus.Logger
}

// Orchestrator 对每个被拦截的请求执行分类后的缓存策略。
type Orchestrator struct {
	client      Doer
	store       cache.Store
	classifier  *route.Classifier
	generations GenerationSource
	origin      *url.URL
	logger      *logrus.Logger
}

// New 校验依赖并构造 Orchestrator。Store 可以为空，此时所有查找都视为未命中。
func New(opts Options) (*Orchestrator, error) {
	if opts.Client == nil {
		return nil, errors.New("fetch: client is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("fetch: classifier is required")
	}
	if opts.Generations == nil {
		return nil, errors.New("fetch: generation source is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	return &Orchestrator{
		client:      opts.Client,
		store:       opts.Store,
		classifier:  opts.Classifier,
		generations: opts.Generations,
		origin:      opts.Origin,
		logger:      logger,
	}, nil
}

// Serve 决定响应来源。只有 Bypass 的传输错误会返回 error，其余策略统一降级为缓存或 503 Offline。
func (o *Orchestrator) Serve(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	policy := o.Policy(req.Method, req.URL.Path)
	outcome := Outcome{Policy: policy}

	switch policy {
	case route.NetworkOnlyWithFallback:
		resp, err := o.client.Do(req.WithContext(ctx))
		if err != nil {
			outcome.Source = SourceFallback
			return OfflineResponse(req), outcome, nil
		}
		outcome.Source = SourceNetwork
		return resp, outcome, nil

	case route.NetworkFirst:
		return o.networkFirst(ctx, req, outcome)

	case route.CacheFirst:
		return o.cacheFirst(ctx, req, outcome)

	default:
		outcome.Source = SourceBypass
		resp, err := o.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, outcome, err
		}
		return resp, outcome, nil
	}
}

// Policy 返回请求将要采用的策略；尚未激活接管时一律 Bypass。
func (o *Orchestrator) Policy(method, path string) route.Policy {
	if !o.generations.Controlling() {
		return route.Bypass
	}
	return o.classifier.Classify(method, path)
}

func (o *Orchestrator) networkFirst(ctx context.Context, req *http.Request, outcome Outcome) (*http.Response, Outcome, error) {
	key := RequestKey(req, o.classifier)
	resp, err := o.client.Do(req.WithContext(ctx))
	if err == nil {
		resp, body, dupErr := duplicate(resp)
		if dupErr == nil {
			outcome.Source = SourceNetwork
			if o.cacheable(req, resp) {
				outcome.Stored = o.put(ctx, key, cache.NewEntry(resp.StatusCode, resp.Header, body))
			}
			return resp, outcome, nil
		}
		err = dupErr
	}

	if entry := o.lookup(ctx, key); entry != nil {
		outcome.Source = SourceCache
		return entry.Response(req), outcome, nil
	}
	outcome.Source = SourceFallback
	return OfflineResponse(req), outcome, nil
}

func (o *Orchestrator) cacheFirst(ctx context.Context, req *http.Request, outcome Outcome) (*http.Response, Outcome, error) {
	key := RequestKey(req, o.classifier)
	if entry := o.lookup(ctx, key); entry != nil {
		outcome.Source = SourceCache
		return entry.Response(req), outcome, nil
	}

	resp, err := o.client.Do(req.WithContext(ctx))
	if err != nil {
		outcome.Source = SourceFallback
		return OfflineResponse(req), outcome, nil
	}
	resp, body, err := duplicate(resp)
	if err != nil {
		outcome.Source = SourceFallback
		return OfflineResponse(req), outcome, nil
	}
	outcome.Source = SourceNetwork
	if o.cacheable(req, resp) {
		outcome.Stored = o.put(ctx, key, cache.NewEntry(resp.StatusCode, resp.Header, body))
	}
	return resp, outcome, nil
}

// lookup 在当前代中查找；存储不可用等同未命中。
func (o *Orchestrator) lookup(ctx context.Context, key cache.Key) *cache.Entry {
	current := o.generations.Current()
	if o.store == nil || current == "" {
		return nil
	}
	gen, err := o.store.Lookup(ctx, current)
	if errors.Is(err, cache.ErrGenerationNotFound) {
		return nil
	}
	if err != nil {
		o.warnStore("cache_open_failed", current, key, err)
		return nil
	}
	entry, err := gen.Get(ctx, key)
	switch {
	case err == nil:
		return entry
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		o.warnStore("cache_get_failed", current, key, err)
		return nil
	}
}

// put 写入当前代。写入使用脱离请求取消的 context，客户端中途离开时写入仍能完成。
func (o *Orchestrator) put(ctx context.Context, key cache.Key, entry cache.Entry) bool {
	current := o.generations.Current()
	if o.store == nil || current == "" || !key.Cacheable() {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	// 运行时只写入已存在的代，代的创建只发生在预加载中。
	gen, err := o.store.Lookup(ctx, current)
	if err != nil {
		o.warnStore("cache_open_failed", current, key, err)
		return false
	}
	if err := gen.Put(ctx, key, entry); err != nil {
		o.warnStore("cache_put_failed", current, key, err)
		return false
	}
	return true
}

func (o *Orchestrator) warnStore(event, generation string, key cache.Key, err error) {
	o.logger.WithError(err).WithFields(logrus.Fields{
		"action":     "cache",
		"generation": generation,
		"key":        key.String(),
	}).Warn(event)
}

// cacheable 仅缓存同源的成功响应，排除 206 分段响应。
func (o *Orchestrator) cacheable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	origin := o.origin
	if origin == nil {
		origin = req.URL
	}
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return sameOrigin(origin, final)
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// RequestKey 用规范化后的绝对 URL 生成缓存 Key，预加载与运行时拦截共用。
func RequestKey(req *http.Request, classifier *route.Classifier) cache.Key {
	u := *req.URL
	if classifier != nil {
		u.Path = classifier.Normalize(u.Path)
		u.RawPath = ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return cache.Key{Method: strings.ToUpper(req.Method), URL: u.String()}
}

// duplicate 一次性读完响应体，返回给调用方的副本与写入缓存的副本互相独立。
func duplicate(resp *http.Response) (*http.Response, []byte, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, bytes.Clone(body), nil
}

// offlineBody 是网络与缓存都无法满足请求时的固定响应体。
const offlineBody = "Offline"

// OfflineResponse 合成 503 Offline 响应。
func OfflineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(offlineBody)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}
