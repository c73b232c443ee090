package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Store 管理所有缓存代（generation），每个代对应一次发布版本。
type Store interface {
	// Open 打开（必要时创建）指定代并返回其读写句柄。只有预加载会创建代。
	Open(ctx context.Context, generationID string) (Generation, error)

	// Lookup 打开已存在的代，不存在时返回 ErrGenerationNotFound，绝不创建。
	Lookup(ctx context.Context, generationID string) (Generation, error)

	// Seal 标记代已完整安装，Sealed 查询该标记。未封存的代视为中断安装的残留。
	Seal(ctx context.Context, generationID string) error
	Sealed(ctx context.Context, generationID string) (bool, error)

	// Generations 列出当前持久化的全部代 ID。
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration 删除整个代及其所有条目，不存在时视为成功。
	DeleteGeneration(ctx context.Context, generationID string) error

	// Close 释放底层资源。
	Close() error
}

// Generation 是单个代内的 key → 响应快照映射，不同代之间互不可见。
type Generation interface {
	ID() string

	// Get 返回缓存条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*Entry, error)

	// Put 覆盖写入同一 Key 的条目。非 GET Key 返回 ErrNotCacheable。
	Put(ctx context.Context, key Key, entry Entry) error

	// Delete 删除单个条目，不存在时视为成功。
	Delete(ctx context.Context, key Key) error
}

// Key 唯一定位一个缓存条目：请求方法 + 绝对 URL。
type Key struct {
	Method string
	URL    string
}

// GetKey 构造 GET 请求的 Key。
func GetKey(rawURL string) Key {
	return Key{Method: http.MethodGet, URL: rawURL}
}

// Cacheable 仅 GET 请求允许落盘。
func (k Key) Cacheable() bool {
	return strings.EqualFold(k.Method, http.MethodGet) && k.URL != ""
}

func (k Key) String() string {
	return strings.ToUpper(k.Method) + " " + k.URL
}

// Entry 是某一时刻的响应快照，写入后不再修改。
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry 复制 header/body，保证快照与调用方持有的数据互不影响。
func NewEntry(status int, header http.Header, body []byte) Entry {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del("Content-Length")
	return Entry{
		Status:   status,
		Header:   h,
		Body:     bytes.Clone(body),
		StoredAt: time.Now().UTC(),
	}
}

// Response 基于快照构造一个全新的、可独立读取的响应。
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

var (
	// ErrNotFound 表示当前代中不存在该条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示 Key 不满足落盘条件（非 GET）。
	ErrNotCacheable = errors.New("cache key not cacheable")
	// ErrInvalidGeneration 表示代 ID 为空或包含非法字符。
	ErrInvalidGeneration = errors.New("invalid generation id")
	// ErrGenerationGone 表示写入时目标代已被删除。
	ErrGenerationGone = errors.New("cache generation removed")
	// ErrGenerationNotFound 表示 Lookup/Seal 的目标代不存在。
	ErrGenerationNotFound = errors.New("cache generation not found")
)

// ValidateGenerationID 要求代 ID 为单个安全路径片段，两种后端共用同一规则。
func ValidateGenerationID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, id)
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidGeneration, id)
		}
	}
	return nil
}
