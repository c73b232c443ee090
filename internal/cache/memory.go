package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dgraph-io/ristretto"
)

// MemoryProvider 是内存层使用的字节存储，必须并发安全且按字节原样返回。
type MemoryProvider interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Del(key string)
	// Reset 清空全部内容，代回收时调用。
	Reset()
	Close() error
}

// NewRistrettoProvider 构造基于 ristretto 的内存层，maxBytes 作为总 cost 上限。
func NewRistrettoProvider(maxBytes int64) (MemoryProvider, error) {
	if maxBytes <= 0 {
		return nil, errors.New("ristretto: max bytes must be positive")
	}
	counters := maxBytes / 1024 * 10
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &ristrettoProvider{c: c}, nil
}

type ristrettoProvider struct {
	c *ristretto.Cache
}

func (p *ristrettoProvider) Get(key string) ([]byte, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false
	}
	return b, true
}

// Set 写入后等待缓冲落地，保证同一 Key 的连续覆盖对后续读取立即可见。
func (p *ristrettoProvider) Set(key string, value []byte) {
	if p.c.Set(key, value, int64(len(value))) {
		p.c.Wait()
	}
}

func (p *ristrettoProvider) Del(key string) {
	p.c.Del(key)
}

func (p *ristrettoProvider) Reset() {
	p.c.Clear()
}

func (p *ristrettoProvider) Close() error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// NewBigcacheProvider 构造基于 bigcache 的内存层；bigcache 只支持全局 lifeWindow。
func NewBigcacheProvider(lifeWindow time.Duration, maxBytes int64) (MemoryProvider, error) {
	if lifeWindow <= 0 {
		return nil, errors.New("bigcache: life window must be positive")
	}
	conf := bigcache.DefaultConfig(lifeWindow)
	conf.CleanWindow = lifeWindow
	conf.Verbose = false
	if mb := int(maxBytes / (1024 * 1024)); mb > 0 {
		conf.HardMaxCacheSize = mb
	}
	c, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("bigcache: %w", err)
	}
	return &bigcacheProvider{c: c}, nil
}

type bigcacheProvider struct {
	c *bigcache.BigCache
}

func (p *bigcacheProvider) Get(key string) ([]byte, bool) {
	b, err := p.c.Get(key)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (p *bigcacheProvider) Set(key string, value []byte) {
	_ = p.c.Set(key, value)
}

func (p *bigcacheProvider) Del(key string) {
	_ = p.c.Delete(key)
}

func (p *bigcacheProvider) Reset() {
	_ = p.c.Reset()
}

func (p *bigcacheProvider) Close() error {
	return p.c.Close()
}

// WithMemory 为持久化 Store 加一层读穿透内存缓存。写入先落持久层再更新内存，
// 内存层的任何失败都只会退化为一次持久层读取。
func WithMemory(next Store, provider MemoryProvider, codec Codec) Store {
	if provider == nil {
		return next
	}
	if codec == nil {
		codec = msgpackCodec{}
	}
	return &memoryStore{next: next, mem: provider, codec: codec}
}

type memoryStore struct {
	next  Store
	mem   MemoryProvider
	codec Codec
}

type memoryGeneration struct {
	store *memoryStore
	next  Generation
}

func (s *memoryStore) Open(ctx context.Context, generationID string) (Generation, error) {
	gen, err := s.next.Open(ctx, generationID)
	if err != nil {
		return nil, err
	}
	return &memoryGeneration{store: s, next: gen}, nil
}

func (s *memoryStore) Lookup(ctx context.Context, generationID string) (Generation, error) {
	gen, err := s.next.Lookup(ctx, generationID)
	if err != nil {
		return nil, err
	}
	return &memoryGeneration{store: s, next: gen}, nil
}

func (s *memoryStore) Seal(ctx context.Context, generationID string) error {
	return s.next.Seal(ctx, generationID)
}

func (s *memoryStore) Sealed(ctx context.Context, generationID string) (bool, error) {
	return s.next.Sealed(ctx, generationID)
}

func (s *memoryStore) Generations(ctx context.Context) ([]string, error) {
	return s.next.Generations(ctx)
}

func (s *memoryStore) DeleteGeneration(ctx context.Context, generationID string) error {
	err := s.next.DeleteGeneration(ctx, generationID)
	s.mem.Reset()
	return err
}

func (s *memoryStore) Close() error {
	memErr := s.mem.Close()
	return errors.Join(s.next.Close(), memErr)
}

func (g *memoryGeneration) ID() string {
	return g.next.ID()
}

func (g *memoryGeneration) memKey(key Key) string {
	return g.next.ID() + "\x00" + key.String()
}

func (g *memoryGeneration) Get(ctx context.Context, key Key) (*Entry, error) {
	mk := g.memKey(key)
	if data, ok := g.store.mem.Get(mk); ok {
		if storedKey, entry, err := g.store.codec.Decode(data); err == nil && storedKey.String() == key.String() {
			return &entry, nil
		}
		g.store.mem.Del(mk)
	}

	entry, err := g.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, encErr := g.store.codec.Encode(key, *entry); encErr == nil {
		g.store.mem.Set(mk, data)
	}
	return entry, nil
}

func (g *memoryGeneration) Put(ctx context.Context, key Key, entry Entry) error {
	if err := g.next.Put(ctx, key, entry); err != nil {
		return err
	}
	mk := g.memKey(key)
	// 先删旧值，内存层拒绝写入时读取仍会回落到持久层的新值。
	g.store.mem.Del(mk)
	if data, err := g.store.codec.Encode(key, entry); err == nil {
		g.store.mem.Set(mk, data)
	}
	return nil
}

func (g *memoryGeneration) Delete(ctx context.Context, key Key) error {
	g.store.mem.Del(g.memKey(key))
	return g.next.Delete(ctx, key)
}
