package cache

import (
	"fmt"
	"strings"
	"time"
)

// Options 描述 Store 的组装方式，通常由 config 包生成。
type Options struct {
	// Backend 取值 fs 或 sqlite。
	Backend string
	Path    string
	// Codec 取值 msgpack 或 cbor。
	Codec string
	// Memory 取值 none、ristretto 或 bigcache。
	Memory         string
	MaxMemoryBytes int64
	MemoryTTL      time.Duration
}

// New 按 Options 组装持久化后端与可选内存层。
func New(opts Options) (Store, error) {
	codec, err := NewCodec(opts.Codec)
	if err != nil {
		return nil, err
	}

	var store Store
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "fs":
		store, err = NewFileStore(opts.Path, codec)
	case "sqlite":
		store, err = NewSQLiteStore(opts.Path, codec)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	var provider MemoryProvider
	switch strings.ToLower(strings.TrimSpace(opts.Memory)) {
	case "", "none":
		return store, nil
	case "ristretto":
		provider, err = NewRistrettoProvider(opts.MaxMemoryBytes)
	case "bigcache":
		provider, err = NewBigcacheProvider(opts.MemoryTTL, opts.MaxMemoryBytes)
	default:
		err = fmt.Errorf("unsupported memory cache: %s", opts.Memory)
	}
	if err != nil {
		store.Close()
		return nil, err
	}
	return WithMemory(store, provider, codec), nil
}
