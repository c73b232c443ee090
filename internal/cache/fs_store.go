package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// sealFileName 标记代目录已完整安装。
const sealFileName = ".sealed"

// NewFileStore 以 basePath 为根目录构建磁盘缓存，每个代一个子目录：
//
//	<basePath>/<generation>/<sha1(key)>.entry
func NewFileStore(basePath string, codec Codec) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = msgpackCodec{}
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		codec:    codec,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string
	codec    Codec

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	store *fileStore
	id    string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, generationID string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(generationID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation dir: %w", err)
	}
	return &fileGeneration{store: s, id: generationID, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, generationID string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.existingDir(generationID)
	if err != nil {
		return nil, err
	}
	return &fileGeneration{store: s, id: generationID, dir: dir}, nil
}

func (s *fileStore) Seal(ctx context.Context, generationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.existingDir(generationID)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, ".seal-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID)
		}
		return err
	}
	tempName := tempFile.Name()
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, filepath.Join(dir, sealFileName)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Sealed(ctx context.Context, generationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(generationID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, sealFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || ValidateGenerationID(item.Name()) != nil {
			continue
		}
		ids = append(ids, item.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileStore) DeleteGeneration(ctx context.Context, generationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationDir(generationID)
	if err != nil {
		return err
	}
	// 先改名再删除，避免删除过程中残留的半个目录被 Generations 列出。
	trash := filepath.Join(s.basePath, ".trash-"+generationID)
	if err := os.RemoveAll(trash); err != nil {
		return err
	}
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.RemoveAll(trash)
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) generationDir(generationID string) (string, error) {
	if err := ValidateGenerationID(generationID); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, generationID), nil
}

func (s *fileStore) existingDir(generationID string) (string, error) {
	dir, err := s.generationDir(generationID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID)
	}
	return dir, nil
}

func (g *fileGeneration) ID() string {
	return g.id
}

func (g *fileGeneration) Get(ctx context.Context, key Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := g.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	storedKey, entry, err := g.store.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if storedKey.String() != key.String() {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (g *fileGeneration) Put(ctx context.Context, key Key, entry Entry) error {
	if !key.Cacheable() {
		return fmt.Errorf("%w: %s", ErrNotCacheable, key)
	}
	data, err := g.store.codec.Encode(key, entry)
	if err != nil {
		return err
	}

	unlock := g.store.lockEntry(g.lockKey(key))
	defer unlock()

	// 代目录由 Open 创建；目录缺失说明该代已被回收，不能在此处复活。
	if info, err := os.Stat(g.dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrGenerationGone, g.id)
	}

	filePath := g.entryPath(key)
	tempFile, err := os.CreateTemp(g.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrGenerationGone, g.id)
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fileGeneration) Delete(ctx context.Context, key Key) error {
	unlock := g.store.lockEntry(g.lockKey(key))
	defer unlock()

	if err := os.Remove(g.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (g *fileGeneration) entryPath(key Key) string {
	return filepath.Join(g.dir, hashKey(key)+entrySuffix)
}

func (g *fileGeneration) lockKey(key Key) string {
	return g.id + "::" + hashKey(key)
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func hashKey(key Key) string {
	sum := sha1.Sum([]byte(strings.ToUpper(key.Method) + " " + key.URL))
	return hex.EncodeToString(sum[:])
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
