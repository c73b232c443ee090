package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
)

type storeFactory struct {
	name string
	open func(t *testing.T, dir string) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "fs", open: func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := NewFileStore(dir, nil)
			if err != nil {
				t.Fatalf("fs store error: %v", err)
			}
			return s
		}},
		{name: "sqlite", open: func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := NewSQLiteStore(dir, nil)
			if err != nil {
				t.Fatalf("sqlite store error: %v", err)
			}
			return s
		}},
		{name: "fs+cbor", open: func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := New(Options{Backend: "fs", Path: dir, Codec: "cbor"})
			if err != nil {
				t.Fatalf("store error: %v", err)
			}
			return s
		}},
		{name: "sqlite+ristretto", open: func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := New(Options{Backend: "sqlite", Path: dir, Memory: "ristretto", MaxMemoryBytes: 1 << 20})
			if err != nil {
				t.Fatalf("store error: %v", err)
			}
			return s
		}},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			t.Cleanup(func() { store.Close() })
			fn(t, store)
		})
	}
}

func sampleEntry(body string) Entry {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("Content-Length", "999")
	return NewEntry(http.StatusOK, header, []byte(body))
}

func TestStorePutAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, err := store.Open(ctx, "v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		key := GetKey("http://app.local/ui")
		if err := gen.Put(ctx, key, sampleEntry("payload")); err != nil {
			t.Fatalf("put error: %v", err)
		}

		entry, err := gen.Get(ctx, key)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if string(entry.Body) != "payload" {
			t.Fatalf("cached payload mismatch: %s", string(entry.Body))
		}
		if entry.Status != http.StatusOK {
			t.Fatalf("status mismatch: %d", entry.Status)
		}
		if got := entry.Header.Get("Content-Type"); got != "text/html" {
			t.Fatalf("header mismatch: %s", got)
		}
		if entry.Header.Get("Content-Length") != "" {
			t.Fatalf("stale content-length should not be stored")
		}
		if entry.StoredAt.IsZero() {
			t.Fatalf("stored_at should be kept")
		}
	})
}

func TestStorePutOverwrites(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, _ := store.Open(ctx, "v1")
		key := GetKey("http://app.local/")
		_ = gen.Put(ctx, key, sampleEntry("first"))
		if err := gen.Put(ctx, key, sampleEntry("second")); err != nil {
			t.Fatalf("overwrite error: %v", err)
		}
		entry, err := gen.Get(ctx, key)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if string(entry.Body) != "second" {
			t.Fatalf("expected overwrite, got %s", string(entry.Body))
		}
	})
}

func TestStoreGetMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		gen, _ := store.Open(context.Background(), "v1")
		_, err := gen.Get(context.Background(), GetKey("http://app.local/missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreRejectsNonGET(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		gen, _ := store.Open(context.Background(), "v1")
		key := Key{Method: http.MethodPost, URL: "http://app.local/predict"}
		if err := gen.Put(context.Background(), key, sampleEntry("x")); !errors.Is(err, ErrNotCacheable) {
			t.Fatalf("expected ErrNotCacheable, got %v", err)
		}
	})
}

func TestStoreRemove(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, _ := store.Open(ctx, "v1")
		key := GetKey("http://app.local/static/app.js")
		_ = gen.Put(ctx, key, sampleEntry("data"))
		if err := gen.Delete(ctx, key); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		if _, err := gen.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		if err := gen.Delete(ctx, key); err != nil {
			t.Fatalf("deleting a missing entry should succeed: %v", err)
		}
	})
}

func TestStoreGenerationIsolation(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		v1, _ := store.Open(ctx, "v1")
		v2, _ := store.Open(ctx, "v2")
		key := GetKey("http://app.local/static/logo.png")
		_ = v1.Put(ctx, key, sampleEntry("v1 logo"))

		if _, err := v2.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("v2 must not see v1 entries, got %v", err)
		}

		ids, err := store.Generations(ctx)
		if err != nil {
			t.Fatalf("generations error: %v", err)
		}
		if len(ids) != 2 || ids[0] != "v1" || ids[1] != "v2" {
			t.Fatalf("unexpected generations: %v", ids)
		}
	})
}

func TestStoreDeleteGeneration(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		v1, _ := store.Open(ctx, "v1")
		key := GetKey("http://app.local/")
		_ = v1.Put(ctx, key, sampleEntry("root"))

		if err := store.DeleteGeneration(ctx, "v1"); err != nil {
			t.Fatalf("delete generation error: %v", err)
		}
		ids, _ := store.Generations(ctx)
		if len(ids) != 0 {
			t.Fatalf("expected no generations, got %v", ids)
		}
		if err := v1.Put(ctx, key, sampleEntry("late")); !errors.Is(err, ErrGenerationGone) {
			t.Fatalf("late write must not resurrect a deleted generation, got %v", err)
		}
		if err := store.DeleteGeneration(ctx, "v1"); err != nil {
			t.Fatalf("deleting a missing generation should succeed: %v", err)
		}
	})
}

func TestStoreRejectsInvalidGeneration(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		for _, id := range []string{"", "..", "a/b", ".hidden", "v 1"} {
			if _, err := store.Open(context.Background(), id); !errors.Is(err, ErrInvalidGeneration) {
				t.Fatalf("expected ErrInvalidGeneration for %q, got %v", id, err)
			}
		}
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			key := GetKey("http://app.local/ui")

			first := f.open(t, dir)
			gen, _ := first.Open(ctx, "v3")
			if err := gen.Put(ctx, key, sampleEntry("persisted")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			first.Close()

			second := f.open(t, dir)
			defer second.Close()
			gen, _ = second.Open(ctx, "v3")
			entry, err := gen.Get(ctx, key)
			if err != nil {
				t.Fatalf("get after reopen error: %v", err)
			}
			if string(entry.Body) != "persisted" {
				t.Fatalf("unexpected body after reopen: %s", string(entry.Body))
			}
		})
	}
}

func TestStoreLookupDoesNotCreate(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if _, err := store.Lookup(ctx, "v1"); !errors.Is(err, ErrGenerationNotFound) {
			t.Fatalf("expected ErrGenerationNotFound, got %v", err)
		}
		if ids, _ := store.Generations(ctx); len(ids) != 0 {
			t.Fatalf("lookup must not create generations, got %v", ids)
		}

		gen, _ := store.Open(ctx, "v1")
		key := GetKey("http://app.local/ui")
		_ = gen.Put(ctx, key, sampleEntry("ui"))
		found, err := store.Lookup(ctx, "v1")
		if err != nil {
			t.Fatalf("lookup error: %v", err)
		}
		entry, err := found.Get(ctx, key)
		if err != nil || string(entry.Body) != "ui" {
			t.Fatalf("lookup should see stored entries, entry=%v err=%v", entry, err)
		}
		if _, err := store.Lookup(ctx, "../v1"); !errors.Is(err, ErrInvalidGeneration) {
			t.Fatalf("expected ErrInvalidGeneration, got %v", err)
		}
	})
}

func TestStoreLookupAfterDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, _ = store.Open(ctx, "v1")
		if err := store.DeleteGeneration(ctx, "v1"); err != nil {
			t.Fatalf("delete generation error: %v", err)
		}
		if _, err := store.Lookup(ctx, "v1"); !errors.Is(err, ErrGenerationNotFound) {
			t.Fatalf("deleted generation must not be found, got %v", err)
		}
		if ids, _ := store.Generations(ctx); len(ids) != 0 {
			t.Fatalf("expected no generations, got %v", ids)
		}
	})
}

func TestStoreSeal(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		if err := store.Seal(ctx, "v1"); !errors.Is(err, ErrGenerationNotFound) {
			t.Fatalf("sealing a missing generation should fail, got %v", err)
		}
		_, _ = store.Open(ctx, "v1")
		if sealed, err := store.Sealed(ctx, "v1"); err != nil || sealed {
			t.Fatalf("new generation must start unsealed, sealed=%v err=%v", sealed, err)
		}
		if err := store.Seal(ctx, "v1"); err != nil {
			t.Fatalf("seal error: %v", err)
		}
		if err := store.Seal(ctx, "v1"); err != nil {
			t.Fatalf("sealing twice should succeed: %v", err)
		}
		if sealed, _ := store.Sealed(ctx, "v1"); !sealed {
			t.Fatalf("expected v1 sealed")
		}
		if ids, _ := store.Generations(ctx); !slices.Equal(ids, []string{"v1"}) {
			t.Fatalf("seal marker must not show up as a generation, got %v", ids)
		}

		if err := store.DeleteGeneration(ctx, "v1"); err != nil {
			t.Fatalf("delete generation error: %v", err)
		}
		_, _ = store.Open(ctx, "v1")
		if sealed, _ := store.Sealed(ctx, "v1"); sealed {
			t.Fatalf("recreated generation must not inherit the old seal")
		}
	})
}

func TestStoreSealPersistsAcrossReopen(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			first := f.open(t, dir)
			_, _ = first.Open(ctx, "v1")
			_, _ = first.Open(ctx, "v2")
			if err := first.Seal(ctx, "v2"); err != nil {
				t.Fatalf("seal error: %v", err)
			}
			first.Close()

			second := f.open(t, dir)
			defer second.Close()
			if sealed, _ := second.Sealed(ctx, "v1"); sealed {
				t.Fatalf("v1 was never sealed")
			}
			if sealed, _ := second.Sealed(ctx, "v2"); !sealed {
				t.Fatalf("v2 seal should persist")
			}
		})
	}
}

func TestStoreConcurrentPutSameKey(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		gen, _ := store.Open(ctx, "v1")
		key := GetKey("http://app.local/static/logo.png")

		const writers = 16
		bodies := make([]string, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			bodies[i] = "logo-" + strconv.Itoa(i)
			wg.Add(1)
			go func(body string) {
				defer wg.Done()
				if err := gen.Put(ctx, key, sampleEntry(body)); err != nil {
					t.Errorf("concurrent put error: %v", err)
				}
			}(bodies[i])
		}
		wg.Wait()

		entry, err := gen.Get(ctx, key)
		if err != nil {
			t.Fatalf("get error: %v", err)
		}
		if !slices.Contains(bodies, string(entry.Body)) {
			t.Fatalf("stored body must be one complete write, got %q", entry.Body)
		}

		if err := gen.Put(ctx, key, sampleEntry("final")); err != nil {
			t.Fatalf("final put error: %v", err)
		}
		entry, _ = gen.Get(ctx, key)
		if string(entry.Body) != "final" {
			t.Fatalf("last write should win, got %q", entry.Body)
		}
	})
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	gen, _ := store.Open(context.Background(), "v1")
	key := GetKey("http://app.local/v2")

	fg, ok := gen.(*fileGeneration)
	if !ok {
		t.Fatalf("unexpected generation type %T", gen)
	}
	if err := os.MkdirAll(fg.entryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := gen.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFileStoreSkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".trash-v0"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	_, _ = store.Open(context.Background(), "v1")
	ids, _ := store.Generations(context.Background())
	if len(ids) != 1 || ids[0] != "v1" {
		t.Fatalf("unexpected generations: %v", ids)
	}
}

func TestEntryResponseIsIndependent(t *testing.T) {
	entry := sampleEntry("shell")
	first := entry.Response(nil)
	second := entry.Response(nil)

	a, _ := io.ReadAll(first.Body)
	b, _ := io.ReadAll(second.Body)
	if string(a) != "shell" || string(b) != "shell" {
		t.Fatalf("each response must read the full body, got %q and %q", a, b)
	}
	if first.Header.Get("Content-Length") != "5" {
		t.Fatalf("content-length should match body, got %s", first.Header.Get("Content-Length"))
	}
	first.Header.Set("X-Mutated", "1")
	if entry.Header.Get("X-Mutated") != "" {
		t.Fatalf("response headers must not alias the entry")
	}
}
