package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/route"
)

var testManifest = []string{"/", "/ui", "/static/logo.png"}

// originStub 模拟应用源站，failures 大于 0 时对 /static/logo.png 返回 500，/assets/ 下任意路径返回 200。
type originStub struct {
	server   *httptest.Server
	hits     atomic.Int64
	failures atomic.Int64
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	o := &originStub{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch r.URL.Path {
		case "/", "/ui":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		case "/static/logo.png":
			if o.failures.Load() > 0 {
				o.failures.Add(-1)
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png"))
		default:
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				w.Header().Set("Content-Type", "application/javascript")
				_, _ = w.Write([]byte("asset " + r.URL.Path))
				return
			}
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *originStub) URL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(o.server.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	return u
}

func newTestStore(t *testing.T, dir string) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newBackendStore(t *testing.T, backend, dir string) cache.Store {
	t.Helper()
	store, err := cache.New(cache.Options{Backend: backend, Path: dir})
	if err != nil {
		t.Fatalf("%s store error: %v", backend, err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestClassifier() *route.Classifier {
	return route.NewClassifier(route.Table{
		VolatilePrefixes: []string{"/predict", "/pepperinfo/"},
		NavigablePages:   []string{"/", "/ui"},
	})
}

func newTestWorker(t *testing.T, origin *originStub, store cache.Store, manifest []string) *Worker {
	t.Helper()
	worker, err := NewWorker(Options{
		Client:     origin.server.Client(),
		Store:      store,
		Classifier: newTestClassifier(),
		Origin:     origin.URL(t),
		Manifest:   manifest,
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	return worker
}

func generations(t *testing.T, store cache.Store) []string {
	t.Helper()
	ids, err := store.Generations(context.Background())
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	return ids
}

func storedBody(t *testing.T, store cache.Store, generation, absURL string) (string, bool) {
	t.Helper()
	gen, err := store.Lookup(context.Background(), generation)
	if errors.Is(err, cache.ErrGenerationNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("lookup generation: %v", err)
	}
	entry, err := gen.Get(context.Background(), cache.GetKey(absURL))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	return string(entry.Body), true
}
