package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/route"
)

// ErrInstallFailed 表示 app shell 预加载未能完整完成。
var ErrInstallFailed = errors.New("install failed")

// maxConcurrentFetches 限制预加载时的并发回源数。
const maxConcurrentFetches = 4

// Preloader 把 app shell 清单整体写入一个代，要么全部成功，要么不留下任何条目。
type Preloader struct {
	client     fetch.Doer
	store      cache.Store
	classifier *route.Classifier
	origin     *url.URL
	manifest   []string
	logger     *logrus.Logger
}

type preloaded struct {
	key   cache.Key
	entry cache.Entry
}

// NewPreloader 校验清单：路径必须以 "/" 开头，且不能落在动态前缀上。
func NewPreloader(client fetch.Doer, store cache.Store, classifier *route.Classifier, origin *url.URL, manifest []string, logger *logrus.Logger) (*Preloader, error) {
	if client == nil || store == nil || classifier == nil || origin == nil {
		return nil, errors.New("preloader: client, store, classifier and origin are required")
	}
	if origin.Path != "" && origin.Path != "/" {
		return nil, fmt.Errorf("preloader: origin %s must not carry a path", origin)
	}
	for _, p := range manifest {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("preloader: manifest path %q must start with /", p)
		}
		if classifier.Classify(http.MethodGet, p) == route.NetworkOnlyWithFallback {
			return nil, fmt.Errorf("preloader: manifest path %q is volatile and can never be cached", p)
		}
	}
	return &Preloader{
		client:     client,
		store:      store,
		classifier: classifier,
		origin:     origin,
		manifest:   slices.Clone(manifest),
		logger:     logging.OrDiscard(logger),
	}, nil
}

// Manifest 返回清单副本。
func (p *Preloader) Manifest() []string {
	return slices.Clone(p.manifest)
}

// Install 并发拉取清单内所有路径，全部 2xx 后才写入 generationID，最后封存该代。
// 失败时已封存的代保持原样，新建或未封存的残留代整体删除。
func (p *Preloader) Install(ctx context.Context, generationID string) error {
	if err := cache.ValidateGenerationID(generationID); err != nil {
		return err
	}
	sealed, err := p.store.Sealed(ctx, generationID)
	if err != nil {
		return fmt.Errorf("%w: check generation: %w", ErrInstallFailed, err)
	}

	gen, err := p.store.Open(ctx, generationID)
	if err != nil {
		return fmt.Errorf("%w: open generation: %w", ErrInstallFailed, err)
	}

	// 任何失败都要撤掉未封存的代，已封存的代保持原样。
	installErr := func() error {
		results, err := p.fetchAll(ctx)
		if err != nil {
			return err
		}
		writeCtx := context.WithoutCancel(ctx)
		for _, r := range results {
			if err := gen.Put(writeCtx, r.key, r.entry); err != nil {
				return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, r.key.URL, err)
			}
		}
		if err := p.store.Seal(writeCtx, generationID); err != nil {
			return fmt.Errorf("%w: seal: %w", ErrInstallFailed, err)
		}
		return nil
	}()
	if installErr == nil {
		return nil
	}
	if !sealed {
		if err := p.store.DeleteGeneration(context.WithoutCancel(ctx), generationID); err != nil {
			p.logger.WithError(err).WithFields(logging.GenerationFields("install", generationID)).Warn("install_cleanup_failed")
		}
	}
	return installErr
}

func (p *Preloader) fetchAll(ctx context.Context) ([]preloaded, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]preloaded, len(p.manifest))
	sem := make(chan struct{}, maxConcurrentFetches)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, path := range p.manifest {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			item, err := p.fetchOne(ctx, path)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					// 一条失败即整体失败，取消其余请求。
					cancel()
				}
				mu.Unlock()
				return
			}
			results[i] = item
		}(i, path)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (p *Preloader) fetchOne(ctx context.Context, path string) (preloaded, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return preloaded{}, fmt.Errorf("%w: parse %s: %w", ErrInstallFailed, path, err)
	}
	target := p.origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return preloaded{}, fmt.Errorf("%w: build request %s: %w", ErrInstallFailed, path, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return preloaded{}, fmt.Errorf("%w: fetch %s: %w", ErrInstallFailed, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return preloaded{}, fmt.Errorf("%w: fetch %s: status %d", ErrInstallFailed, path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return preloaded{}, fmt.Errorf("%w: read %s: %w", ErrInstallFailed, path, err)
	}
	return preloaded{
		key:   fetch.RequestKey(req, p.classifier),
		entry: cache.NewEntry(resp.StatusCode, resp.Header, body),
	}, nil
}
