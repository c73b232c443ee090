package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/route"
)

// ErrNotInstalled 表示试图激活一个尚未安装的代。
var ErrNotInstalled = errors.New("generation not installed")

// State 是 worker 生命周期状态。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Options 汇总 Worker 的依赖。
type Options struct {
	// Client 是真实网络出口，预加载与运行时回源共用。
	Client     fetch.Doer
	Store      cache.Store
	Classifier *route.Classifier
	Origin     *url.URL
	Manifest   []string
	Logger     *logrus.Logger
}

// Status 是 worker 当前状态快照，用于诊断接口。
type Status struct {
	Current     string   `json:"current"`
	Generations []string `json:"generations"`
	State       State    `json:"state"`
	Controlling bool     `json:"controlling"`
}

// Worker 组合预加载、清理与请求编排，保证 install 先于 activate。
type Worker struct {
	mu        sync.Mutex
	state     State
	installed map[string]struct{}

	store        cache.Store
	register     *Register
	preloader    *Preloader
	reaper       *Reaper
	orchestrator *fetch.Orchestrator
	logger       *logrus.Logger
}

// NewWorker 按 Options 组装所有组件。
func NewWorker(opts Options) (*Worker, error) {
	logger := logging.OrDiscard(opts.Logger)
	register := NewRegister()
	preloader, err := NewPreloader(opts.Client, opts.Store, opts.Classifier, opts.Origin, opts.Manifest, logger)
	if err != nil {
		return nil, err
	}
	orchestrator, err := fetch.New(fetch.Options{
		Client:      opts.Client,
		Store:       opts.Store,
		Classifier:  opts.Classifier,
		Generations: register,
		Origin:      opts.Origin,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Worker{
		state:        StateIdle,
		installed:    make(map[string]struct{}),
		store:        opts.Store,
		register:     register,
		preloader:    preloader,
		reaper:       NewReaper(opts.Store, register, logger),
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// Install 预加载 app shell 到 generationID，阻塞直到完成。
func (w *Worker) Install(ctx context.Context, generationID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.state
	w.state = StateInstalling
	fields := logging.GenerationFields("install", generationID)

	if err := w.preloader.Install(ctx, generationID); err != nil {
		w.state = previous
		w.logger.WithError(err).WithFields(fields).Warn("install_failed")
		return err
	}
	w.installed[generationID] = struct{}{}
	if previous != StateActivated {
		w.state = StateInstalled
	} else {
		w.state = previous
	}
	fields["entries"] = len(w.preloader.manifest)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Activate 切换到已安装的 generationID 并删除其余代。
func (w *Worker) Activate(ctx context.Context, generationID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.installed[generationID]; !ok {
		return fmt.Errorf("activate %s: %w", generationID, ErrNotInstalled)
	}
	w.state = StateActivating
	err := w.reaper.Activate(ctx, generationID)
	w.state = StateActivated
	// 其余代已经（或正在被）清理，不能再次激活。
	w.installed = map[string]struct{}{generationID: {}}

	entry := w.logger.WithFields(logging.GenerationFields("activate", generationID))
	if err != nil {
		entry.WithError(err).Warn("activate_complete")
		return err
	}
	entry.Info("activate_complete")
	return nil
}

// Restore 在启动时沿用上一次激活的代。未封存的代是中断安装的残留，直接删除；
// 仅当剩下恰好一个已封存的代时接管。
func (w *Worker) Restore(ctx context.Context) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.store.Generations(ctx)
	if err != nil {
		return "", false, fmt.Errorf("list generations: %w", err)
	}
	var complete []string
	var errs []error
	for _, id := range ids {
		sealed, err := w.store.Sealed(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("check generation %s: %w", id, err))
			continue
		}
		if sealed {
			complete = append(complete, id)
			continue
		}
		if err := w.store.DeleteGeneration(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete stale generation %s: %w", id, err))
			continue
		}
		w.logger.WithFields(logging.GenerationFields("restore", id)).Info("stale_generation_deleted")
	}
	if err := errors.Join(errs...); err != nil {
		return "", false, err
	}
	if len(complete) != 1 {
		return "", false, nil
	}
	id := complete[0]
	w.installed[id] = struct{}{}
	w.register.Set(id)
	w.register.Claim()
	w.state = StateActivated
	w.logger.WithFields(logging.GenerationFields("restore", id)).Info("restore_generation")
	return id, true, nil
}

// Intercept 按策略表处理一次请求。
func (w *Worker) Intercept(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error) {
	return w.orchestrator.Serve(ctx, req)
}

// Policy 返回请求将要采用的策略，供调用方在构造回源请求前决定是否原样转发。
func (w *Worker) Policy(method, path string) route.Policy {
	return w.orchestrator.Policy(method, path)
}

// Transport 返回进程内客户端可直接使用的 RoundTripper。
func (w *Worker) Transport() http.RoundTripper {
	return &fetch.Transport{Orchestrator: w.orchestrator}
}

// Status 返回当前状态快照。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	ids, err := w.store.Generations(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list generations: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return Status{
		Current:     w.register.Current(),
		Generations: ids,
		State:       state,
		Controlling: w.register.Controlling(),
	}, nil
}
