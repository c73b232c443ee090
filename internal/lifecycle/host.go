package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
)

// maxBackoff 是单次重试等待的上限。
const maxBackoff = 5 * time.Minute

// HostOptions 控制启动周期的目标版本与重试。
type HostOptions struct {
	Version        string
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Host 驱动 restore → install → activate，相当于宿主环境对 worker 的调度。
type Host struct {
	worker     *Worker
	version    string
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewHost 构造 Host。
func NewHost(worker *Worker, opts HostOptions) *Host {
	logger := logging.OrDiscard(opts.Logger)
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Host{
		worker:     worker,
		version:    opts.Version,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Version 返回目标代 ID。
func (h *Host) Version() string {
	return h.version
}

// Run 是启动周期：先沿用已有代，已是目标版本时跳过安装。
func (h *Host) Run(ctx context.Context) error {
	restored, ok, err := h.worker.Restore(ctx)
	if err != nil {
		h.logger.WithError(err).WithField("action", "restore").Warn("restore_failed")
	}
	if ok && restored == h.version {
		return nil
	}
	return h.Update(ctx)
}

// Update 安装目标版本（失败按指数退避重试），成功后激活。
func (h *Host) Update(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if err = h.worker.Install(ctx, h.version); err == nil {
			break
		}
		if attempt == h.maxRetries {
			break
		}
		wait := backoffFor(h.backoff, attempt)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "install",
			"generation": h.version,
			"attempt":    attempt + 1,
			"backoff":    wait.String(),
		}).Info("install_retry")
		if sleepErr := h.sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("install %s: %w", h.version, sleepErr)
		}
	}
	if err != nil {
		return fmt.Errorf("install %s after %d attempts: %w", h.version, h.maxRetries+1, err)
	}
	return h.worker.Activate(ctx, h.version)
}

// backoffFor 返回第 attempt 次重试前的等待：initial 逐次翻倍，不超过 maxBackoff。
func backoffFor(initial time.Duration, attempt int) time.Duration {
	wait := min(initial, maxBackoff)
	for i := 0; i < attempt; i++ {
		if wait >= maxBackoff/2 {
			return maxBackoff
		}
		wait *= 2
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
