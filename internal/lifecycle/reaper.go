package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// Reaper 在激活时清理旧代并切换当前代。
type Reaper struct {
	store    cache.Store
	register *Register
	logger   *logrus.Logger
}

// NewReaper 构造 Reaper。
func NewReaper(store cache.Store, register *Register, logger *logrus.Logger) *Reaper {
	return &Reaper{store: store, register: register, logger: logging.OrDiscard(logger)}
}

// Activate 先设置当前代并接管请求，再删除除 generationID 以外的所有代。
// 切换在前，删除期间到达的请求已经指向新代。删除失败合并后返回。
func (r *Reaper) Activate(ctx context.Context, generationID string) error {
	r.register.Set(generationID)
	r.register.Claim()

	ids, err := r.store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if id == generationID {
			continue
		}
		if err := r.store.DeleteGeneration(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete generation %s: %w", id, err))
			continue
		}
		r.logger.WithFields(logging.GenerationFields("activate", id)).Info("generation_deleted")
	}

	return errors.Join(errs...)
}
