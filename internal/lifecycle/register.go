package lifecycle

import "sync/atomic"

// Register 保存当前代 ID 与接管状态，只有 Reaper/Restore 写入，请求路径只读。
type Register struct {
	current     atomic.Value
	controlling atomic.Bool
}

// NewRegister 返回空寄存器：无当前代、未接管。
func NewRegister() *Register {
	r := &Register{}
	r.current.Store("")
	return r
}

// Current 返回当前代 ID，未激活时为空串。
func (r *Register) Current() string {
	id, _ := r.current.Load().(string)
	return id
}

// Controlling 表示 worker 是否已接管客户端请求。
func (r *Register) Controlling() bool {
	return r.controlling.Load()
}

// Set 切换当前代。
func (r *Register) Set(id string) {
	r.current.Store(id)
}

// Claim 开始拦截请求，之后的请求按策略表处理。
func (r *Register) Claim() {
	r.controlling.Store(true)
}
