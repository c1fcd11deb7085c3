package longpoll

import (
	"log"
	"sync"
	"time"

	"chat-relay/server/internal/model"

	"github.com/google/uuid"
)

// DefaultHoldTimeout 是长轮询挂起的固定时长：
// 足够长以免客户端空转，又足够短以限制被占用的连接数。
const DefaultHoldTimeout = 25 * time.Second

// QueryFunc 在释放时重新查询游标之后的积压事件。
type QueryFunc func(cursor model.Cursor) []model.Event

// Waiter 是一个挂起的拉取请求。
// 状态机：Parked -> {Released(events), Expired([]), Cancelled}，只结算一次。
type Waiter struct {
	id           string
	cursor       model.Cursor
	registeredAt time.Time
	deadline     time.Time

	timer  *time.Timer
	result chan []model.Event
}

func (w *Waiter) ID() string                   { return w.id }
func (w *Waiter) Cursor() model.Cursor         { return w.cursor }
func (w *Waiter) RegisteredAt() time.Time      { return w.registeredAt }
func (w *Waiter) Deadline() time.Time          { return w.deadline }
func (w *Waiter) Result() <-chan []model.Event { return w.result }

// Registry 管理所有挂起的拉取请求。
//
// 结算规则：事件释放与超时是两条独立的完成路径，谁先在锁内把条目从 waiters 中删掉谁赢；
// 输家随后看到条目已不存在，直接跳过。result 带 1 个缓冲，结算从不阻塞，
// 即使请求方已经离开也不会泄漏 goroutine。
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	now     func() time.Time
	logger  *log.Logger

	released int64
	expired  int64
	closed   bool
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		waiters: make(map[string]*Waiter),
		now:     time.Now,
		logger:  logger,
	}
}

// Park 登记一个挂起请求，并在 deadline 启动超时定时器。
// Registry 已关闭时不再登记，直接以空结果结算。
func (r *Registry) Park(cursor model.Cursor, deadline time.Time) *Waiter {
	now := r.now()
	w := &Waiter{
		id:           uuid.NewString(),
		cursor:       cursor,
		registeredAt: now,
		deadline:     deadline,
		result:       make(chan []model.Event, 1),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		w.result <- []model.Event{}
		return w
	}
	r.waiters[w.id] = w
	// 定时器在锁内创建，保证 Expire 看到的 waiter.timer 已经赋值。
	w.timer = time.AfterFunc(deadline.Sub(now), func() { r.Expire(w.id) })
	parked := len(r.waiters)
	r.mu.Unlock()

	r.logger.Printf("[LongPoll] parked waiter=%s cursor=%q hold=%v parked=%d", w.id, cursor.String(), deadline.Sub(now), parked)
	return w
}

// ReleaseMatching 释放所有游标早于 evt 的挂起请求，返回释放个数。
// 释放时用 query 重新取游标之后的全部积压，避免同一 tick 内的连续事件被吞掉；
// 查询为空时至少交付触发事件本身。
func (r *Registry) ReleaseMatching(evt model.Event, query QueryFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, w := range r.waiters {
		if !w.cursor.Precedes(evt) {
			continue
		}
		delete(r.waiters, id)
		w.timer.Stop()

		var events []model.Event
		if query != nil {
			events = query(w.cursor)
		}
		if len(events) == 0 {
			events = []model.Event{evt.Clone()}
		}
		w.result <- events
		n++
	}
	r.released += int64(n)
	return n
}

// Expire 由定时器调用：条目仍挂起时移除并以空结果结算（"暂无新数据，请重新拉取"）。
func (r *Registry) Expire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[id]
	if !ok {
		return false
	}
	delete(r.waiters, id)
	w.timer.Stop()
	w.result <- []model.Event{}
	r.expired++
	return true
}

// Cancel 在请求方放弃（连接断开）时回收条目与定时器，不产生结算。
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[id]
	if !ok {
		return false
	}
	delete(r.waiters, id)
	w.timer.Stop()
	return true
}

// Len 返回当前挂起的请求数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close 以空结果结算所有挂起请求，用于优雅退出。之后的 Park 立即结算。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	for id, w := range r.waiters {
		delete(r.waiters, id)
		w.timer.Stop()
		w.result <- []model.Event{}
	}
	r.logger.Printf("[LongPoll] closed: released=%d expired=%d", r.released, r.expired)
}

// GetStats 返回当前挂起数与累计的事件释放数、超时数
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]interface{}{
		"parked":   len(r.waiters),
		"released": r.released,
		"expired":  r.expired,
	}
}
