package hub

import (
	"log"
	"sync"
	"time"

	"chat-relay/server/internal/model"

	"github.com/google/uuid"
)

// 出站队列容量：队列满视为该订阅者已失效（传输故障），直接摘除，不做静默丢弃。
const defaultSendBuffer = 256

// Subscriber 是一个推送连接在 Hub 中的登记项。
// Hub 只负责把信封放进 Outbox；真正写连接的是传输层。
type Subscriber struct {
	id          string
	connectedAt time.Time
	outbox      chan model.Envelope

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

func (s *Subscriber) ID() string             { return s.id }
func (s *Subscriber) ConnectedAt() time.Time { return s.connectedAt }

// Outbox 按事件顺序输出待发送的信封，第一条总是 initial-messages 快照。
func (s *Subscriber) Outbox() <-chan model.Envelope { return s.outbox }

// Done 在订阅者被摘除后关闭，传输层据此关闭连接。
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reason 返回被摘除的原因，仅在 Done 关闭后有意义。
func (s *Subscriber) Reason() string {
	<-s.done
	return s.reason
}

// offer 非阻塞投递。outbox 从不关闭，并发摘除时也不会向已关闭通道写入。
func (s *Subscriber) offer(env model.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbox <- env:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// Hub 是在线推送连接的集合。
//
// 广播遍历的是开始时拍下的快照，遍历期间的并发摘除不会导致跳过或重复访问其他成员；
// 投递失败的成员在遍历结束后统一摘除。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sendBuffer  int
	logger      *log.Logger

	// 统计信息
	statsMu   sync.Mutex
	published int64
	evicted   int64
}

func New(sendBuffer int, logger *log.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		sendBuffer:  sendBuffer,
		logger:      logger,
	}
}

// Subscribe 登记一个新订阅者，initial 作为它的第一条投递。
// 调用方需保证 initial 快照与登记之间没有事件提交（由 Orchestrator 的锁保证）。
func (h *Hub) Subscribe(initial model.Envelope) *Subscriber {
	sub := &Subscriber{
		id:          uuid.NewString(),
		connectedAt: time.Now(),
		outbox:      make(chan model.Envelope, h.sendBuffer),
		done:        make(chan struct{}),
	}
	sub.outbox <- initial

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	total := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Printf("[Hub] subscriber %s registered (total: %d)", sub.id, total)
	return sub
}

// Unsubscribe 摘除订阅者。可在任意时刻重复调用，包括广播进行中。
func (h *Hub) Unsubscribe(id string) bool {
	return h.remove(id, "unsubscribed")
}

func (h *Hub) remove(id, reason string) bool {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	remaining := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return false
	}
	sub.close(reason)
	h.logger.Printf("[Hub] subscriber %s removed: %s (remaining: %d)", id, reason, remaining)
	return true
}

// Publish 把事件投递给所有当前订阅者，返回成功投递数。
// 每个订阅者的投递互不影响：某个订阅者失败只会导致它被摘除。
func (h *Hub) Publish(evt model.Event) int {
	env := evt.Envelope()

	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []*Subscriber
	for _, sub := range snapshot {
		if sub.offer(env) {
			delivered++
			continue
		}
		failed = append(failed, sub)
	}

	for _, sub := range failed {
		if h.remove(sub.id, "send buffer full") {
			h.statsMu.Lock()
			h.evicted++
			h.statsMu.Unlock()
			h.logger.Printf("[Hub] ⚠️  transport failure: seq=%d not delivered to %s", evt.Seq, sub.id)
		}
	}

	h.statsMu.Lock()
	h.published++
	h.statsMu.Unlock()
	return delivered
}

// Len 返回当前订阅者数量。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close 摘除全部订阅者。
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close("hub closed")
	}
	h.logger.Printf("[Hub] closed, %d subscribers released", len(subs))
}

// GetStats 返回在线订阅者数、累计广播次数、因缓冲满被摘除的次数和缓冲容量
func (h *Hub) GetStats() map[string]interface{} {
	h.statsMu.Lock()
	published, evicted := h.published, h.evicted
	h.statsMu.Unlock()

	return map[string]interface{}{
		"subscribers": h.Len(),
		"published":   published,
		"evicted":     evicted,
		"send_buffer": h.sendBuffer,
	}
}
