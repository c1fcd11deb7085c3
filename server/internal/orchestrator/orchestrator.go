package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chat-relay/server/internal/hub"
	"chat-relay/server/internal/longpoll"
	"chat-relay/server/internal/model"
	"chat-relay/server/internal/timeline"
)

// ErrValidation 表示必填字段缺失或为空，日志未被修改。
var ErrValidation = errors.New("validation failed")

// ErrClosed 表示 Orchestrator 已关闭，不再接受新的订阅。
var ErrClosed = errors.New("orchestrator closed")

// Orchestrator 是事件的唯一入口与分发点（Delivery Coordinator）。
//
// 职责与契约：
// - append-first：先把事件提交到 Timeline，再通知等待中的拉取请求与推送订阅者。
// - 原子性：追加、releaseMatching、publish 在同一把锁内完成；拉取的"查询+挂起"、
//   订阅的"快照+登记"也在这把锁内，因此任何消费者都不会看到半提交的状态，也不会漏或重。
// - 非阻塞：两种通知都只是往带缓冲的通道里投递，慢消费者不会拖住生产者。
type Orchestrator struct {
	mu       sync.Mutex
	timeline timeline.Store
	polls    *longpoll.Registry
	hub      *hub.Hub

	holdTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger

	closed bool
}

// Options 可选配置，零值使用默认值。
type Options struct {
	HoldTimeout time.Duration
	SendBuffer  int
	Logger      *log.Logger
}

// Stats 是运行时计数快照。
type Stats struct {
	Messages    int `json:"messages"`
	Events      int `json:"events"`
	Subscribers int `json:"subscribers"`
	ParkedPolls int `json:"parked_polls"`
}

func New(store timeline.Store, opts Options) *Orchestrator {
	if opts.HoldTimeout <= 0 {
		opts.HoldTimeout = longpoll.DefaultHoldTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Orchestrator{
		timeline:    store,
		polls:       longpoll.NewRegistry(opts.Logger),
		hub:         hub.New(opts.SendBuffer, opts.Logger),
		holdTimeout: opts.HoldTimeout,
		now:         time.Now,
		logger:      opts.Logger,
	}
}

// SubmitMessage 校验并提交一条新消息，然后通知所有消费者。
func (o *Orchestrator) SubmitMessage(ctx context.Context, text, author string) (model.Event, error) {
	text = strings.TrimSpace(text)
	author = strings.TrimSpace(author)
	if text == "" {
		return model.Event{}, fmt.Errorf("%w: message text is required", ErrValidation)
	}
	if author == "" {
		return model.Event{}, fmt.Errorf("%w: author name is required", ErrValidation)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	evt, err := o.timeline.AppendMessage(ctx, text, author)
	if err != nil {
		return model.Event{}, fmt.Errorf("append message: %w", err)
	}
	o.notifyLocked(ctx, evt)
	return evt, nil
}

// SubmitLike 为消息点赞。消息不存在时返回 timeline.ErrNotFound，不修改日志也不通知。
func (o *Orchestrator) SubmitLike(ctx context.Context, messageID int64) (model.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	evt, err := o.timeline.AppendLike(ctx, messageID)
	if err != nil {
		return model.Event{}, err
	}
	o.notifyLocked(ctx, evt)
	return evt, nil
}

// notifyLocked 先释放拉取请求再广播给订阅者：拉取方早一拍拿到数据，少一次超时重试。
// 调用方需持有 o.mu，且事件已提交。
func (o *Orchestrator) notifyLocked(ctx context.Context, evt model.Event) {
	released := o.polls.ReleaseMatching(evt, func(cursor model.Cursor) []model.Event {
		events, err := o.timeline.Since(ctx, cursor)
		if err != nil {
			o.logger.Printf("[Orchestrator] ⚠️  backlog query failed for cursor %q: %v", cursor.String(), err)
			return nil
		}
		return events
	})
	delivered := o.hub.Publish(evt)
	o.logger.Printf("[Orchestrator] seq=%d kind=%s released_polls=%d pushed=%d", evt.Seq, evt.Kind, released, delivered)
}

// Pull 是长轮询的统一入口。
// 有新事件立即返回；空游标返回全量；否则挂起直到被事件释放或超时（返回空切片，调用方应以同一游标重新拉取）。
// ctx 取消视为请求方放弃，挂起条目与定时器会被立即回收。
func (o *Orchestrator) Pull(ctx context.Context, cursor model.Cursor) ([]model.Event, error) {
	o.mu.Lock()
	if o.closed {
		// 退出中：不再挂起，客户端拿到空结果后自行重试
		o.mu.Unlock()
		return []model.Event{}, nil
	}
	events, err := o.timeline.Since(ctx, cursor)
	if err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	if len(events) > 0 || cursor.IsZero() {
		o.mu.Unlock()
		return events, nil
	}
	// 查询与挂起在同一临界区内，保证两者之间不会有事件提交。
	waiter := o.polls.Park(cursor, o.now().Add(o.holdTimeout))
	o.mu.Unlock()

	select {
	case events := <-waiter.Result():
		return events, nil
	case <-ctx.Done():
		if !o.polls.Cancel(waiter.ID()) {
			// 已经结算，结果留在缓冲里随 waiter 一起回收。
			o.logger.Printf("[Orchestrator] waiter %s settled after caller left", waiter.ID())
		}
		return nil, ctx.Err()
	}
}

// Subscribe 登记一个推送订阅者，它的第一条投递是当前全部消息的快照。
func (o *Orchestrator) Subscribe(ctx context.Context) (*hub.Subscriber, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}

	messages, err := o.timeline.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot messages: %w", err)
	}
	return o.hub.Subscribe(model.InitialMessages(messages)), nil
}

// Unsubscribe 摘除订阅者。断线回调与投递失败都会走到这里，重复调用无副作用。
func (o *Orchestrator) Unsubscribe(id string) {
	o.hub.Unsubscribe(id)
}

// Messages 返回当前消息快照。
func (o *Orchestrator) Messages(ctx context.Context) ([]model.Message, error) {
	return o.timeline.Messages(ctx)
}

// Stats 返回计数快照。
func (o *Orchestrator) Stats() Stats {
	messages, events := o.timeline.Len()
	return Stats{
		Messages:    messages,
		Events:      events,
		Subscribers: o.hub.Len(),
		ParkedPolls: o.polls.Len(),
	}
}

// Details 汇总各组件的详细统计，供 /stats 调试用。
func (o *Orchestrator) Details() map[string]interface{} {
	return map[string]interface{}{
		"longpoll": o.polls.GetStats(),
		"hub":      o.hub.GetStats(),
	}
}

// Close 结算所有挂起请求并释放所有订阅者，用于优雅退出。
// 关闭后 Pull 立即返回空结果，Subscribe 返回 ErrClosed。重复调用无副作用。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true

	o.polls.Close()
	o.hub.Close()
	o.logger.Printf("[Orchestrator] closed")
}
