package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"chat-relay/server/internal/hub"
	"chat-relay/server/internal/longpoll"
	"chat-relay/server/internal/model"
	"chat-relay/server/internal/timeline"
)

func newTestOrchestrator(hold time.Duration) (*Orchestrator, *timeline.InMemoryStore) {
	store := timeline.NewInMemoryStore(nil)
	orch := New(store, Options{
		HoldTimeout: hold,
		SendBuffer:  1024,
		Logger:      log.New(io.Discard, "", 0),
	})
	return orch, store
}

func nextEnvelope(t *testing.T, sub *hub.Subscriber) model.Envelope {
	t.Helper()
	select {
	case env := <-sub.Outbox():
		return env
	case <-time.After(time.Second):
		t.Fatalf("no envelope delivered")
		return model.Envelope{}
	}
}

// TestOrchestratorMessageAndLikeScenario 验证"发消息、点赞"的完整链路。
// 场景：订阅者先连接；提交消息得到 id=1 likes=0；点赞得到 likes=1；订阅者按序收到两条信封；
// 以消息之前的时间戳拉取立即返回；以点赞之后的时间戳拉取在超时后返回空。
func TestOrchestratorMessageAndLikeScenario(t *testing.T) {
	orch, _ := newTestOrchestrator(100 * time.Millisecond)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	sub, err := orch.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if env := nextEnvelope(t, sub); env.Command != model.CommandInitialMessages || len(env.Messages) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", env)
	}

	created, err := orch.SubmitMessage(ctx, "hi", "a")
	if err != nil {
		t.Fatalf("submit message: %v", err)
	}
	if created.Message.ID != 1 || created.Message.Likes != 0 {
		t.Fatalf("unexpected created message: %+v", created.Message)
	}

	liked, err := orch.SubmitLike(ctx, 1)
	if err != nil {
		t.Fatalf("submit like: %v", err)
	}
	if liked.Likes != 1 {
		t.Fatalf("expected likes 1, got %d", liked.Likes)
	}

	first := nextEnvelope(t, sub)
	second := nextEnvelope(t, sub)
	if first.Command != model.CommandNewMessage || first.Message.ID != 1 {
		t.Fatalf("expected new-message(id=1) first, got %+v", first)
	}
	if second.Command != model.CommandLikeUpdate || second.MessageID != 1 || second.Likes != 1 {
		t.Fatalf("expected like-update(id=1, likes=1) second, got %+v", second)
	}

	events, err := orch.Pull(ctx, model.TimeCursor(before))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(events) != 2 || events[0].Message.ID != 1 {
		t.Fatalf("expected both events, got %+v", events)
	}

	start := time.Now()
	events, err = orch.Pull(ctx, model.TimeCursor(liked.Timestamp))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty result after timeout, got %+v", events)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond || elapsed > time.Second {
		t.Fatalf("unexpected hold duration %v", elapsed)
	}
}

// TestOrchestratorSubmitMessageValidation 验证缺少字段时拒绝且不修改日志、不通知订阅者。
func TestOrchestratorSubmitMessageValidation(t *testing.T) {
	orch, store := newTestOrchestrator(time.Second)
	ctx := context.Background()
	sub, _ := orch.Subscribe(ctx)
	nextEnvelope(t, sub)

	cases := []struct{ text, author string }{
		{"", "a"},
		{"hi", ""},
		{"   ", "a"},
	}
	for _, tc := range cases {
		if _, err := orch.SubmitMessage(ctx, tc.text, tc.author); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", tc, err)
		}
	}
	if _, events := store.Len(); events != 0 {
		t.Fatalf("expected no events, got %d", events)
	}
	select {
	case env := <-sub.Outbox():
		t.Fatalf("unexpected notification %+v", env)
	default:
	}
}

// TestOrchestratorSubmitLikeNotFound 验证对未知消息点赞返回 ErrNotFound。
func TestOrchestratorSubmitLikeNotFound(t *testing.T) {
	orch, _ := newTestOrchestrator(time.Second)
	if _, err := orch.SubmitLike(context.Background(), 7); !errors.Is(err, timeline.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestOrchestratorPullReleasedByEvent 验证挂起的拉取会被新事件释放，并带回游标之后的全部积压。
func TestOrchestratorPullReleasedByEvent(t *testing.T) {
	orch, _ := newTestOrchestrator(5 * time.Second)
	ctx := context.Background()

	if _, err := orch.SubmitMessage(ctx, "first", "a"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result := make(chan []model.Event, 1)
	go func() {
		events, err := orch.Pull(ctx, model.SeqCursor(1))
		if err != nil {
			t.Errorf("pull: %v", err)
		}
		result <- events
	}()

	waitFor(t, func() bool { return orch.Stats().ParkedPolls == 1 })

	if _, err := orch.SubmitMessage(ctx, "second", "b"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case events := <-result:
		if len(events) != 1 || events[0].Seq != 2 || events[0].Message.Text != "second" {
			t.Fatalf("unexpected released events: %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pull was not released")
	}
	if orch.Stats().ParkedPolls != 0 {
		t.Fatalf("expected no parked polls")
	}
}

// TestOrchestratorPullWithoutCursorReturnsSnapshot 验证空游标立即返回全量，即使日志为空也不挂起。
func TestOrchestratorPullWithoutCursorReturnsSnapshot(t *testing.T) {
	orch, _ := newTestOrchestrator(5 * time.Second)
	ctx := context.Background()

	events, err := orch.Pull(ctx, model.Cursor{})
	if err != nil || events == nil || len(events) != 0 {
		t.Fatalf("expected empty snapshot, got %+v err=%v", events, err)
	}

	if _, err := orch.SubmitMessage(ctx, "hi", "a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, _ := orch.Pull(ctx, model.Cursor{})
	second, _ := orch.Pull(ctx, model.Cursor{})
	if len(first) != 1 || len(second) != 1 || first[0].Seq != second[0].Seq {
		t.Fatalf("snapshot not idempotent: %+v vs %+v", first, second)
	}
}

// TestOrchestratorPullAbandoned 验证请求方放弃后挂起条目被回收。
func TestOrchestratorPullAbandoned(t *testing.T) {
	orch, _ := newTestOrchestrator(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := orch.Pull(ctx, model.SeqCursor(0))
		done <- err
	}()
	waitFor(t, func() bool { return orch.Stats().ParkedPolls == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pull did not return after cancel")
	}
	if orch.Stats().ParkedPolls != 0 {
		t.Fatalf("expected waiter reclaimed")
	}
}

// TestOrchestratorConvergesUnderConcurrency 验证并发生产时推送与拉取两种消费者都看到无缺口、无重复的升序事件。
// 场景：4 个生产者各提交 50 条；一个订阅者与一个循环拉取者同时消费。
func TestOrchestratorConvergesUnderConcurrency(t *testing.T) {
	const producers, perProducer = 4, 50
	const total = producers * perProducer

	orch, _ := newTestOrchestrator(time.Second)
	ctx := context.Background()

	sub, err := orch.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nextEnvelope(t, sub)

	pulled := make(chan []int64, 1)
	go func() {
		var seqs []int64
		cursor := model.SeqCursor(0)
		for len(seqs) < total {
			events, err := orch.Pull(ctx, cursor)
			if err != nil {
				t.Errorf("pull: %v", err)
				break
			}
			for _, evt := range events {
				seqs = append(seqs, evt.Seq)
				cursor = model.SeqCursor(evt.Seq)
			}
		}
		pulled <- seqs
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := orch.SubmitMessage(ctx, "msg", "author"); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	for want := int64(1); want <= total; want++ {
		env := nextEnvelope(t, sub)
		if env.EventID != want {
			t.Fatalf("subscriber expected seq %d, got %d", want, env.EventID)
		}
	}

	select {
	case seqs := <-pulled:
		if len(seqs) != total {
			t.Fatalf("puller expected %d events, got %d", total, len(seqs))
		}
		for i, seq := range seqs {
			if seq != int64(i+1) {
				t.Fatalf("puller expected seq %d at %d, got %d", i+1, i, seq)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("puller did not finish")
	}
}

// TestOrchestratorCloseReleasesConsumers 验证关闭时挂起的拉取以空结果返回、订阅者被释放。
func TestOrchestratorCloseReleasesConsumers(t *testing.T) {
	orch, _ := newTestOrchestrator(5 * time.Second)
	ctx := context.Background()

	sub, _ := orch.Subscribe(ctx)
	result := make(chan []model.Event, 1)
	go func() {
		events, _ := orch.Pull(ctx, model.SeqCursor(0))
		result <- events
	}()
	waitFor(t, func() bool { return orch.Stats().ParkedPolls == 1 })

	orch.Close()

	select {
	case events := <-result:
		if len(events) != 0 {
			t.Fatalf("expected empty result, got %+v", events)
		}
	case <-time.After(time.Second):
		t.Fatalf("pull not released on close")
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscriber not released on close")
	}
}

// TestOrchestratorRejectsConsumersAfterClose 验证关闭后的拉取立即返回空结果，新的订阅被拒绝。
// 场景：退出过程中客户端收到空结果后马上重新拉取、或重新建立推送连接。
func TestOrchestratorRejectsConsumersAfterClose(t *testing.T) {
	orch, _ := newTestOrchestrator(5 * time.Second)
	ctx := context.Background()
	orch.Close()

	start := time.Now()
	events, err := orch.Pull(ctx, model.SeqCursor(0))
	if err != nil {
		t.Fatalf("pull after close: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Fatalf("expected empty non-nil result, got %+v", events)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("pull after close parked for %v", elapsed)
	}

	sub, err := orch.Subscribe(ctx)
	if !errors.Is(err, ErrClosed) || sub != nil {
		t.Fatalf("expected ErrClosed, got sub=%v err=%v", sub, err)
	}
	if stats := orch.Stats(); stats.Subscribers != 0 || stats.ParkedPolls != 0 {
		t.Fatalf("unexpected stats after close: %+v", stats)
	}

	// 重复关闭无副作用
	orch.Close()
}

// TestOrchestratorDefaultHoldTimeout 验证默认挂起时长为 25 秒，且空闲时在 24~26 秒之间返回空结果。
func TestOrchestratorDefaultHoldTimeout(t *testing.T) {
	orch, _ := newTestOrchestrator(0)
	if orch.holdTimeout != longpoll.DefaultHoldTimeout || longpoll.DefaultHoldTimeout != 25*time.Second {
		t.Fatalf("expected 25s hold timeout, got %v", orch.holdTimeout)
	}
	if testing.Short() {
		t.Skip("skipping 25s hold in short mode")
	}

	start := time.Now()
	events, err := orch.Pull(context.Background(), model.SeqCursor(0))
	elapsed := time.Since(start)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", events, err)
	}
	if elapsed < 24*time.Second || elapsed > 26*time.Second {
		t.Fatalf("hold duration %v outside [24s, 26s]", elapsed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within 2s")
}
