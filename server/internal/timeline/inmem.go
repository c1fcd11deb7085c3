package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-relay/server/internal/model"
)

// InMemoryStore 是一个基于内存的事件日志实现。
// 注意：重启即丢数据，没有淘汰策略。
type InMemoryStore struct {
	mu       sync.RWMutex
	events   []model.Event
	messages []model.Message
	seq      int64
	lastTS   time.Time
	now      func() time.Time
}

func NewInMemoryStore(now func() time.Time) *InMemoryStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryStore{now: now}
}

// AppendMessage 追加 message-created 事件。消息 ID 从 1 开始连续分配。
func (s *InMemoryStore) AppendMessage(_ context.Context, text, author string) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTimestamp()
	msg := model.Message{
		ID:        int64(len(s.messages)) + 1,
		Text:      text,
		Author:    author,
		Timestamp: ts,
	}
	s.messages = append(s.messages, msg)

	return s.appendLocked(model.Event{
		Kind:      model.EventMessageCreated,
		Timestamp: ts,
		Message:   &msg,
	}), nil
}

// AppendLike 点赞并追加 like-updated 事件，事件里携带新的点赞数。
func (s *InMemoryStore) AppendLike(_ context.Context, messageID int64) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID < 1 || messageID > int64(len(s.messages)) {
		return model.Event{}, fmt.Errorf("like message %d: %w", messageID, ErrNotFound)
	}
	msg := &s.messages[messageID-1]
	msg.Likes++

	return s.appendLocked(model.Event{
		Kind:      model.EventLikeUpdated,
		Timestamp: s.nextTimestamp(),
		MessageID: msg.ID,
		Likes:     msg.Likes,
	}), nil
}

// appendLocked 分配 seq 并写入日志，返回副本。调用方需持有写锁。
func (s *InMemoryStore) appendLocked(evt model.Event) model.Event {
	s.seq++
	evt.Seq = s.seq
	s.events = append(s.events, evt)
	return evt.Clone()
}

// nextTimestamp 保证时间戳严格递增：同一时刻的第二次追加顺延 1ns，
// 否则以时间戳为游标的拉取会漏掉同一 tick 内的事件。
func (s *InMemoryStore) nextTimestamp() time.Time {
	ts := s.now().UTC().Round(0)
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

// Since 返回游标之后的事件副本。事件按 seq 有序，且游标判定单调，可以二分。
func (s *InMemoryStore) Since(_ context.Context, cursor model.Cursor) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return cursor.Precedes(s.events[i])
	})
	out := make([]model.Event, 0, len(s.events)-start)
	for _, evt := range s.events[start:] {
		out = append(out, evt.Clone())
	}
	return out, nil
}

// Messages 返回消息列表副本。
func (s *InMemoryStore) Messages(_ context.Context) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *InMemoryStore) Len() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), len(s.events)
}
