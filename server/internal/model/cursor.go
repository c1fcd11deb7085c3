package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor 表示"这个位置之后的内容我还没看过"。
// 支持两种形式：RFC3339 时间戳（客户端回传最后一条的 timestamp）或事件序号。
// 零值表示没有游标，即全量。
type Cursor struct {
	seq  int64
	ts   time.Time
	kind cursorKind
}

type cursorKind int

const (
	cursorNone cursorKind = iota
	cursorSeq
	cursorTime
)

// ParseCursor 解析 since 参数。空串返回零值游标。
func ParseCursor(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, nil
	}
	if seq, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if seq < 0 {
			return Cursor{}, fmt.Errorf("%w: negative sequence %d", ErrInvalidCursor, seq)
		}
		return SeqCursor(seq), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	return TimeCursor(ts), nil
}

// SeqCursor 以事件序号为游标。
func SeqCursor(seq int64) Cursor {
	return Cursor{seq: seq, kind: cursorSeq}
}

// TimeCursor 以时间戳为游标。
func TimeCursor(ts time.Time) Cursor {
	return Cursor{ts: ts, kind: cursorTime}
}

// IsZero 报告是否为空游标（全量快照语义）。
func (c Cursor) IsZero() bool {
	return c.kind == cursorNone
}

// Precedes 报告事件是否在游标之后，即该事件对持有此游标的消费者来说是新的。
func (c Cursor) Precedes(evt Event) bool {
	switch c.kind {
	case cursorSeq:
		return evt.Seq > c.seq
	case cursorTime:
		return evt.Timestamp.After(c.ts)
	default:
		return true
	}
}

func (c Cursor) String() string {
	switch c.kind {
	case cursorSeq:
		return strconv.FormatInt(c.seq, 10)
	case cursorTime:
		return c.ts.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}
