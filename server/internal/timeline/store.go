package timeline

import (
	"context"
	"errors"

	"chat-relay/server/internal/model"
)

var ErrNotFound = errors.New("message not found")

// Store 是只追加的事件日志，同时持有消息的当前状态。
type Store interface {
	// AppendMessage 创建消息并追加一条 message-created 事件，返回已提交的事件。
	AppendMessage(ctx context.Context, text, author string) (model.Event, error)
	// AppendLike 为消息点赞并追加一条 like-updated 事件；消息不存在时返回 ErrNotFound 且不修改日志。
	AppendLike(ctx context.Context, messageID int64) (model.Event, error)
	// Since 返回游标之后的全部事件（升序）。零值游标返回全量日志。纯读，无副作用。
	Since(ctx context.Context, cursor model.Cursor) ([]model.Event, error)
	// Messages 返回当前全部消息（含最新点赞数）的副本。
	Messages(ctx context.Context) ([]model.Message, error)
	// Len 返回 (消息数, 事件数)。
	Len() (messages int, events int)
}
