package model

import (
	"encoding/json"
	"time"
)

// EventKind 区分日志中的事件类型。
type EventKind string

const (
	EventMessageCreated EventKind = "message-created"
	EventLikeUpdated    EventKind = "like-updated"
)

// Message 是一条聊天消息。
// 只有点赞会修改 Likes；消息从不删除。对外暴露的一律是副本。
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
	Likes     int       `json:"likes"`
}

// Event 表示事件日志中的一条记录。
// 约定：Seq 单调递增且不复用；Timestamp 与 Seq 同序（严格递增）。
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// message-created 时为消息快照。
	Message *Message `json:"message,omitempty"`

	// like-updated 时为 (消息ID, 新点赞数)。
	MessageID int64 `json:"message_id,omitempty"`
	Likes     int   `json:"likes,omitempty"`
}

// Clone 返回深拷贝，避免调用方拿到可被并发修改的引用。
func (e Event) Clone() Event {
	if e.Message != nil {
		msg := *e.Message
		e.Message = &msg
	}
	return e
}

// Envelope 把事件转换成推送/拉取共用的线上格式。
func (e Event) Envelope() Envelope {
	env := Envelope{
		EventID:   e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch e.Kind {
	case EventMessageCreated:
		env.Command = CommandNewMessage
		if e.Message != nil {
			msg := *e.Message
			env.Message = &msg
		}
	case EventLikeUpdated:
		env.Command = CommandLikeUpdate
		env.MessageID = e.MessageID
		env.Likes = e.Likes
	}
	return env
}

// Command 是 WebSocket 信封中的 command 字段。
type Command string

const (
	// 服务端 -> 客户端
	CommandInitialMessages Command = "initial-messages"
	CommandNewMessage      Command = "new-message"
	CommandLikeUpdate      Command = "like-update"
	CommandError           Command = "error"

	// 客户端 -> 服务端
	CommandSendMessage Command = "send-message"
	CommandLikeMessage Command = "like-message"
)

// Envelope 服务端下发给客户端的消息。
// EventID/Timestamp 只在由事件生成的信封上出现，客户端可用它们计算下一次拉取的游标。
type Envelope struct {
	Command   Command   `json:"command"`
	EventID   int64     `json:"id,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	Likes     int       `json:"likes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// MarshalJSON 按 command 输出对应字段。
// initial-messages 即使没有消息也必须带上空数组；like-update 总是带上 likes。
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Command {
	case CommandInitialMessages:
		messages := e.Messages
		if messages == nil {
			messages = []Message{}
		}
		return json.Marshal(struct {
			Command  Command   `json:"command"`
			Messages []Message `json:"messages"`
		}{e.Command, messages})
	case CommandNewMessage:
		return json.Marshal(struct {
			Command   Command  `json:"command"`
			EventID   int64    `json:"id"`
			Timestamp string   `json:"timestamp"`
			Message   *Message `json:"message"`
		}{e.Command, e.EventID, e.Timestamp, e.Message})
	case CommandLikeUpdate:
		return json.Marshal(struct {
			Command   Command `json:"command"`
			EventID   int64   `json:"id"`
			Timestamp string  `json:"timestamp"`
			MessageID int64   `json:"messageId"`
			Likes     int     `json:"likes"`
		}{e.Command, e.EventID, e.Timestamp, e.MessageID, e.Likes})
	default:
		type plain Envelope
		return json.Marshal(plain(e))
	}
}

// InitialMessages 构造连接建立后的第一条快照信封。
func InitialMessages(messages []Message) Envelope {
	return Envelope{Command: CommandInitialMessages, Messages: messages}
}

// ErrorEnvelope 构造错误回执。
func ErrorEnvelope(err error) Envelope {
	return Envelope{Command: CommandError, Error: err.Error()}
}

// ClientCommand 客户端通过 WebSocket 发来的指令。
type ClientCommand struct {
	Command   Command        `json:"command"`
	Message   *ClientMessage `json:"message,omitempty"`
	MessageID int64          `json:"messageId,omitempty"`
}

// ClientMessage 新消息的载荷；兼容 username 与 author 两种字段名。
type ClientMessage struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	Author   string `json:"author,omitempty"`
}

// AuthorName 返回作者名，username 优先。
func (m ClientMessage) AuthorName() string {
	if m.Username != "" {
		return m.Username
	}
	return m.Author
}
