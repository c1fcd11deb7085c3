package gateway

import (
	"context"
	"time"

	"chat-relay/server/internal/model"
)

// CommandHandler 处理客户端经 WebSocket 发来的指令（由 API 层注入，转交 Orchestrator）。
// 返回 error 时网关回一条 error 信封，但不断开连接。
type CommandHandler func(ctx context.Context, cmd *model.ClientCommand) error

// Config 网关配置
type Config struct {
	// 单次写超时
	WriteTimeout time.Duration
	// ping 间隔；读超时为两倍 ping 间隔
	PingInterval time.Duration
	// 单条客户端消息上限（字节）
	ReadLimit int64
	// 单条指令处理超时
	CommandTimeout time.Duration
}

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultReadLimit      = 64 * 1024
	defaultCommandTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	return c
}
