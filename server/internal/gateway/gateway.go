package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chat-relay/server/internal/hub"
	"chat-relay/server/internal/model"

	"github.com/gorilla/websocket"
)

// Gateway 把一个 Hub 订阅者绑定到一条客户端 WebSocket 连接上。
// 职责：
// 1. 按顺序把订阅者 Outbox 中的信封写给客户端
// 2. 读取客户端指令（send-message / like-message）并交给 CommandHandler
// 3. ping/pong 保活，任一方向出错即关闭连接
type Gateway struct {
	sub *hub.Subscriber

	// 客户端连接
	clientConn     *websocket.Conn
	clientConnLock sync.Mutex

	// 指令处理器（由 API 层注入）
	commandHandler CommandHandler

	// 状态管理
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeChan chan struct{}

	config Config
	logger *log.Logger
}

// NewGateway 创建一个新的 Gateway 实例
func NewGateway(clientConn *websocket.Conn, sub *hub.Subscriber, config Config, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		sub:        sub,
		clientConn: clientConn,
		ctx:        ctx,
		cancel:     cancel,
		closeChan:  make(chan struct{}),
		config:     config.withDefaults(),
		logger:     logger,
	}
}

// SetCommandHandler 设置指令处理器
func (g *Gateway) SetCommandHandler(handler CommandHandler) {
	g.commandHandler = handler
}

// Start 启动读、写、ping 三个协程
func (g *Gateway) Start() {
	// 读协程持有自己的引用：closeClientConn 会把 g.clientConn 置空
	conn := g.clientConn
	pongWait := 2 * g.config.PingInterval
	conn.SetReadLimit(g.config.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go g.clientReadLoop(conn)
	go g.writeLoop()
	go g.pingLoop()

	g.logger.Printf("[Gateway] started for subscriber %s", g.sub.ID())
}

// writeLoop 把订阅者的信封按序写给客户端
func (g *Gateway) writeLoop() {
	defer g.Close()

	for {
		select {
		case <-g.closeChan:
			return
		case <-g.sub.Done():
			// 被 Hub 摘除（缓冲满或服务关闭），断开连接让客户端重连
			g.logger.Printf("[Gateway] subscriber %s released by hub: %s", g.sub.ID(), g.sub.Reason())
			return
		case env := <-g.sub.Outbox():
			if err := g.sendToClient(env); err != nil {
				g.logger.Printf("[Gateway] ❌ write to subscriber %s failed: %v", g.sub.ID(), err)
				return
			}
		}
	}
}

// clientReadLoop 读取客户端指令
func (g *Gateway) clientReadLoop(conn *websocket.Conn) {
	defer g.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Printf("[Gateway] client read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := g.handleClientCommand(data); err != nil {
			g.logger.Printf("[Gateway] handle client command error: %v", err)
			// 发送错误给客户端，但不断开连接
			if err := g.sendErrorToClient(err); err != nil {
				return
			}
		}
	}
}

// handleClientCommand 同步处理一条指令，保证同一连接上的指令按发送顺序生效
func (g *Gateway) handleClientCommand(data []byte) error {
	var cmd model.ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("unmarshal client command: %w", err)
	}
	if g.commandHandler == nil {
		return fmt.Errorf("unsupported command %q", cmd.Command)
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.config.CommandTimeout)
	defer cancel()
	return g.commandHandler(ctx, &cmd)
}

// sendToClient 发送信封给客户端
func (g *Gateway) sendToClient(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return errors.New("client connection is closed")
	}
	_ = g.clientConn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	if err := g.clientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendErrorToClient 发送错误信封给客户端
func (g *Gateway) sendErrorToClient(err error) error {
	return g.sendToClient(model.ErrorEnvelope(err))
}

// pingLoop 定期发送 ping 保持连接
func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.clientConnLock.Lock()
			var err error
			if g.clientConn != nil {
				err = g.clientConn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(g.config.WriteTimeout))
			}
			g.clientConnLock.Unlock()
			if err != nil {
				g.logger.Printf("[Gateway] ping subscriber %s failed: %v", g.sub.ID(), err)
				g.Close()
				return
			}
		}
	}
}

// Close 关闭网关，可重复调用
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.logger.Printf("[Gateway] closing subscriber %s (connected %v)", g.sub.ID(), time.Since(g.sub.ConnectedAt()).Round(time.Millisecond))

		g.cancel()
		close(g.closeChan)
		closeErr = g.closeClientConn()
	})

	return closeErr
}

// closeClientConn 关闭客户端连接
func (g *Gateway) closeClientConn() error {
	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return nil
	}

	_ = g.clientConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	err := g.clientConn.Close()
	g.clientConn = nil
	return err
}

// Done 返回一个在连接关闭时关闭的 channel
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}
