package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/config"
	"interview-talk/server/internal/logging"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/speech"
)

// ErrClosed 表示客户端连接已关闭。
var ErrClosed = errors.New("gateway closed")

// ChoiceHandler 处理客户端回传的 confirm/retry。
type ChoiceHandler func(choice model.UserChoice) error

// Gateway 是浏览器端语音能力的桥：
// 服务端下发 speak/listen 请求，客户端完成朗读与识别后按 request_id 回报结果。
// 它同时实现 speech.Synthesizer、speech.Recognizer 和访谈状态观察者。
type Gateway struct {
	sessionID string

	// 客户端连接
	clientConn     *websocket.Conn
	clientConnLock sync.Mutex

	// 等待客户端回报的请求
	pending     map[string]chan ClientMessage
	pendingLock sync.Mutex

	choiceHandler ChoiceHandler

	closeOnce sync.Once
	closeChan chan struct{}

	// 序列号生成器（用于ServerMessage）
	seqCounter int64
	seqLock    sync.Mutex

	config config.GatewayConfig
	logger *logrus.Entry
}

var (
	_ speech.Synthesizer = (*Gateway)(nil)
	_ speech.Recognizer  = (*Gateway)(nil)
)

// NewGateway 创建一个新的Gateway实例
func NewGateway(sessionID string, clientConn *websocket.Conn, cfg config.GatewayConfig, logger *logrus.Entry) *Gateway {
	return &Gateway{
		sessionID:  sessionID,
		clientConn: clientConn,
		pending:    make(map[string]chan ClientMessage),
		closeChan:  make(chan struct{}),
		config:     cfg,
		logger:     logging.OrDiscard(logger).WithFields(logrus.Fields{"component": "gateway", "session_id": sessionID}),
	}
}

// SetChoiceHandler 设置 user_choice 的处理器
func (g *Gateway) SetChoiceHandler(handler ChoiceHandler) {
	g.choiceHandler = handler
}

// Start 启动读循环与心跳
func (g *Gateway) Start() {
	go g.clientReadLoop()
	go g.pingLoop()
	g.logger.Info("gateway started")
}

// Done 在连接关闭后关闭。
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}

// Say 下发一句朗读请求并等待客户端完成。
func (g *Gateway) Say(ctx context.Context, sentence string) error {
	reply, err := g.request(ctx, &ServerMessage{Type: EventTypeSpeak, Text: sentence})
	if err != nil {
		return err
	}
	if reply.Type == EventTypeTTSFailed {
		return fmt.Errorf("client synthesis failed: %s", reply.Error)
	}
	return nil
}

// Listen 下发采集请求并等待转写结果。
func (g *Gateway) Listen(ctx context.Context, timeout, maxPhrase time.Duration) (string, error) {
	reply, err := g.request(ctx, &ServerMessage{
		Type:        EventTypeListen,
		TimeoutMS:   timeout.Milliseconds(),
		MaxPhraseMS: maxPhrase.Milliseconds(),
	})
	if err != nil {
		return "", err
	}
	switch reply.Type {
	case EventTypeASRFinal:
		return reply.Text, nil
	case EventTypeASRTimeout:
		return "", speech.ErrNoSpeech
	default:
		return "", speech.ErrUnintelligible
	}
}

// OnTransition 把状态迁移推给客户端
func (g *Gateway) OnTransition(sessionID string, from, to model.State) {
	if err := g.sendToClient(&ServerMessage{Type: EventTypeState, From: from, State: to}); err != nil {
		g.logger.WithError(err).Debug("send state failed")
	}
}

// OnNotice 把提示文本推给客户端
func (g *Gateway) OnNotice(sessionID string, n model.Notice) {
	if err := g.sendToClient(&ServerMessage{Type: EventTypeNotice, Kind: n.Kind, Text: n.Text}); err != nil {
		g.logger.WithError(err).Debug("send notice failed")
	}
}

func (g *Gateway) request(ctx context.Context, msg *ServerMessage) (ClientMessage, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan ClientMessage, 1)

	g.pendingLock.Lock()
	g.pending[msg.RequestID] = ch
	g.pendingLock.Unlock()
	defer func() {
		g.pendingLock.Lock()
		delete(g.pending, msg.RequestID)
		g.pendingLock.Unlock()
	}()

	if err := g.sendToClient(msg); err != nil {
		return ClientMessage{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return ClientMessage{}, ctx.Err()
	case <-g.closeChan:
		return ClientMessage{}, ErrClosed
	}
}

// clientReadLoop 读取客户端消息并分发
func (g *Gateway) clientReadLoop() {
	defer g.Close()

	conn := g.clientConn
	for {
		select {
		case <-g.closeChan:
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.WithError(err).Warn("client read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := g.handleClientEvent(data); err != nil {
			g.logger.WithError(err).Warn("handle client event error")
			// 发送错误给客户端，但不断开连接
			g.sendErrorToClient(err.Error())
		}
	}
}

func (g *Gateway) handleClientEvent(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}

	switch msg.Type {
	case EventTypeTTSCompleted, EventTypeTTSFailed,
		EventTypeASRFinal, EventTypeASRTimeout, EventTypeASRNoMatch:
		return g.resolve(msg)
	case EventTypeUserChoice:
		if !msg.Choice.Valid() {
			return fmt.Errorf("invalid choice: %q", msg.Choice)
		}
		if g.choiceHandler == nil {
			return errors.New("choices are not accepted on this connection")
		}
		return g.choiceHandler(msg.Choice)
	default:
		return fmt.Errorf("unknown event type: %s", msg.Type)
	}
}

func (g *Gateway) resolve(msg ClientMessage) error {
	g.pendingLock.Lock()
	ch, ok := g.pending[msg.RequestID]
	if ok {
		delete(g.pending, msg.RequestID)
	}
	g.pendingLock.Unlock()

	if !ok {
		// 过期回报（请求已超时或被取消），忽略
		g.logger.WithFields(logrus.Fields{"request_id": msg.RequestID, "type": msg.Type}).Debug("stale client reply")
		return nil
	}
	ch <- msg
	return nil
}

// sendToClient 发送消息到客户端
func (g *Gateway) sendToClient(msg *ServerMessage) error {
	// 分配序列号
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.clientConnLock.Lock()
	defer g.clientConnLock.Unlock()

	if g.clientConn == nil {
		return ErrClosed
	}
	if g.config.WriteTimeout > 0 {
		g.clientConn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	}
	if err := g.clientConn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

func (g *Gateway) sendErrorToClient(errMsg string) error {
	return g.sendToClient(&ServerMessage{Type: EventTypeError, Error: errMsg})
}

// pingLoop 定期发送心跳
func (g *Gateway) pingLoop() {
	interval := g.config.PingInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.clientConnLock.Lock()
			if g.clientConn != nil {
				g.clientConn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			g.clientConnLock.Unlock()
		}
	}
}

// Close 关闭网关，等待中的请求返回 ErrClosed
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.logger.Info("closing gateway")
		close(g.closeChan)

		g.clientConnLock.Lock()
		defer g.clientConnLock.Unlock()
		if g.clientConn != nil {
			g.clientConn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			closeErr = g.clientConn.Close()
			g.clientConn = nil
		}
	})

	return closeErr
}
