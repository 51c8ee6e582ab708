package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"school_im_backend/internal/repository"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	shardCount     = 32
	onlineTTL      = 2 * time.Minute // 在线状态过期时间

	chatChannel  = "im:chat_channel"
	onlineKeyFmt = "im:online:%d"
)

var (
	// 内存复用 (sync.Pool)
	messagePool = sync.Pool{
		New: func() interface{} {
			return &WSMessage{}
		},
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client 一条 WebSocket 连接；同一用户可以有多条（多端登录）
type Client struct {
	Hub        *ChatHub
	Conn       *websocket.Conn
	Send       chan []byte
	UserID     uint
	ConnID     string
	ActiveConv string // JOIN_CONVERSATION 设置的当前会话
	Limiter    *rate.Limiter
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.enqueueUnregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.Uint("userId", c.UserID))
			}
			break
		}

		// 限流校验 (每秒最多 30 条消息，允许突发 50 条)
		if !c.Limiter.Allow() {
			continue
		}

		// 对象池解析消息
		wsMsg := messagePool.Get().(*WSMessage)
		if err := json.Unmarshal(message, wsMsg); err != nil {
			messagePool.Put(wsMsg)
			continue
		}

		monitoring.IMMessageCounter.WithLabelValues(wsMsg.Type, "in").Inc()
		c.Hub.dispatch(c, wsMsg)
		messagePool.Put(wsMsg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if n := len(c.Send); n > 0 {
				for i := 0; i < n; i++ {
					w.Write(<-c.Send)
				}
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type shard struct {
	clients map[uint]map[string]*Client // userID -> connID -> client
	mu      sync.RWMutex
}

// ChatHub 本地连接注册表 + 跨实例分发
// 事件一律经 Redis 发布，再由每个实例推给自己持有的连接
type ChatHub struct {
	shards     [shardCount]*shard
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	Redis    *redis.Client
	ConvRepo *repository.ConversationRepository
	Presence *PresenceTracker

	// 启动装配时绑定，消息服务与 hub 互相引用
	Messages *MessageService
	ctx      context.Context
}

func NewChatHub(rdb *redis.Client, convRepo *repository.ConversationRepository, presence *PresenceTracker) *ChatHub {
	h := &ChatHub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		Redis:      rdb,
		ConvRepo:   convRepo,
		Presence:   presence,
		ctx:        context.Background(),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			clients: make(map[uint]map[string]*Client),
		}
	}
	return h
}

// BindMessageService 装配期注入，解开 hub 与消息服务的环
func (h *ChatHub) BindMessageService(messages *MessageService) {
	h.Messages = messages
}

func (h *ChatHub) getShard(userID uint) *shard {
	return h.shards[userID%shardCount]
}

// enqueueRegister 停机后事件循环已退出，直接投递会让升级协程永久阻塞
func (h *ChatHub) enqueueRegister(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *ChatHub) enqueueUnregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

type PubSubMessage struct {
	TargetUsers []uint          `json:"targetUsers"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *ChatHub) Run() {
	pubsub := h.Redis.Subscribe(h.ctx, chatChannel)
	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var psMsg PubSubMessage
			if err := json.Unmarshal([]byte(msg.Payload), &psMsg); err != nil {
				logger.Log.Error("PubSub unmarshal error", zap.Error(err))
				continue
			}
			h.pushToLocalRawUsers(psMsg.TargetUsers, psMsg.Payload)
		}
	}()

	// 批量处理上下线状态
	ticker := time.NewTicker(500 * time.Millisecond)
	// 状态续期定时器 (Heartbeat)
	heartbeatTicker := time.NewTicker(1 * time.Minute)
	defer func() {
		ticker.Stop()
		heartbeatTicker.Stop()
		pubsub.Close()
	}()

	type statusUpdate struct {
		userID uint
		status string
	}
	var pendingUpdates []statusUpdate

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			conns := s.clients[client.UserID]
			if conns == nil {
				conns = make(map[string]*Client)
				s.clients[client.UserID] = conns
			}
			conns[client.ConnID] = client
			s.mu.Unlock()

			// 只有第一条连接上线才算用户上线，后续连接不再广播
			if h.Presence.Register(client.UserID, client.ConnID) {
				pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "online"})
			}

		case client := <-h.unregister:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			if conns, ok := s.clients[client.UserID]; ok {
				if _, found := conns[client.ConnID]; found {
					delete(conns, client.ConnID)
					close(client.Send)
					if len(conns) == 0 {
						delete(s.clients, client.UserID)
					}
				}
			}
			s.mu.Unlock()

			// 最后一条连接断开才算用户下线
			if h.Presence.Unregister(client.UserID, client.ConnID) {
				pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "offline"})
			}

		case <-heartbeatTicker.C:
			h.refreshOnlineStatus()

		case <-ticker.C:
			if len(pendingUpdates) == 0 {
				continue
			}

			pipe := h.Redis.Pipeline()
			for _, update := range pendingUpdates {
				key := fmt.Sprintf(onlineKeyFmt, update.userID)
				if update.status == "online" {
					pipe.Set(h.ctx, key, "true", onlineTTL)
				} else {
					pipe.Del(h.ctx, key)
				}
			}
			if _, err := pipe.Exec(h.ctx); err != nil {
				logger.Log.Error("Redis pipeline error", zap.Error(err))
			}

			for _, update := range pendingUpdates {
				h.notifyStatus(update.userID, update.status)
			}
			pendingUpdates = pendingUpdates[:0]
		}
	}
}

// refreshOnlineStatus 为本实例持有的在线用户批量续期
func (h *ChatHub) refreshOnlineStatus() {
	pipe := h.Redis.Pipeline()
	count := 0
	for _, userID := range h.Presence.OnlineUsers() {
		pipe.Expire(h.ctx, fmt.Sprintf(onlineKeyFmt, userID), onlineTTL)
		count++
	}
	if count > 0 {
		pipe.Exec(h.ctx)
		logger.Log.Debug("Refreshed online status", zap.Int("count", count))
	}
}

// notifyStatus 上下线事件只发给同会话的参与者
func (h *ChatHub) notifyStatus(userID uint, status string) {
	relatedIDs, err := h.ConvRepo.GetCoParticipantIDs(userID)
	if err != nil || len(relatedIDs) == 0 {
		return
	}

	event := EventUserOnline
	if status == "offline" {
		event = EventUserOffline
	}
	h.PublishToUsers(relatedIDs, event, map[string]interface{}{
		"userId": userID,
		"status": status,
	})
}

// dispatch 客户端调用路由；业务错误回发 ERROR 事件，不断开连接
func (h *ChatHub) dispatch(c *Client, msg *WSMessage) {
	if h.Messages == nil {
		return
	}
	data, _ := msg.Data.(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}
	convID, _ := data["conversationId"].(string)

	var err error
	switch msg.Type {
	case CallSendMessage:
		content, _ := data["content"].(string)
		var replyTo *string
		if rt, ok := data["replyToId"].(string); ok && rt != "" {
			replyTo = &rt
		}
		var view *MessageView
		view, err = h.Messages.Send(c.UserID, convID, content, replyTo)
		if err == nil {
			// 回发给发送者本人（含其它在线终端）
			h.PublishToUser(c.UserID, EventReceiveMessage, view)
		}

	case CallEditMessage:
		msgID, _ := data["messageId"].(string)
		content, _ := data["content"].(string)
		_, err = h.Messages.Edit(msgID, c.UserID, content)

	case CallDeleteMessage:
		msgID, _ := data["messageId"].(string)
		err = h.Messages.Delete(msgID, c.UserID)

	case CallMarkDelivered:
		// 送达以客户端确认为准，收到 RECEIVE_MESSAGE 后回报
		msgID, _ := data["messageId"].(string)
		err = h.Messages.MarkDelivered(msgID, c.UserID)

	case CallMarkAsRead:
		upTo, _ := data["messageId"].(string)
		_, err = h.Messages.MarkRead(convID, c.UserID, upTo)

	case CallStartTyping:
		err = h.Messages.Typing(convID, c.UserID, true)

	case CallStopTyping:
		err = h.Messages.Typing(convID, c.UserID, false)

	case CallJoinConversation:
		c.ActiveConv = convID
		_, err = h.Messages.MarkRead(convID, c.UserID, "")

	case CallLeaveConversation:
		if c.ActiveConv == convID {
			c.ActiveConv = ""
		}
		err = h.Messages.Typing(convID, c.UserID, false)

	case CallGetOnlineUsers:
		h.sendToClient(c, EventUserOnline, map[string]interface{}{
			"onlineUserIds": h.onlineCoParticipants(c.UserID),
		})

	default:
		logger.Log.Debug("unknown ws call", zap.String("type", msg.Type), zap.Uint("userId", c.UserID))
	}

	if err != nil {
		h.sendToClient(c, EventError, map[string]interface{}{
			"call":    msg.Type,
			"message": util.UserMessage(err),
		})
	}
}

// onlineCoParticipants 与自己同会话且当前在线的用户
func (h *ChatHub) onlineCoParticipants(userID uint) []uint {
	ids, err := h.ConvRepo.GetCoParticipantIDs(userID)
	if err != nil {
		return nil
	}
	online := make([]uint, 0, len(ids))
	for _, id := range ids {
		if h.IsUserOnline(id) {
			online = append(online, id)
		}
	}
	return online
}

// sendToClient 只发给单条连接，不经 pub/sub
func (h *ChatHub) sendToClient(c *Client, event string, data interface{}) {
	payload, err := json.Marshal(WSMessage{Type: event, Data: data})
	if err != nil {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

// PublishToUser 经 Redis 发布，所有实例各自推给本地连接
func (h *ChatHub) PublishToUser(userID uint, event string, data interface{}) {
	h.PublishToUsers([]uint{userID}, event, data)
}

func (h *ChatHub) PublishToUsers(userIDs []uint, event string, data interface{}) {
	if len(userIDs) == 0 {
		return
	}
	// 避免二次序列化
	msgBytes, _ := json.Marshal(WSMessage{Type: event, Data: data})
	psMsg := PubSubMessage{
		TargetUsers: userIDs,
		Payload:     msgBytes,
	}
	payload, _ := json.Marshal(psMsg)
	h.Redis.Publish(h.ctx, chatChannel, payload)
	monitoring.IMMessageCounter.WithLabelValues(event, "out").Inc()
}

func (h *ChatHub) pushToLocalRawUsers(userIDs []uint, payload []byte) {
	for _, id := range userIDs {
		s := h.getShard(id)
		s.mu.RLock()
		for _, client := range s.clients[id] {
			select {
			case client.Send <- payload:
			default:
			}
		}
		s.mu.RUnlock()
	}
}

func (h *ChatHub) IsUserOnline(userID uint) bool {
	// 查本地注册表
	if h.Presence.IsOnline(userID) {
		return true
	}

	// 查 Redis (多实例部署)
	val, err := h.Redis.Get(h.ctx, fmt.Sprintf(onlineKeyFmt, userID)).Result()
	return err == nil && val == "true"
}

// Stop 关闭所有连接并清理在线状态
func (h *ChatHub) Stop() {
	h.stopOnce.Do(func() {
		logger.Log.Info("ChatHub stopping: clearing online status and closing connections...")
		close(h.done)

		closed := 0
		for i := 0; i < shardCount; i++ {
			s := h.shards[i]
			s.mu.Lock()
			for userID, conns := range s.clients {
				for _, client := range conns {
					close(client.Send)
					closed++
				}
				delete(s.clients, userID)
			}
			s.mu.Unlock()
		}

		userIDs := h.Presence.Clear()
		if len(userIDs) > 0 {
			pipe := h.Redis.Pipeline()
			for _, userID := range userIDs {
				pipe.Del(h.ctx, fmt.Sprintf(onlineKeyFmt, userID))
			}
			pipe.Exec(h.ctx)
		}

		logger.Log.Info("ChatHub stopped", zap.Int("closedConnections", closed))
	})
}

func ServeWs(hub *ChatHub, w http.ResponseWriter, r *http.Request, userID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		UserID:  userID,
		ConnID:  uuid.New().String(),
		Limiter: rate.NewLimiter(rate.Limit(30), 50), // 每秒30条，允许突发50条
	}
	if !client.Hub.enqueueRegister(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
