package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"
	"school_im_backend/pkg/workqueue"

	"go.uber.org/zap"
)

// PushPayload 推送网关收到的通知体
type PushPayload struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId,omitempty"`
	BroadcastID    string `json:"broadcastId,omitempty"`
}

// PushSender 推送传输层；默认实现直接 POST 到订阅端点
type PushSender interface {
	Send(sub model.PushSubscription, payload PushPayload) error
}

type httpPushSender struct {
	client *http.Client
}

func (h *httpPushSender) Send(sub model.PushSubscription, payload PushPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Push-P256dh", sub.P256dhKey)
	req.Header.Set("X-Push-Auth", sub.AuthKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// 410 Gone 表示端点已失效，按失败处理让阈值机制停用它
	return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
}

// SubscriptionStore 推送订阅的持久化面，失败计数与停用由存储侧保证原子
type SubscriptionStore interface {
	Upsert(sub *model.PushSubscription) error
	Remove(endpoint string, userID uint) error
	GetActiveForUser(userID uint) ([]model.PushSubscription, error)
	GetActiveForUsers(userIDs []uint) ([]model.PushSubscription, error)
	RecordSuccess(id string) error
	RecordFailure(id string, threshold int) error
	DeactivateFailed(threshold int) (int64, error)
}

// PushService 离线推送：尽力而为，失败累计到阈值后停用订阅（不删除）
// 只面向 Presence 判定为离线的用户，在线用户已经走实时通道
type PushService struct {
	SubRepo  SubscriptionStore
	Presence *PresenceTracker
	Queue    *workqueue.Queue
	Sender   PushSender
	Cfg      config.PushConfig
}

func NewPushService(
	subRepo SubscriptionStore,
	presence *PresenceTracker,
	queue *workqueue.Queue,
	cfg config.PushConfig,
) *PushService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PushService{
		SubRepo:  subRepo,
		Presence: presence,
		Queue:    queue,
		Sender:   &httpPushSender{client: &http.Client{Timeout: timeout}},
		Cfg:      cfg,
	}
}

// Subscribe 注册或刷新推送订阅；重复注册同一端点会复活已停用的订阅
func (s *PushService) Subscribe(userID uint, endpoint, p256dh, auth string) error {
	if endpoint == "" {
		return util.ErrValidation
	}
	sub := &model.PushSubscription{
		UserID:    userID,
		Endpoint:  endpoint,
		P256dhKey: p256dh,
		AuthKey:   auth,
		IsActive:  true,
	}
	return s.SubRepo.Upsert(sub)
}

func (s *PushService) Unsubscribe(endpoint string, userID uint) error {
	return s.SubRepo.Remove(endpoint, userID)
}

// Notify 给单个用户的全部活跃订阅投递；在线用户直接跳过
func (s *PushService) Notify(userID uint, payload PushPayload) {
	if s.Presence.IsOnline(userID) {
		return
	}
	subs, err := s.SubRepo.GetActiveForUser(userID)
	if err != nil {
		logger.Log.Warn("failed to load push subscriptions",
			zap.Uint("userId", userID), zap.Error(err))
		return
	}
	for i := range subs {
		s.enqueue(subs[i], payload)
	}
}

// NotifyMany 批量投递，一次查询取回全部订阅
func (s *PushService) NotifyMany(userIDs []uint, payload PushPayload) {
	offline := make([]uint, 0, len(userIDs))
	for _, id := range userIDs {
		if !s.Presence.IsOnline(id) {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 {
		return
	}
	subs, err := s.SubRepo.GetActiveForUsers(offline)
	if err != nil {
		logger.Log.Warn("failed to load push subscriptions", zap.Error(err))
		return
	}
	for i := range subs {
		s.enqueue(subs[i], payload)
	}
}

// NotifyNewMessage 新消息离线通知
func (s *PushService) NotifyNewMessage(recipientID uint, senderName, preview, conversationID string) {
	s.Notify(recipientID, PushPayload{
		Type:           "new_message",
		Title:          senderName,
		Body:           preview,
		ConversationID: conversationID,
	})
}

// NotifyBroadcast 广播离线通知
func (s *PushService) NotifyBroadcast(recipientIDs []uint, title, broadcastID string) {
	s.NotifyMany(recipientIDs, PushPayload{
		Type:        "broadcast",
		Title:       title,
		Body:        "您收到一条新的广播通知",
		BroadcastID: broadcastID,
	})
}

// enqueue 投递任务进有界队列，队列满则丢弃（推送是尽力而为）
func (s *PushService) enqueue(sub model.PushSubscription, payload PushPayload) {
	name := fmt.Sprintf("push:%s", sub.ID)
	s.Queue.Submit(name, func() error {
		return s.deliver(sub, payload)
	})
}

// deliver 单次投递；失败累加订阅失败计数，超过阈值停用
func (s *PushService) deliver(sub model.PushSubscription, payload PushPayload) error {
	if err := s.Sender.Send(sub, payload); err != nil {
		s.recordFailure(sub)
		return err
	}

	monitoring.PushDeliveries.WithLabelValues("success").Inc()
	if recErr := s.SubRepo.RecordSuccess(sub.ID); recErr != nil {
		logger.Log.Warn("failed to reset push failure counter",
			zap.String("subscriptionId", sub.ID), zap.Error(recErr))
	}
	return nil
}

func (s *PushService) recordFailure(sub model.PushSubscription) {
	monitoring.PushDeliveries.WithLabelValues("failure").Inc()
	threshold := s.Cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if err := s.SubRepo.RecordFailure(sub.ID, threshold); err != nil {
		logger.Log.Warn("failed to record push failure",
			zap.String("subscriptionId", sub.ID), zap.Error(err))
	}
}

// CleanupFailed 批量停用超阈值的订阅，维护任务调用
func (s *PushService) CleanupFailed() (int64, error) {
	threshold := s.Cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	n, err := s.SubRepo.DeactivateFailed(threshold)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logger.Log.Info("deactivated failing push subscriptions", zap.Int64("count", n))
	}
	return n, nil
}
