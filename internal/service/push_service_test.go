package service

import (
	"fmt"
	"sync"
	"testing"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/pkg/workqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubStore 按存储侧契约实现失败计数：达到阈值即停用，成功清零
type fakeSubStore struct {
	mu        sync.Mutex
	sub       model.PushSubscription
	active    bool
	failures  int
	successes int
}

func (f *fakeSubStore) Upsert(sub *model.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = *sub
	f.active = true
	f.failures = 0
	return nil
}

func (f *fakeSubStore) Remove(endpoint string, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return nil
}

func (f *fakeSubStore) GetActiveForUser(userID uint) ([]model.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active || f.sub.UserID != userID {
		return nil, nil
	}
	return []model.PushSubscription{f.sub}, nil
}

func (f *fakeSubStore) GetActiveForUsers(userIDs []uint) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, id := range userIDs {
		subs, _ := f.GetActiveForUser(id)
		out = append(out, subs...)
	}
	return out, nil
}

func (f *fakeSubStore) RecordSuccess(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = 0
	f.successes++
	return nil
}

func (f *fakeSubStore) RecordFailure(id string, threshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if f.failures >= threshold {
		f.active = false
	}
	return nil
}

func (f *fakeSubStore) DeactivateFailed(threshold int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active && f.failures >= threshold {
		f.active = false
		return 1, nil
	}
	return 0, nil
}

func (f *fakeSubStore) snapshot() (bool, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.failures, f.successes
}

type scriptedSender struct {
	mu   sync.Mutex
	fail bool
	sent int
}

func (s *scriptedSender) Send(sub model.PushSubscription, payload PushPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if s.fail {
		return fmt.Errorf("推送网关不可达")
	}
	return nil
}

func (s *scriptedSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func newTestPushService(store *fakeSubStore, sender PushSender, presence *PresenceTracker, queue *workqueue.Queue) *PushService {
	return &PushService{
		SubRepo:  store,
		Presence: presence,
		Queue:    queue,
		Sender:   sender,
		Cfg:      config.PushConfig{FailureThreshold: 3},
	}
}

func offlineSub(userID uint) model.PushSubscription {
	sub := model.PushSubscription{
		UserID:    userID,
		Endpoint:  "https://push.example.com/ep-1",
		P256dhKey: "p256dh-key",
		AuthKey:   "auth-key",
		IsActive:  true,
	}
	sub.ID = "sub-1"
	return sub
}

func TestPushFailureThresholdDeactivates(t *testing.T) {
	store := &fakeSubStore{sub: offlineSub(9), active: true}
	sender := &scriptedSender{fail: true}
	svc := newTestPushService(store, sender, NewPresenceTracker(), workqueue.New(8, 1))

	payload := PushPayload{Type: "new_message", Title: "王老师", Body: "记得带实验报告"}
	for i := 0; i < 3; i++ {
		assert.Error(t, svc.deliver(store.sub, payload))
	}

	active, failures, _ := store.snapshot()
	assert.Equal(t, 3, failures)
	assert.False(t, active, "连续失败达到阈值后订阅停用")

	// 订阅复活后一次成功投递清零失败计数
	store.mu.Lock()
	store.active = true
	store.mu.Unlock()
	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	require.NoError(t, svc.deliver(store.sub, payload))
	active, failures, successes := store.snapshot()
	assert.True(t, active)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1, successes)
}

func TestPushSkipsOnlineUsers(t *testing.T) {
	presence := NewPresenceTracker()
	presence.Register(9, "conn-1")

	store := &fakeSubStore{sub: offlineSub(9), active: true}
	sender := &scriptedSender{}
	queue := workqueue.New(8, 1)
	svc := newTestPushService(store, sender, presence, queue)

	svc.Notify(9, PushPayload{Type: "new_message", Title: "王老师", Body: "在线用户走实时通道"})
	queue.Stop()

	assert.Equal(t, 0, sender.sentCount())
}

func TestPushDeliversToOfflineUser(t *testing.T) {
	store := &fakeSubStore{sub: offlineSub(9), active: true}
	sender := &scriptedSender{}
	queue := workqueue.New(8, 1)
	svc := newTestPushService(store, sender, NewPresenceTracker(), queue)

	svc.Notify(9, PushPayload{Type: "new_message", Title: "王老师", Body: "离线用户收推送"})
	queue.Stop()

	assert.Equal(t, 1, sender.sentCount())
	_, _, successes := store.snapshot()
	assert.Equal(t, 1, successes)
}
