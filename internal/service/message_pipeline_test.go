package service

import (
	"sync"
	"testing"
	"time"

	"school_im_backend/internal/model"
	"school_im_backend/pkg/workqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeEvent struct {
	userID uint
	event  string
	data   interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []fakeEvent
	onPublish func(userID uint, event string)
}

func (f *fakePublisher) PublishToUser(userID uint, event string, data interface{}) {
	f.mu.Lock()
	f.events = append(f.events, fakeEvent{userID, event, data})
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(userID, event)
	}
}

func (f *fakePublisher) PublishToUsers(userIDs []uint, event string, data interface{}) {
	for _, id := range userIDs {
		f.PublishToUser(id, event, data)
	}
}

func (f *fakePublisher) countOf(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu         sync.Mutex
	notified   []uint
	broadcasts int
}

func (f *fakeNotifier) NotifyNewMessage(recipientID uint, senderName, preview, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, recipientID)
}

func (f *fakeNotifier) NotifyBroadcast(recipientIDs []uint, title, broadcastID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
}

type fakeMessageStore struct {
	mu         sync.Mutex
	msgs       map[string]*model.ChatMessage
	order      []string
	reads      map[string]map[uint]bool
	deliveries map[string]map[uint]bool
	seq        uint64
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		msgs:       make(map[string]*model.ChatMessage),
		reads:      make(map[string]map[uint]bool),
		deliveries: make(map[string]map[uint]bool),
	}
}

func (f *fakeMessageStore) Create(msg *model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = model.GenerateUUID()
	}
	f.seq++
	msg.SeqID = f.seq
	msg.CreatedAt = time.Now()
	f.msgs[msg.ID] = msg
	f.order = append(f.order, msg.ID)
	return nil
}

func (f *fakeMessageStore) Get(id string) (*model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (f *fakeMessageStore) GetPage(convID string, limit, offset int, beforeID string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatMessage
	for _, id := range f.order {
		if f.msgs[id].ConversationID == convID {
			out = append(out, *f.msgs[id])
		}
	}
	return out, nil
}

func (f *fakeMessageStore) UpdateEdited(msg *model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[msg.ID] = msg
	return nil
}

func (f *fakeMessageStore) Tombstone(msgID string, deletedBy uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[msgID]; ok {
		now := time.Now()
		m.State = model.MessageDeleted
		m.CipherContent = nil
		m.DeletedByID = &deletedBy
		m.TombstonedAt = &now
	}
	return nil
}

func (f *fakeMessageStore) InsertDeliveryReceipt(msgID string, userID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.deliveries[msgID]
	if set == nil {
		set = make(map[uint]bool)
		f.deliveries[msgID] = set
	}
	if set[userID] {
		return false, nil
	}
	set[userID] = true
	return true, nil
}

func (f *fakeMessageStore) InsertReadReceipt(msgID string, userID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.reads[msgID]
	if set == nil {
		set = make(map[uint]bool)
		f.reads[msgID] = set
	}
	if set[userID] {
		return false, nil
	}
	set[userID] = true
	return true, nil
}

func (f *fakeMessageStore) GetUnreadMessages(convID string, userID uint, lastReadAt *time.Time) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatMessage
	for _, id := range f.order {
		m := f.msgs[id]
		if m.ConversationID != convID {
			continue
		}
		if m.SenderID != nil && *m.SenderID == userID {
			continue
		}
		if f.reads[id][userID] {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeMessageStore) UnreadCount(convID string, userID uint, lastReadAt *time.Time) (int64, error) {
	msgs, _ := f.GetUnreadMessages(convID, userID, lastReadAt)
	return int64(len(msgs)), nil
}

func (f *fakeMessageStore) TotalUnreadCount(userID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, m := range f.msgs {
		if m.SenderID != nil && *m.SenderID == userID {
			continue
		}
		if m.State == model.MessageDeleted {
			continue
		}
		if f.reads[id][userID] {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeMessageStore) GetReadReceipts(msgID string) ([]model.MessageReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MessageReadReceipt
	for uid := range f.reads[msgID] {
		out = append(out, model.MessageReadReceipt{MessageID: msgID, UserID: uid})
	}
	return out, nil
}

func (f *fakeMessageStore) GetDeliveryReceipts(msgID string) ([]model.MessageDeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MessageDeliveryReceipt
	for uid := range f.deliveries[msgID] {
		out = append(out, model.MessageDeliveryReceipt{MessageID: msgID, UserID: uid})
	}
	return out, nil
}

func (f *fakeMessageStore) GetReadReceiptsForMessages(msgIDs []string) (map[string][]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]uint)
	for _, id := range msgIDs {
		for uid := range f.reads[id] {
			out[id] = append(out[id], uid)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) GetDeliveryReceiptsForMessages(msgIDs []string) (map[string][]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]uint)
	for _, id := range msgIDs {
		for uid := range f.deliveries[id] {
			out[id] = append(out[id], uid)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) deliveryCount(msgID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries[msgID])
}

func (f *fakeMessageStore) readCount(msgID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads[msgID])
}

func (f *fakeMessageStore) persisted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type fakeConvStore struct {
	mu            sync.Mutex
	convs         map[string]*model.Conversation
	parts         map[string][]*model.ConversationParticipant
	directKeys    map[string]string
	createCalls   int
	directCreates int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs:      make(map[string]*model.Conversation),
		parts:      make(map[string][]*model.ConversationParticipant),
		directKeys: make(map[string]string),
	}
}

func (f *fakeConvStore) Create(conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if conv.ID == "" {
		conv.ID = model.GenerateUUID()
	}
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConvStore) Get(id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (f *fakeConvStore) FindDirectByKey(key string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.directKeys[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return f.convs[id], nil
}

func (f *fakeConvStore) CreateDirect(conv *model.Conversation, userA, userB uint) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directCreates++
	if conv.ID == "" {
		conv.ID = model.GenerateUUID()
	}
	f.convs[conv.ID] = conv
	f.directKeys[conv.DirectKey] = conv.ID
	f.parts[conv.ID] = append(f.parts[conv.ID],
		&model.ConversationParticipant{ConversationID: conv.ID, UserID: userA, Role: model.RoleParticipant},
		&model.ConversationParticipant{ConversationID: conv.ID, UserID: userB, Role: model.RoleParticipant},
	)
	return conv, nil
}

func (f *fakeConvStore) UpdateKeyFingerprint(convID, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.convs[convID]; ok {
		c.KeyFingerprint = fingerprint
	}
	return nil
}

func (f *fakeConvStore) AddParticipant(p *model.ConversationParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[p.ConversationID] = append(f.parts[p.ConversationID], p)
	return nil
}

func (f *fakeConvStore) GetParticipant(convID string, userID uint) (*model.ConversationParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[convID] {
		if p.UserID == userID {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeConvStore) GetActiveParticipant(convID string, userID uint) (*model.ConversationParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[convID] {
		if p.UserID == userID && p.LeftAt == nil {
			return p, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeConvStore) GetActiveParticipants(convID string) ([]model.ConversationParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConversationParticipant
	for _, p := range f.parts[convID] {
		if p.LeftAt == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeConvStore) GetActiveParticipantIDs(convID string) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint
	for _, p := range f.parts[convID] {
		if p.LeftAt == nil {
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

func (f *fakeConvStore) CountActiveParticipants(convID string) (int64, error) {
	ids, _ := f.GetActiveParticipantIDs(convID)
	return int64(len(ids)), nil
}

func (f *fakeConvStore) MarkLeft(convID string, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[convID] {
		if p.UserID == userID {
			now := time.Now()
			p.LeftAt = &now
		}
	}
	return nil
}

func (f *fakeConvStore) SetMuted(convID string, userID uint, muted bool) error   { return nil }
func (f *fakeConvStore) SetPinned(convID string, userID uint, pinned bool) error { return nil }
func (f *fakeConvStore) Hide(convID string, userID uint) error                   { return nil }
func (f *fakeConvStore) Unhide(convID string) error                              { return nil }

func (f *fakeConvStore) ListForUser(userID uint, query string, limit, offset int) ([]model.Conversation, int64, error) {
	return nil, 0, nil
}

func (f *fakeConvStore) UpdateLastRead(convID string, userID uint, msgID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[convID] {
		if p.UserID == userID {
			p.LastReadMessageID = msgID
			readAt := at
			p.LastReadAt = &readAt
		}
	}
	return nil
}

func (f *fakeConvStore) SetTyping(convID string, userID uint, isTyping bool) error { return nil }

func (f *fakeConvStore) ExpireStaleTyping(expiry time.Duration) (int64, error) { return 0, nil }

// pipelineConv 与 newTestAuthz 里预置的参与者名单一致
const pipelineConv = "conv-1"

type pipelineEnv struct {
	svc      *MessageService
	msgs     *fakeMessageStore
	convs    *fakeConvStore
	pub      *fakePublisher
	notifier *fakeNotifier
	presence *PresenceTracker
	queue    *workqueue.Queue
}

func newPipelineEnv() *pipelineEnv {
	authz, _ := newTestAuthz()

	convs := newFakeConvStore()
	conv := &model.Conversation{Type: model.ConvDirect, MaxParticipants: 2, KeyVersion: 1}
	conv.ID = pipelineConv
	convs.convs[conv.ID] = conv
	convs.parts[conv.ID] = []*model.ConversationParticipant{
		{ConversationID: conv.ID, UserID: uTeacher},
		{ConversationID: conv.ID, UserID: uStudent},
	}

	env := &pipelineEnv{
		msgs:     newFakeMessageStore(),
		convs:    convs,
		pub:      &fakePublisher{},
		notifier: &fakeNotifier{},
		presence: NewPresenceTracker(),
		queue:    workqueue.New(16, 1),
	}
	env.svc = NewMessageService(
		env.msgs,
		env.convs,
		authz.Users,
		authz,
		newTestModeration(PolicyBlock, PolicyMask, PolicyMask),
		newTestCipher(),
		env.presence,
		env.queue,
	)
	env.svc.BindPublisher(env.pub, env.notifier)
	return env
}

func TestSendFanoutAfterPersist(t *testing.T) {
	env := newPipelineEnv()
	env.presence.Register(uStudent, "conn-s1")

	var persistedAtPublish bool
	env.pub.onPublish = func(userID uint, event string) {
		if event == EventReceiveMessage {
			persistedAtPublish = env.msgs.persisted() > 0
		}
	}

	view, err := env.svc.Send(uTeacher, pipelineConv, "美术课改到周四下午", nil)
	require.NoError(t, err)
	require.NotEmpty(t, view.ID)

	env.queue.Stop()

	assert.True(t, persistedAtPublish, "分发发生时消息必须已经落库")
	assert.Equal(t, 1, env.pub.countOf(EventReceiveMessage))
	assert.Equal(t, 1, env.pub.countOf(EventUnreadCountUpdated), "在线接收者要拿到新的未读总数")
	// 送达回执只能由客户端确认写入，服务端分发本身不算送达
	assert.Equal(t, 0, env.msgs.deliveryCount(view.ID))
}

func TestSendNotifiesOfflineRecipient(t *testing.T) {
	env := newPipelineEnv()

	_, err := env.svc.Send(uTeacher, pipelineConv, "请家长明天来学校一趟", nil)
	require.NoError(t, err)
	env.queue.Stop()

	assert.Equal(t, 0, env.pub.countOf(EventReceiveMessage))
	assert.Equal(t, []uint{uStudent}, env.notifier.notified)
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	env := newPipelineEnv()
	view, err := env.svc.Send(uTeacher, pipelineConv, "记得带实验报告", nil)
	require.NoError(t, err)
	env.queue.Stop()

	require.NoError(t, env.svc.MarkDelivered(view.ID, uStudent))
	require.NoError(t, env.svc.MarkDelivered(view.ID, uStudent))

	assert.Equal(t, 1, env.msgs.deliveryCount(view.ID), "重复确认不产生第二条回执")
	assert.Equal(t, 1, env.pub.countOf(EventMessageDelivered), "重复确认不重复推事件")

	// 发送者自己确认不算送达
	require.NoError(t, env.svc.MarkDelivered(view.ID, uTeacher))
	assert.Equal(t, 1, env.msgs.deliveryCount(view.ID))
}

func TestMarkReadIdempotent(t *testing.T) {
	env := newPipelineEnv()
	view, err := env.svc.Send(uTeacher, pipelineConv, "下周一交读书笔记", nil)
	require.NoError(t, err)
	env.queue.Stop()

	marked, err := env.svc.MarkRead(pipelineConv, uStudent, "")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 1, env.msgs.readCount(view.ID))
	assert.Equal(t, 1, env.pub.countOf(EventMessagesRead))
	unreadEvents := env.pub.countOf(EventUnreadCountUpdated)

	marked, err = env.svc.MarkRead(pipelineConv, uStudent, "")
	require.NoError(t, err)
	assert.Equal(t, 0, marked, "重复标记不产生新回执")
	assert.Equal(t, 1, env.msgs.readCount(view.ID))
	assert.Equal(t, 1, env.pub.countOf(EventMessagesRead), "重复标记不重复推事件")
	assert.Equal(t, unreadEvents, env.pub.countOf(EventUnreadCountUpdated))
}

func TestGetMessagesHidesReceiptsFromNonSender(t *testing.T) {
	env := newPipelineEnv()
	view, err := env.svc.Send(uTeacher, pipelineConv, "周五班会改期", nil)
	require.NoError(t, err)
	env.queue.Stop()
	require.NoError(t, env.svc.MarkDelivered(view.ID, uStudent))
	_, err = env.svc.MarkRead(pipelineConv, uStudent, "")
	require.NoError(t, err)

	senderPage, err := env.svc.GetMessages(pipelineConv, uTeacher, 20, "")
	require.NoError(t, err)
	require.Len(t, senderPage, 1)
	assert.True(t, senderPage[0].IsOwn)
	assert.Equal(t, []uint{uStudent}, senderPage[0].ReadBy)
	assert.Equal(t, []uint{uStudent}, senderPage[0].DeliveredTo)

	recipientPage, err := env.svc.GetMessages(pipelineConv, uStudent, 20, "")
	require.NoError(t, err)
	require.Len(t, recipientPage, 1)
	assert.False(t, recipientPage[0].IsOwn)
	assert.True(t, recipientPage[0].IsRead)
	assert.Nil(t, recipientPage[0].ReadBy, "回执明细不暴露给非发送者")
	assert.Nil(t, recipientPage[0].DeliveredTo)
}
