package service

import (
	"sync"

	"school_im_backend/pkg/monitoring"
)

// PresenceTracker 维护 用户 -> 活跃连接ID集合
// 进程内状态，重启即丢失；客户端重连后未读数从库里重新同步，可接受
// 显式注入实例，不用包级全局变量
type PresenceTracker struct {
	mu          sync.RWMutex
	connections map[uint]map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		connections: make(map[uint]map[string]struct{}),
	}
}

// Register 登记连接；返回该用户是否由离线转为在线（首个连接）
func (t *PresenceTracker) Register(userID uint, connID string) (becameOnline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.connections[userID]
	if !ok {
		conns = make(map[string]struct{})
		t.connections[userID] = conns
		becameOnline = true
		monitoring.IMOnlineUsers.Inc()
	}
	conns[connID] = struct{}{}
	return becameOnline
}

// Unregister 注销连接；返回该用户是否由在线转为离线（最后一个连接）
func (t *PresenceTracker) Unregister(userID uint, connID string) (becameOffline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.connections[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.connections, userID)
		monitoring.IMOnlineUsers.Dec()
		return true
	}
	return false
}

func (t *PresenceTracker) IsOnline(userID uint) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.connections[userID]
	return ok
}

func (t *PresenceTracker) OnlineUsers() []uint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint, 0, len(t.connections))
	for id := range t.connections {
		ids = append(ids, id)
	}
	return ids
}

// Connections 某用户的所有连接ID
func (t *PresenceTracker) Connections(userID uint) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns, ok := t.connections[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	return ids
}

func (t *PresenceTracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections)
}

// Clear 停机时清空，返回曾在线的用户ID
func (t *PresenceTracker) Clear() []uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint, 0, len(t.connections))
	for id := range t.connections {
		ids = append(ids, id)
	}
	t.connections = make(map[uint]map[string]struct{})
	monitoring.IMOnlineUsers.Set(0)
	return ids
}
