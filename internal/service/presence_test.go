package service

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceFirstConnectionOnline(t *testing.T) {
	p := NewPresenceTracker()

	assert.True(t, p.Register(1, "conn-a"), "首个连接触发上线")
	assert.False(t, p.Register(1, "conn-b"), "第二个连接不再触发")
	assert.True(t, p.IsOnline(1))
	assert.Len(t, p.Connections(1), 2)
}

func TestPresenceLastConnectionOffline(t *testing.T) {
	p := NewPresenceTracker()
	p.Register(1, "conn-a")
	p.Register(1, "conn-b")

	assert.False(t, p.Unregister(1, "conn-a"), "还有连接存活，不触发下线")
	assert.True(t, p.IsOnline(1))
	assert.True(t, p.Unregister(1, "conn-b"), "最后一个连接断开触发下线")
	assert.False(t, p.IsOnline(1))
}

func TestPresenceUnregisterUnknown(t *testing.T) {
	p := NewPresenceTracker()

	assert.False(t, p.Unregister(1, "ghost"))

	p.Register(1, "conn-a")
	assert.False(t, p.Unregister(1, "ghost"), "未登记的连接ID不影响状态")
	assert.True(t, p.IsOnline(1))
}

func TestPresenceOnlineUsersAndClear(t *testing.T) {
	p := NewPresenceTracker()
	p.Register(1, "a")
	p.Register(2, "b")
	p.Register(2, "c")

	assert.ElementsMatch(t, []uint{1, 2}, p.OnlineUsers())
	assert.Equal(t, 2, p.OnlineCount())

	cleared := p.Clear()
	assert.ElementsMatch(t, []uint{1, 2}, cleared)
	assert.Equal(t, 0, p.OnlineCount())
	assert.False(t, p.IsOnline(1))
}

func TestPresenceConcurrentRegister(t *testing.T) {
	p := NewPresenceTracker()

	var wg sync.WaitGroup
	var mu sync.Mutex
	onlineEvents := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Register(42, fmt.Sprintf("conn-%d", i)) {
				mu.Lock()
				onlineEvents++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, onlineEvents, "并发注册只有一次上线事件")
	assert.Len(t, p.Connections(42), 50)

	offlineEvents := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Unregister(42, fmt.Sprintf("conn-%d", i)) {
				mu.Lock()
				offlineEvents++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, offlineEvents, "并发注销只有一次下线事件")
	assert.False(t, p.IsOnline(42))
}
