package service

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func TestHubRejectsRegisterAfterStop(t *testing.T) {
	h := NewChatHub(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), nil, NewPresenceTracker())
	h.Stop()

	client := &Client{Hub: h, UserID: 1, ConnID: "conn-1", Send: make(chan []byte, 1)}

	accepted := make(chan bool, 1)
	go func() { accepted <- h.enqueueRegister(client) }()
	select {
	case ok := <-accepted:
		assert.False(t, ok, "停机后不再接收新连接")
	case <-time.After(time.Second):
		t.Fatal("停机后注册入队不应阻塞")
	}

	released := make(chan struct{})
	go func() {
		h.enqueueUnregister(client)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("停机后注销入队不应阻塞")
	}
}
