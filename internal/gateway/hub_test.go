package gateway

import (
	"context"
	"testing"
	"time"
)

func TestHubRegisterThenImmediateUnregister(t *testing.T) {
	_, _, _, g := newTestGateway(t)
	h := g.hub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &Client{
		ID:   "short-lived",
		send: make(chan []byte, 1),
		hub:  h,
		log:  g.log,
	}

	// register 无缓冲：这里返回时主循环已经拿到注册事件
	h.register <- c
	h.Join("d1", c)
	h.unregister <- c

	// 注销完成的标志是 send 被主循环关闭
	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatalf("expected closed send channel, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unregister not processed")
	}

	h.mu.RLock()
	_, stillRegistered := h.clients[c.ID]
	_, groupAlive := h.groups["d1"]
	h.mu.RUnlock()
	if stillRegistered {
		t.Fatalf("client still registered after unregister")
	}
	if groupAlive {
		t.Fatalf("empty subscription group not cleaned up")
	}
}
