package shutdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownRunsAllHooks(t *testing.T) {
	m := NewManager()
	var ran int64
	for i := 0; i < 5; i++ {
		m.OnShutdown(func(ctx context.Context) {
			atomic.AddInt64(&ran, 1)
		})
	}
	m.OnShutdown(nil) // 忽略

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.Shutdown(ctx) {
		t.Fatal("回调全部完成时应返回 true")
	}
	if got := atomic.LoadInt64(&ran); got != 5 {
		t.Fatalf("执行的回调数 = %d, want 5", got)
	}
}

func TestShutdownTimeout(t *testing.T) {
	m := NewManager()
	block := make(chan struct{})
	defer close(block)
	m.OnShutdown(func(ctx context.Context) {
		<-block
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m.Shutdown(ctx) {
		t.Fatal("回调阻塞超时应返回 false")
	}
}

func TestShutdownNoHooks(t *testing.T) {
	if !NewManager().Shutdown(context.Background()) {
		t.Fatal("无回调时应立即返回 true")
	}
}
