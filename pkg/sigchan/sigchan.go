package sigchan

// Chan 非阻塞信号 channel：只通知事件发生，不携带数据。
// 缓冲满时 Emit 直接丢弃——信号合并是预期行为。
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel
func New(bufferSize int) *Chan {
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回用于 select 的只读 channel
func (c *Chan) C() <-chan struct{} {
	return c.c
}
