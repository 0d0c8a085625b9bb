package store

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/metrics"
)

var persistLog = logrus.WithField("component", "async_persister")

// AsyncPersister 实现 ports.Persister：写请求进有界队列，
// 单 worker 顺序落库，不阻塞执行引擎的热路径。
// 队列满时丢弃并计数——镜像落后可以接受，引擎停顿不可以。
type AsyncPersister struct {
	store *Store
	jobs  chan func()

	wg      sync.WaitGroup
	once    sync.Once
	stopped chan struct{}
}

// NewAsyncPersister 创建异步落档器。queueSize 是待写队列长度。
func NewAsyncPersister(store *Store, queueSize int) *AsyncPersister {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AsyncPersister{
		store:   store,
		jobs:    make(chan func(), queueSize),
		stopped: make(chan struct{}),
	}
}

// Run 启动落库 worker，直到 ctx 取消且队列排空
func (p *AsyncPersister) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case job := <-p.jobs:
				job()
			case <-ctx.Done():
				// 排空剩余写请求再退出
				for {
					select {
					case job := <-p.jobs:
						job()
					default:
						p.once.Do(func() { close(p.stopped) })
						return
					}
				}
			}
		}
	}()
}

// Wait 等待 worker 退出（ctx 取消后调用）
func (p *AsyncPersister) Wait() {
	p.wg.Wait()
}

func (p *AsyncPersister) enqueue(job func()) {
	select {
	case <-p.stopped:
		return
	default:
	}
	select {
	case p.jobs <- job:
	default:
		persistLog.Warn("落档队列已满，丢弃写请求")
		metrics.PersistErrors.Add(1)
	}
}

func (p *AsyncPersister) SaveOrder(order *domain.Order) {
	o := *order
	p.enqueue(func() {
		if err := p.store.UpsertOrder(&o); err != nil {
			persistLog.Errorf("落档订单失败: order=%s err=%v", o.ID, err)
			metrics.PersistErrors.Add(1)
		}
	})
}

func (p *AsyncPersister) SavePosition(position *domain.Position) {
	pos := *position
	p.enqueue(func() {
		if err := p.store.UpsertPosition(&pos); err != nil {
			persistLog.Errorf("落档持仓失败: position=%s err=%v", pos.ID, err)
			metrics.PersistErrors.Add(1)
		}
	})
}

func (p *AsyncPersister) SaveClosedPosition(closed *domain.ClosedPosition) {
	c := *closed
	p.enqueue(func() {
		if err := p.store.InsertClosedPosition(&c); err != nil {
			persistLog.Errorf("落档平仓记录失败: position=%s err=%v", c.PositionID, err)
			metrics.PersistErrors.Add(1)
		}
	})
}

func (p *AsyncPersister) SaveAccount(m domain.AccountMetrics) {
	p.enqueue(func() {
		if err := p.store.UpsertAccount(m); err != nil {
			persistLog.Errorf("落档账户失败: user=%s err=%v", m.UserID, err)
			metrics.PersistErrors.Add(1)
		}
	})
}

// NopPersister 空实现（测试与纯内存模式）
type NopPersister struct{}

func (NopPersister) SaveOrder(*domain.Order)                   {}
func (NopPersister) SavePosition(*domain.Position)             {}
func (NopPersister) SaveClosedPosition(*domain.ClosedPosition) {}
func (NopPersister) SaveAccount(domain.AccountMetrics)         {}
