package engine

import (
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/events"
	"github.com/dealdesk/gocfd/internal/metrics"
	"github.com/dealdesk/gocfd/internal/pending"
	"github.com/dealdesk/gocfd/internal/risk"
)

// HandleTick 行情入口（实现 ports.TickHandler 的签名）。
// 路由到该 symbol 的 worker：同 symbol 串行，异 symbol 并行。
// 队列满时丢最旧的 tick——行情只关心最新值，旧 tick 没有补处理的意义。
func (s *Service) HandleTick(tick domain.Tick) {
	if tick.Symbol == "" || tick.Price <= 0 {
		return
	}
	if s.ctx == nil {
		// Start 之前（以及同步驱动的测试里）直接内联处理
		s.processTick(tick)
		return
	}

	s.workerMu.Lock()
	ch, ok := s.workers[tick.Symbol]
	if !ok {
		ch = make(chan domain.Tick, s.cfg.TickQueueSize)
		s.workers[tick.Symbol] = ch
		s.wg.Add(1)
		go s.tickWorker(tick.Symbol, ch)
	}
	s.workerMu.Unlock()

	select {
	case ch <- tick:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- tick:
		default:
		}
	}
}

func (s *Service) tickWorker(symbol string, ch chan domain.Tick) {
	defer s.wg.Done()
	log.Debugf("tick worker 启动: symbol=%s", symbol)
	for {
		select {
		case <-s.ctx.Done():
			return
		case tick := <-ch:
			s.processTick(tick)
		}
	}
}

// processTick 单个 tick 的完整管道：
//
//  1. 更新报价板
//  2. 评估挂单触发（触发即原子出库 -> 执行引擎成交）
//  3. 持仓 mark-to-market
//  4. 风控评估（SL > 跟踪 > TP），去重后平仓
//  5. 受影响账户推送指标事件
func (s *Service) processTick(tick domain.Tick) {
	s.quotes.Put(tick)
	metrics.TicksProcessed.Add(1)

	affected := make(map[string]struct{})

	for _, tr := range s.pending.OnTick(tick.Symbol, tick.Price) {
		metrics.TriggersFired.Add(1)
		s.fillTriggered(tr)
		affected[tr.Order.UserID] = struct{}{}
	}

	snapshots := s.book.MarkToMarket(tick.Symbol, tick.Price, tick.Time())
	var closes []*risk.CloseRequest
	for i := range snapshots {
		id := snapshots[i].ID
		affected[snapshots[i].UserID] = struct{}{}
		// 风控评估要在仓位簿写锁内做：跟踪止损触发位的棘轮推进必须原子
		_ = s.book.Update(id, func(p *domain.Position) {
			if req := s.monitor.Evaluate(p, tick.Price); req != nil {
				closes = append(closes, req)
			}
		})
	}

	for _, req := range closes {
		s.riskClose(req)
	}

	for userID := range affected {
		s.publishMetrics(userID)
	}
}

// fillTriggered 触发的挂单交给执行引擎，成交后激活同组子订单
func (s *Service) fillTriggered(tr pending.TriggeredOrder) {
	s.groupMu.Lock()
	children := s.childrenByOrder[tr.Order.ID]
	delete(s.childrenByOrder, tr.Order.ID)
	s.groupMu.Unlock()

	position, err := s.exec.Fill(tr.Order, tr.TriggerPrice)
	if err != nil {
		// 执行引擎已落档拒绝并发事件；子订单随主订单一起作废
		for _, c := range children {
			c.Status = domain.OrderStatusCancelled
			s.persist.SaveOrder(c)
		}
		return
	}
	s.activateChildren(position, children)
}

// riskClose 执行风控平仓请求。去重窗口防止同一仓位在平仓落账前
// 被后续 tick 重复请求；输掉并发竞争（AlreadyClosed）按正常路径吸收。
func (s *Service) riskClose(req *risk.CloseRequest) {
	if err := s.closing.TryAcquire(req.PositionID); err != nil {
		return
	}

	closed, err := s.exec.Close(req.PositionID, 0, req.Price, req.Reason)
	if err != nil {
		s.closing.Release(req.PositionID)
		if err == domain.ErrAlreadyClosed || err == domain.ErrPositionNotFound {
			return
		}
		log.Errorf("风控平仓失败: position=%s reason=%s err=%v", req.PositionID, req.Reason, err)
		return
	}

	metrics.RiskCloses.Add(1)
	if !closed.Partial {
		s.finalizeChildren(req.PositionID, req.Reason, closed.ExitPrice, closed.ClosedAt)
	}
}

// publishMetrics 推送账户指标事件（价格波动也会改变 equity/marginLevel）
func (s *Service) publishMetrics(userID string) {
	if s.metricsGate != nil && !s.metricsGate.TryPass(userID, time.Now()) {
		return
	}
	snapshot, err := s.ledger.Snapshot(userID)
	if err != nil {
		return
	}
	s.sink.Publish(userID, events.TypeAccountMetricsUpdate, events.AccountMetricsEvent{
		Metrics:   snapshot,
		Timestamp: time.Now(),
	})
}
