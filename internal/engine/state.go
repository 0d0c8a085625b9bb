package engine

import (
	"context"
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/metrics"
	"github.com/dealdesk/gocfd/pkg/snapshot"
)

const snapshotKey = "engine/state/v1"

// accountState 账户的三个存储字段（派生指标不进快照）
type accountState struct {
	UserID      string  `json:"userId"`
	Balance     float64 `json:"balance"`
	RealizedPnl float64 `json:"realizedPnl"`
	UsedMargin  float64 `json:"usedMargin"`
}

// engineState 引擎可恢复状态：账户、持仓、挂单、未结算的订单组
type engineState struct {
	TakenAt   time.Time                  `json:"takenAt"`
	Accounts  []accountState             `json:"accounts"`
	Positions []domain.Position          `json:"positions"`
	Pending   []*domain.Order            `json:"pending"`
	Groups    map[string][]*domain.Order `json:"groups"`   // 等待主挂单触发的子订单
	Attached  map[string][]*domain.Order `json:"attached"` // 已绑定仓位的子订单
}

// SaveSnapshot 把当前引擎状态写入快照库
func (s *Service) SaveSnapshot(store *snapshot.Store) error {
	state := engineState{
		TakenAt:   time.Now(),
		Positions: s.book.All(),
		Pending:   s.pending.All(),
		Groups:    make(map[string][]*domain.Order),
		Attached:  make(map[string][]*domain.Order),
	}
	for _, userID := range s.ledger.Users() {
		m, err := s.ledger.Snapshot(userID)
		if err != nil {
			continue
		}
		state.Accounts = append(state.Accounts, accountState{
			UserID:      userID,
			Balance:     m.Balance,
			RealizedPnl: m.RealizedPnl,
			UsedMargin:  m.UsedMargin,
		})
	}
	s.groupMu.Lock()
	for id, children := range s.childrenByOrder {
		state.Groups[id] = children
	}
	for id, children := range s.childrenByPosition {
		state.Attached[id] = children
	}
	s.groupMu.Unlock()

	if err := store.SaveJSON(snapshotKey, state); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	log.Infof("引擎状态快照完成: accounts=%d positions=%d pending=%d",
		len(state.Accounts), len(state.Positions), len(state.Pending))
	return nil
}

// RestoreSnapshot 从快照库恢复引擎状态（仅启动时、接收行情之前调用）
func (s *Service) RestoreSnapshot(store *snapshot.Store) (bool, error) {
	var state engineState
	found, err := store.LoadJSON(snapshotKey, &state)
	if err != nil || !found {
		return found, err
	}

	for _, a := range state.Accounts {
		s.ledger.Restore(a.UserID, a.Balance, a.RealizedPnl, a.UsedMargin)
	}
	for i := range state.Positions {
		p := state.Positions[i]
		s.book.Apply(&p)
	}
	for _, o := range state.Pending {
		if err := s.pending.Add(o); err != nil {
			log.Warnf("快照挂单恢复失败，跳过: id=%s err=%v", o.ID, err)
		}
	}
	s.groupMu.Lock()
	for id, children := range state.Groups {
		s.childrenByOrder[id] = children
	}
	for id, children := range state.Attached {
		s.childrenByPosition[id] = children
	}
	s.groupMu.Unlock()

	metrics.SnapshotLoads.Add(1)
	log.Infof("引擎状态恢复完成: accounts=%d positions=%d pending=%d (快照时间 %s)",
		len(state.Accounts), len(state.Positions), len(state.Pending),
		state.TakenAt.Format(time.RFC3339))
	return true, nil
}

// TriggerSnapshot 请求立即保存一次快照（由 RunSnapshotLoop 异步执行）
func (s *Service) TriggerSnapshot() {
	s.snapshotNow.Emit()
}

// RunSnapshotLoop 周期性保存快照，直到 ctx 取消（退出前保存最后一次）。
// TriggerSnapshot 可以在周期之外请求立即保存。
func (s *Service) RunSnapshotLoop(ctx context.Context, store *snapshot.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.SaveSnapshot(store); err != nil {
				log.Errorf("退出前快照失败: %v", err)
			}
			return
		case <-s.snapshotNow.C():
			if err := s.SaveSnapshot(store); err != nil {
				log.Errorf("按需快照失败: %v", err)
			}
		case <-ticker.C:
			if err := s.SaveSnapshot(store); err != nil {
				log.Errorf("周期快照失败: %v", err)
			}
		}
	}
}
