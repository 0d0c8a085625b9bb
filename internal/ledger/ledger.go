package ledger

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
)

var log = logrus.WithField("component", "account_ledger")

// PositionSource 账本派生指标所需的仓位视图（由 PositionBook 实现）
type PositionSource interface {
	UnrealizedSum(userID string) float64
	Exposure(userID string) float64
}

// account 单个账户的财务状态。
// 只有 balance / realizedPnl / usedMargin 被存储，其余指标全部在 Snapshot 时派生。
// 金额用 decimal 保存：预留/释放同额保证金后 usedMargin 精确还原。
type account struct {
	mu          sync.Mutex
	userID      string
	balance     decimal.Decimal
	realizedPnl decimal.Decimal
	usedMargin  decimal.Decimal
	updatedAt   time.Time

	// opMu 序列化跨字段的复合操作（检查+预留+建仓），与字段锁分离，
	// 允许复合操作内部调用 ReserveMargin 等单字段方法
	opMu sync.Mutex
}

// Ledger 账户账本：每个用户财务状态的唯一所有者。
// 其他组件一律通过这里修改账户字段，不存在进程级共享的全局账户数组。
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[string]*account
	positions PositionSource
}

// NewLedger 创建账本
func NewLedger(positions PositionSource) *Ledger {
	return &Ledger{
		accounts:  make(map[string]*account),
		positions: positions,
	}
}

// CreateAccount 开户（幂等：已存在时不重置余额）
func (l *Ledger) CreateAccount(userID string, initialBalance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[userID]; ok {
		return
	}
	l.accounts[userID] = &account{
		userID:    userID,
		balance:   decimal.NewFromFloat(initialBalance),
		updatedAt: time.Now(),
	}
	log.Infof("开户: user=%s balance=%.2f", userID, initialBalance)
}

// Restore 从快照恢复账户状态（仅 daemon 启动时调用）
func (l *Ledger) Restore(userID string, balance, realizedPnl, usedMargin float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[userID] = &account{
		userID:      userID,
		balance:     decimal.NewFromFloat(balance),
		realizedPnl: decimal.NewFromFloat(realizedPnl),
		usedMargin:  decimal.NewFromFloat(usedMargin),
		updatedAt:   time.Now(),
	}
}

func (l *Ledger) get(userID string) (*account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a, nil
}

// Serialize 在该账户的复合操作锁内执行 fn。
// tick 驱动的止损平仓与用户主动下单可能并发命中同一账户，
// 执行引擎用它保证单账户内检查与变更的串行性。
func (l *Ledger) Serialize(userID string, fn func() error) error {
	a, err := l.get(userID)
	if err != nil {
		return err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return fn()
}

// ReserveMargin 预留保证金。会把 availableFunds 打成负数时拒绝，
// 检查与预留在账户锁内一步完成。
func (l *Ledger) ReserveMargin(userID string, amount float64) error {
	if amount < 0 {
		return domain.ErrInvalidOrder
	}
	a, err := l.get(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	equity := a.balance.Add(a.realizedPnl).InexactFloat64() + l.positions.UnrealizedSum(userID)
	available := equity - a.usedMargin.InexactFloat64()
	if available < amount {
		return domain.ErrInsufficientMargin
	}
	a.usedMargin = a.usedMargin.Add(decimal.NewFromFloat(amount))
	a.updatedAt = time.Now()
	log.Debugf("保证金预留: user=%s amount=%.4f usedMargin=%s", userID, amount, a.usedMargin)
	return nil
}

// ReleaseMargin 释放保证金（decimal 运算：同额预留+释放后 usedMargin 精确还原）
func (l *Ledger) ReleaseMargin(userID string, amount float64) {
	if amount <= 0 {
		return
	}
	a, err := l.get(userID)
	if err != nil {
		log.Warnf("释放保证金目标账户不存在: user=%s", userID)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.usedMargin = a.usedMargin.Sub(decimal.NewFromFloat(amount))
	if a.usedMargin.IsNegative() {
		log.Warnf("usedMargin 释放后为负，钳到 0: user=%s usedMargin=%s", userID, a.usedMargin)
		a.usedMargin = decimal.Zero
	}
	a.updatedAt = time.Now()
}

// AddRealizedPnl 平仓盈亏入账
func (l *Ledger) AddRealizedPnl(userID string, amount float64) {
	a, err := l.get(userID)
	if err != nil {
		log.Warnf("盈亏入账目标账户不存在: user=%s", userID)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realizedPnl = a.realizedPnl.Add(decimal.NewFromFloat(amount))
	a.updatedAt = time.Now()
}

// Snapshot 账户指标快照。派生量全部此刻重算：
//
//	equity         = balance + realizedPnl + Σ unrealizedPnl
//	availableFunds = equity - usedMargin
//	marginLevel    = usedMargin > 0 ? equity/usedMargin*100 : +Inf
//	exposure       = Σ (quantity * currentPrice)
func (l *Ledger) Snapshot(userID string) (domain.AccountMetrics, error) {
	a, err := l.get(userID)
	if err != nil {
		return domain.AccountMetrics{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	balance := a.balance.InexactFloat64()
	realized := a.realizedPnl.InexactFloat64()
	used := a.usedMargin.InexactFloat64()
	unrealized := l.positions.UnrealizedSum(userID)

	equity := balance + realized + unrealized
	marginLevel := math.Inf(1)
	if used > 0 {
		marginLevel = equity / used * 100
	}

	return domain.AccountMetrics{
		UserID:         userID,
		Balance:        balance,
		RealizedPnl:    realized,
		UnrealizedPnl:  unrealized,
		UsedMargin:     used,
		Equity:         equity,
		AvailableFunds: equity - used,
		MarginLevel:    marginLevel,
		Exposure:       l.positions.Exposure(userID),
		UpdatedAt:      a.updatedAt,
	}, nil
}

// Users 返回全部已开户用户（快照/恢复用）
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		out = append(out, id)
	}
	return out
}
