package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/dealdesk/gocfd/internal/domain"
)

var log = logrus.WithField("component", "store")

// Store SQLite 持久镜像。引擎内存状态是权威，这里只追平最终状态：
// 订单、持仓、平仓记录、账户指标，供历史查询与重启后核对。
type Store struct {
	db *sql.DB
}

// Open 打开（或创建）数据库并执行迁移
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir db dir")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  status TEXT NOT NULL,
  reject_reason TEXT,
  body TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);`,
		`
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  body TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id);`,
		`
CREATE TABLE IF NOT EXISTS closed_positions (
  position_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  realized_pnl REAL NOT NULL,
  body TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_user ON closed_positions(user_id);`,
		`
CREATE TABLE IF NOT EXISTS accounts (
  user_id TEXT PRIMARY KEY,
  balance REAL NOT NULL,
  realized_pnl REAL NOT NULL,
  used_margin REAL NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate exec failed")
		}
	}
	return nil
}

// UpsertOrder 落档订单最终状态（body 为 JSON 全量快照）
func (s *Store) UpsertOrder(order *domain.Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}
	_, err = s.db.Exec(`
INSERT INTO orders (id, user_id, symbol, status, reject_reason, body, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, reject_reason=excluded.reject_reason,
  body=excluded.body, updated_at=excluded.updated_at`,
		order.ID, order.UserID, order.Symbol, string(order.Status), order.RejectReason,
		string(body), time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert order")
}

// UpsertPosition 落档持仓快照
func (s *Store) UpsertPosition(p *domain.Position) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	_, err = s.db.Exec(`
INSERT INTO positions (id, user_id, symbol, body, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		p.ID, p.UserID, p.Symbol, string(body),
		time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert position")
}

// InsertClosedPosition 追加平仓记录；全量平仓时顺带删掉持仓行
func (s *Store) InsertClosedPosition(c *domain.ClosedPosition) error {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal closed position")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
INSERT INTO closed_positions (position_id, user_id, symbol, realized_pnl, body, closed_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		c.PositionID, c.UserID, c.Symbol, c.RealizedPnl, string(body),
		c.ClosedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return errors.Wrap(err, "insert closed position")
	}
	if !c.Partial {
		if _, err := tx.Exec(`DELETE FROM positions WHERE id = ?`, c.PositionID); err != nil {
			return errors.Wrap(err, "delete closed position row")
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// UpsertAccount 落档账户的三个存储字段（派生指标不落库）
func (s *Store) UpsertAccount(m domain.AccountMetrics) error {
	_, err := s.db.Exec(`
INSERT INTO accounts (user_id, balance, realized_pnl, used_margin, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  balance=excluded.balance, realized_pnl=excluded.realized_pnl,
  used_margin=excluded.used_margin, updated_at=excluded.updated_at`,
		m.UserID, m.Balance, m.RealizedPnl, m.UsedMargin,
		time.Now().UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert account")
}

// OrdersByUser 按用户查询订单历史（最新在前）
func (s *Store) OrdersByUser(userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT body FROM orders WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query orders")
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		var o domain.Order
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			log.Warnf("订单记录反序列化失败，跳过: %v", err)
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClosedByUser 按用户查询平仓历史（最新在前）
func (s *Store) ClosedByUser(userID string, limit int) ([]domain.ClosedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT body FROM closed_positions WHERE user_id = ? ORDER BY closed_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query closed positions")
	}
	defer rows.Close()

	var out []domain.ClosedPosition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan closed position")
		}
		var c domain.ClosedPosition
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			log.Warnf("平仓记录反序列化失败，跳过: %v", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
