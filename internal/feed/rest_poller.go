package feed

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/ports"
)

var pollLog = logrus.WithField("component", "feed_rest_poller")

// quoteResponse REST 行情端点的响应格式
type quoteResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TimeMs int64   `json:"timeMs"`
}

// RestPoller 备用行情通道：按固定间隔轮询 REST 报价端点。
// WebSocket 是主通道；轮询器用于没有推送源的符号（或推送源整体不可用时兜底）。
type RestPoller struct {
	client   *resty.Client
	symbols  []string
	interval time.Duration
	handlers []ports.TickHandler
}

// NewRestPoller 创建 REST 轮询器
func NewRestPoller(baseURL string, symbols []string, interval time.Duration) *RestPoller {
	if interval <= 0 {
		interval = time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	return &RestPoller{
		client:   client,
		symbols:  symbols,
		interval: interval,
	}
}

// OnTick 注册 tick 回调（启动前调用）
func (p *RestPoller) OnTick(h ports.TickHandler) {
	p.handlers = append(p.handlers, h)
}

// Run 轮询直到 ctx 取消
func (p *RestPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	pollLog.Infof("REST 行情轮询启动: symbols=%v interval=%s", p.symbols, p.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range p.symbols {
				tick, err := p.fetch(ctx, symbol)
				if err != nil {
					pollLog.Warnf("轮询报价失败: symbol=%s err=%v", symbol, err)
					continue
				}
				for _, h := range p.handlers {
					h(tick)
				}
			}
		}
	}
}

func (p *RestPoller) fetch(ctx context.Context, symbol string) (domain.Tick, error) {
	var out quoteResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/quote")
	if err != nil {
		return domain.Tick{}, errors.Wrap(err, "请求报价端点失败")
	}
	if resp.IsError() {
		return domain.Tick{}, errors.Errorf("报价端点返回 %d", resp.StatusCode())
	}
	if out.Price <= 0 {
		return domain.Tick{}, errors.Errorf("报价非法: symbol=%s price=%f", symbol, out.Price)
	}
	if out.TimeMs == 0 {
		out.TimeMs = time.Now().UnixMilli()
	}
	return domain.Tick{Symbol: symbol, Price: out.Price, TimeMs: out.TimeMs}, nil
}
