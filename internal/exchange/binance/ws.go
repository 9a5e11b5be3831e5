package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ultramaker/mmbot/internal/domain"
)

const (
	reconnectBackoff  = 2 * time.Second
	listenKeyInterval = 30 * time.Minute
)

// combinedMessage is the envelope of the combined market stream.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeMessage struct {
	Symbol   string `json:"s"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
}

type depthMessage struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Subscribe streams trades and depth snapshots for the given symbols over the
// combined websocket, reconnecting with backoff until the context ends.
func (c *Connector) Subscribe(ctx context.Context, symbols []string) (<-chan domain.MarketEvent, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("binance: no symbols to subscribe")
	}

	streams := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		low := strings.ToLower(s)
		streams = append(streams, low+"@trade", low+"@depth20@100ms")
	}
	wsURL := c.cfg.WsHost + "/stream?streams=" + strings.Join(streams, "/")

	out := make(chan domain.MarketEvent, 1024)
	go func() {
		defer close(out)
		for {
			if err := c.readMarketStream(ctx, wsURL, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("market stream dropped, reconnecting",
					slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}()
	return out, nil
}

func (c *Connector) readMarketStream(ctx context.Context, wsURL string, out chan<- domain.MarketEvent) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	c.logger.Info("market stream connected", slog.String("url", wsURL))
	for {
		var msg combinedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev, ok := c.parseMarket(msg)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) parseMarket(msg combinedMessage) (domain.MarketEvent, bool) {
	name, _, found := strings.Cut(msg.Stream, "@")
	if !found {
		return domain.MarketEvent{}, false
	}
	symbol := strings.ToUpper(name)

	switch {
	case strings.Contains(msg.Stream, "@trade"):
		var t tradeMessage
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return domain.MarketEvent{}, false
		}
		return domain.MarketEvent{
			Kind:   domain.MarketEventTrade,
			Symbol: symbol,
			Trade: &domain.TradeEvent{
				Symbol:    symbol,
				Price:     parseFloat(t.Price),
				Size:      parseFloat(t.Quantity),
				Timestamp: time.UnixMilli(t.Time),
			},
		}, true
	case strings.Contains(msg.Stream, "@depth"):
		var d depthMessage
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return domain.MarketEvent{}, false
		}
		return domain.MarketEvent{
			Kind:   domain.MarketEventDepth,
			Symbol: symbol,
			Depth: &domain.DepthEvent{
				Symbol:    symbol,
				Bids:      parseLevels(d.Bids),
				Asks:      parseLevels(d.Asks),
				Timestamp: time.Now(),
			},
		}, true
	default:
		return domain.MarketEvent{}, false
	}
}

func parseLevels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: parseFloat(lv[0]), Size: parseFloat(lv[1])})
	}
	return out
}

// executionReport is the user data stream's order update payload.
type executionReport struct {
	EventType     string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	LastQty       string `json:"l"`
	LastPrice     string `json:"L"`
	Fee           string `json:"n"`
	TradeTime     int64  `json:"T"`
	OrigClientID  string `json:"C"`
}

// Executions opens the user data stream and converts execution reports into
// coordinator events, keeping the listen key alive and reconnecting on drops.
func (c *Connector) Executions(ctx context.Context) (<-chan domain.ExecutionEvent, error) {
	out := make(chan domain.ExecutionEvent, 256)
	go func() {
		defer close(out)
		for {
			if err := c.readUserStream(ctx, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("user stream dropped, reconnecting", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}()
	return out, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (c *Connector) readUserStream(ctx context.Context, out chan<- domain.ExecutionEvent) error {
	var lk listenKeyResponse
	if err := c.request(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &lk); err != nil {
		return fmt.Errorf("obtain listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WsHost+"/ws/"+lk.ListenKey, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	defer conn.Close()

	keepCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go c.keepAlive(keepCtx, lk.ListenKey)
	go func() {
		<-keepCtx.Done()
		_ = conn.Close()
	}()

	c.logger.Info("user data stream connected")
	for {
		var report executionReport
		if err := conn.ReadJSON(&report); err != nil {
			return fmt.Errorf("read user stream: %w", err)
		}
		if report.EventType != "executionReport" {
			continue
		}
		ev, ok := convertReport(report)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q := url.Values{}
			q.Set("listenKey", listenKey)
			if err := c.request(ctx, http.MethodPut, "/api/v3/userDataStream", q, false, nil); err != nil {
				c.logger.Warn("listen key keepalive failed", slog.Any("error", err))
			}
		}
	}
}

// convertReport maps a Binance execution report onto a coordinator event.
// Cancels report the original client order id.
func convertReport(r executionReport) (domain.ExecutionEvent, bool) {
	orderID := r.ClientOrderID
	if r.ExecType == "CANCELED" && r.OrigClientID != "" {
		orderID = r.OrigClientID
	}

	switch r.ExecType {
	case "TRADE":
		return domain.ExecutionEvent{
			Kind:    domain.ExecEventFill,
			OrderID: orderID,
			Fill: &domain.Fill{
				ID:        uuid.NewString(),
				OrderID:   orderID,
				Symbol:    r.Symbol,
				Side:      domain.Side(strings.ToLower(r.Side)),
				Price:     parseFloat(r.LastPrice),
				Size:      parseFloat(r.LastQty),
				Fee:       parseFloat(r.Fee),
				Timestamp: time.UnixMilli(r.TradeTime),
			},
		}, true
	case "CANCELED":
		return domain.ExecutionEvent{Kind: domain.ExecEventCancel, OrderID: orderID, Message: "cancelled on exchange"}, true
	case "REJECTED":
		return domain.ExecutionEvent{Kind: domain.ExecEventReject, OrderID: orderID, Message: r.Status}, true
	case "EXPIRED":
		return domain.ExecutionEvent{Kind: domain.ExecEventExpire, OrderID: orderID, Message: "expired on exchange"}, true
	default:
		return domain.ExecutionEvent{}, false
	}
}
