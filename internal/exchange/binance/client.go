// Package binance implements the exchange connector for Binance spot:
// market data over the combined websocket stream, account execution events
// over the user data stream, and order management through the signed REST
// API. REST errors are classified transient or fatal so the execution
// coordinator can decide whether to retry.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// Connector talks to Binance spot. Safe for concurrent use.
type Connector struct {
	cfg    config.ExchangeConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg config.ExchangeConfig, logger *slog.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With(slog.String("component", "exchange.binance")),
		now:    time.Now,
	}
}

func (c *Connector) Name() string { return "binance" }

// sign appends the timestamp and HMAC-SHA256 signature Binance requires on
// account endpoints.
func (c *Connector) sign(q url.Values) url.Values {
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(c.cfg.ApiSecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return q
}

// apiError is Binance's REST error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps an HTTP failure onto the execution error taxonomy.
func classify(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	detail := ae.Msg
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("binance: %s (code %d): %w", detail, ae.Code, domain.ErrExecutionFatal)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("binance: %s (status %d): %w", detail, status, domain.ErrExecutionTransient)
	default:
		return fmt.Errorf("binance: %s (status %d, code %d)", detail, status, ae.Code)
	}
}

// request performs one REST call. signed requests carry the API key header
// and signature.
func (c *Connector) request(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if signed {
		q = c.sign(q)
	}

	u := c.cfg.RestHost + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		u += "?" + q.Encode()
	} else {
		body = strings.NewReader(q.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("binance: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.ApiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("binance: %v: %w", err, domain.ErrExecutionTransient)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("binance: read response: %w", domain.ErrExecutionTransient)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("binance: decode response: %w", err)
		}
	}
	return nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Time          int64  `json:"time"`
}

// PlaceOrder submits an order. The internal order id travels as the client
// order id so execution reports can be matched back.
func (c *Connector) PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	q := url.Values{}
	q.Set("symbol", o.Symbol)
	q.Set("side", strings.ToUpper(string(o.Side)))
	q.Set("newClientOrderId", o.ID)
	q.Set("quantity", trimFloat(o.Size))
	switch o.Type {
	case domain.OrderTypeMarket:
		q.Set("type", "MARKET")
	default:
		q.Set("type", "LIMIT")
		q.Set("timeInForce", "GTC")
		q.Set("price", trimFloat(o.Price))
	}

	var resp orderResponse
	if err := c.request(ctx, http.MethodPost, "/api/v3/order", q, true, &resp); err != nil {
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{
		OrderID:    o.ID,
		ExchangeID: strconv.FormatInt(resp.OrderID, 10),
		Accepted:   resp.Status != "REJECTED",
		Message:    resp.Status,
	}, nil
}

// CancelOrder cancels by client order id. The symbol travels inside the id
// because Binance requires it; ids are "<uuid>" scoped per symbol via the
// open-order lookup.
func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	open, err := c.OpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.ID == orderID {
			q := url.Values{}
			q.Set("symbol", o.Symbol)
			q.Set("origClientOrderId", orderID)
			return c.request(ctx, http.MethodDelete, "/api/v3/order", q, true, nil)
		}
	}
	return fmt.Errorf("order %s not open on exchange: %w", orderID, domain.ErrNotFound)
}

func (c *Connector) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	var resp []orderResponse
	if err := c.request(ctx, http.MethodGet, "/api/v3/openOrders", nil, true, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(resp))
	for _, r := range resp {
		out = append(out, domain.Order{
			ID:         r.ClientOrderID,
			Symbol:     r.Symbol,
			Side:       domain.Side(strings.ToLower(r.Side)),
			Type:       domain.OrderType(strings.ToLower(r.Type)),
			Price:      parseFloat(r.Price),
			Size:       parseFloat(r.OrigQty),
			FilledSize: parseFloat(r.ExecutedQty),
			Status:     domain.OrderStatusSubmitted,
			CreatedAt:  time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

func (c *Connector) Balances(ctx context.Context) (map[string]float64, error) {
	var resp accountResponse
	if err := c.request(ctx, http.MethodGet, "/api/v3/account", nil, true, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		if v := parseFloat(b.Free); v != 0 {
			out[b.Asset] = v
		}
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
