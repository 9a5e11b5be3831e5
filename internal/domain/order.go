package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderType indicates how an order executes.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the order lifecycle state machine:
//
//	New -> Submitted -> {PartiallyFilled -> ...} -> {Filled | Canceled | Rejected | Expired}
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew: {OrderStatusSubmitted, OrderStatusRejected},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCanceled, OrderStatusExpired,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is one exchange-bound instruction.
type Order struct {
	ID string `json:"id"`
	// ParentID links an iceberg child to its parent order. Empty otherwise.
	ParentID     string      `json:"parent_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Price        float64     `json:"price"`
	Size         float64     `json:"size"`
	FilledSize   float64     `json:"filled_size"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Status       OrderStatus `json:"status"`
	// Attempts counts submission tries, including the first.
	Attempts  int       `json:"attempts"`
	Strategy  string    `json:"strategy,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// Transition records one state-machine edge an order took.
type Transition struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	At      time.Time   `json:"at"`
	Note    string      `json:"note,omitempty"`
}

// History is the ordered list of transitions an order went through. It
// serializes losslessly so an order's lifecycle can be reconstructed.
type History []Transition

// Apply validates and appends a transition, returning the updated history.
func (h History) Apply(t Transition) (History, error) {
	if !CanTransition(t.From, t.To) {
		return h, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if n := len(h); n > 0 && h[n-1].To != t.From {
		return h, fmt.Errorf("%w: history ends at %s, transition starts at %s",
			ErrInvalidTransition, h[n-1].To, t.From)
	}
	return append(h, t), nil
}

// Marshal encodes the history as JSON.
func (h History) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalHistory reconstructs a history from its JSON encoding.
func UnmarshalHistory(data []byte) (History, error) {
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode order history: %w", err)
	}
	return h, nil
}

// OrderAck is the exchange's response to a submission or cancel request.
type OrderAck struct {
	OrderID    string
	ExchangeID string
	Accepted   bool
	Message    string
}

// Fill is a (partial) execution of an order.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecEventKind discriminates reconciliation events from the exchange.
type ExecEventKind int

const (
	ExecEventAck ExecEventKind = iota
	ExecEventFill
	ExecEventCancel
	ExecEventReject
	ExecEventExpire
)

// ExecutionEvent is one order lifecycle event delivered by the connector and
// consumed by the execution coordinator's reconciliation loop.
type ExecutionEvent struct {
	Kind    ExecEventKind
	OrderID string
	Fill    *Fill
	Message string
}
