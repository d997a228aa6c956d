package exchange

import (
	"context"
	"errors"
	"time"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrder        = errors.New("invalid order")
)

type Ticker struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

// OrderRequest opens a position. Size is quote notional.
type OrderRequest struct {
	ClientID   string  `json:"client_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

type Order struct {
	ID        string       `json:"id"`
	ClientID  string       `json:"client_id"`
	Symbol    string       `json:"symbol"`
	Side      Side         `json:"side"`
	Size      float64      `json:"size"`
	CreatedAt time.Time    `json:"created_at"`
	Request   OrderRequest `json:"request"`
}

type FillKind string

const (
	FillEntry  FillKind = "ENTRY"
	FillExit   FillKind = "EXIT"
	FillFailed FillKind = "FAILED"
)

// FillEvent is emitted for entry fills, failed orders and stop or
// take-profit exits.
type FillEvent struct {
	OrderID     string    `json:"order_id"`
	ClientID    string    `json:"client_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Kind        FillKind  `json:"kind"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason,omitempty"`
	LatencyMs   int       `json:"latency_ms"`
	SlippageBps int       `json:"slippage_bps"`
	Time        time.Time `json:"time"`
}

type Position struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	OrderID    string    `json:"order_id"`
	ClientID   string    `json:"client_id,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Exchange is the trading venue the orchestrator talks to.
type Exchange interface {
	GetBalance(ctx context.Context) (float64, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]Position, error)
	Fills() <-chan FillEvent
}

// Marker is implemented by venues whose GetTicker has side effects. Mark
// returns the last traded price without moving the market.
type Marker interface {
	Mark(symbol string) (float64, bool)
}
