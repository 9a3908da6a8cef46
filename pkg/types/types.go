// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the fleet — order types, ladder
// line state, bus envelopes, and brokerage DTOs. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderKind distinguishes limit orders (whole-share path) from market orders
// (fractional-share path). Unlike the brokerage's own order-type enum, this
// is the engine's internal decision, made once at placement time.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindMarket OrderKind = "MARKET"
)

// OrderState is the engine's single source of truth for what it is waiting
// on. Exactly one value is held at a time; transitions are driven only by
// order-event reception and local cancel requests.
type OrderState string

const (
	OrderStateNone       OrderState = "NONE"
	OrderStateBuying     OrderState = "BUYING"
	OrderStateSelling    OrderState = "SELLING"
	OrderStateCancelling OrderState = "CANCELLING"
)

// OrderStatus is the narrow brokerage order-status vocabulary the engine
// actually branches on. Anything outside this set is either a recognized
// non-terminal status (logged, ignored) or fatal.
type OrderStatus string

const (
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusNew             OrderStatus = "NEW"
	StatusPendingNew      OrderStatus = "PENDING_NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status ends the pending order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// IsRecognizedNonTerminal reports whether the status is a known "keep
// waiting" status. Anything that is neither terminal nor recognized
// non-terminal is a fatal, unknown status.
func (s OrderStatus) IsRecognizedNonTerminal() bool {
	switch s {
	case StatusAccepted, StatusNew, StatusPendingNew, StatusPartiallyFilled, StatusPendingCancel:
		return true
	default:
		return false
	}
}

// Mode selects the brokerage account used: paper or live trading.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// PendingOrderIDNone is the sentinel value for "no pending order" used on
// the wire and in the CSV ladder file, matching the original fleet's file
// format so existing ladder files remain loadable.
const PendingOrderIDNone = "None"

// ————————————————————————————————————————————————————————————————————————
// Narrow brokerage DTOs
// ————————————————————————————————————————————————————————————————————————

// Order is the narrow view of a brokerage order the engine actually reads.
// Brokerage SDKs return much richer objects; this struct is the single
// conversion point at the gateway/client boundary so the rest of the fleet
// never touches a brokerage-SDK type directly.
type Order struct {
	ID              string
	Symbol          string
	Side            Side
	Kind            OrderKind
	Status          OrderStatus
	LimitPrice      decimal.Decimal // zero value for market orders
	Qty             decimal.Decimal // requested quantity
	FilledQty       decimal.Decimal
	FilledAvgPrice  decimal.Decimal
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// PendingOrder is the engine's own record of the order it is waiting on.
// Not persisted beyond the ladder line's pending_order_id reference — it is
// reconstructed at startup from (ladder file, brokerage open orders).
type PendingOrder struct {
	ID        string
	Side      Side
	Kind      OrderKind
	Price     decimal.Decimal // limit price; zero for market orders
	Qty       decimal.Decimal
	LineIndex int
}

// ————————————————————————————————————————————————————————————————————————
// Bus envelope and payloads
// ————————————————————————————————————————————————————————————————————————

// Envelope is the uniform outer message wrapping every bus payload.
type Envelope struct {
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Sender    string         `json:"sender"`
}

// RegistrationAction is the action field of a BROKER_REGISTRATION payload.
type RegistrationAction string

const (
	RegisterSubscribe   RegistrationAction = "subscribe"
	RegisterUnsubscribe RegistrationAction = "unsubscribe"
)

// RegistrationPayload is published by an engine on BROKER_REGISTRATION to
// tell the gateway which ticker to stream.
type RegistrationPayload struct {
	Action RegistrationAction `json:"action"`
	Ticker string              `json:"ticker"`
}

// TickerUpdateKind distinguishes the two payload shapes multiplexed onto a
// single TICKER_UPDATES_<SYMBOL> channel.
type TickerUpdateKind string

const (
	UpdateKindPrice TickerUpdateKind = "price"
	UpdateKindOrder TickerUpdateKind = "order"
)

// PriceUpdatePayload is published by the gateway on a price event.
type PriceUpdatePayload struct {
	Type      TickerUpdateKind `json:"type"`
	Timestamp string           `json:"timestamp"`
	Price     string           `json:"price"`
	Volume    string           `json:"volume,omitempty"`
	Symbol    string           `json:"symbol"`
}

// OrderUpdateData is the flattened, fully-stringified order snapshot nested
// inside an order-event payload. All numeric fields are strings to avoid
// precision loss across the wire, matching the gateway's stable shape.
type OrderUpdateData struct {
	Event          string `json:"event"`
	ExecutionID    string `json:"execution_id,omitempty"`
	OrderID        string `json:"order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	OrderType      string `json:"order_type"`
	Status         string `json:"status"`
	LimitPrice     string `json:"limit_price,omitempty"`
	Qty            string `json:"qty,omitempty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price,omitempty"`
	PositionQty    string `json:"position_qty,omitempty"`
}

// OrderUpdatePayload is published by the gateway on an order event.
type OrderUpdatePayload struct {
	Type      TickerUpdateKind `json:"type"`
	Timestamp string           `json:"timestamp"`
	Symbol    string           `json:"symbol"`
	OrderData OrderUpdateData  `json:"order_data"`
}

// ProfitReportPayload is published by the engine whenever a fill changes
// realized/unrealized profit for its ticker.
type ProfitReportPayload struct {
	Symbol     string  `json:"symbol"`
	Total      float64 `json:"total"`
	Unrealized float64 `json:"unrealized"`
	Realized   float64 `json:"realized"`
	Converted  float64 `json:"converted,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Engine-internal queued actions
// ————————————————————————————————————————————————————————————————————————

// ActionKind tags the single queued-action tagged union the consumer loop
// dispatches on. Using one type with a kind field (rather than separate
// untyped messages compared by mixed enum/string identity) keeps the queue
// type-safe end to end.
type ActionKind string

const (
	ActionPriceUpdate ActionKind = "price_update"
	ActionOrderUpdate ActionKind = "order_update"
)

// Action is the single item type flowing through the engine's MPSC queue.
type Action struct {
	Kind  ActionKind
	Price decimal.Decimal // valid when Kind == ActionPriceUpdate
	Order Order           // valid when Kind == ActionOrderUpdate
}
