package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// OrderStatus is the normalised lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusExecuted        OrderStatus = "executed"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// Closed reports whether the status is terminal.
func (s OrderStatus) Closed() bool {
	return s == OrderStatusExecuted || s == OrderStatusCanceled
}

// ParseOrderStatus maps the exchange status text ("ACTIVE", "PARTIALLY FILLED @ ...",
// "EXECUTED @ ...", "CANCELED", "POSTONLY CANCELED", "RSN_DUST", ...) to a status. Compound
// texts such as "CANCELED was: PARTIALLY FILLED @ 1(2)" are classified by their leading state.
func ParseOrderStatus(raw string) OrderStatus {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "":
		return OrderStatusPending
	case strings.HasPrefix(s, "ACTIVE"):
		return OrderStatusActive
	case strings.HasPrefix(s, "PARTIALLY FILLED"):
		return OrderStatusPartiallyFilled
	case strings.HasPrefix(s, "EXECUTED"):
		return OrderStatusExecuted
	default:
		return OrderStatusCanceled
	}
}

// Order is the server view of an order merged with locally known fields.
type Order struct {
	ID         int64
	GID        int64
	CID        int64
	Symbol     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Amount     decimal.Decimal
	AmountOrig decimal.Decimal
	Type       string
	TypePrev   string
	Flags      int64
	Status     OrderStatus
	// RawStatus is the exchange status text.
	RawStatus string
	Price     decimal.Decimal
	PriceAvg  decimal.Decimal
}

// AmountFilled is the executed part of the original amount.
func (o Order) AmountFilled() decimal.Decimal {
	return o.AmountOrig.Sub(o.Amount)
}

// OwnTrade is an execution of one of the account's orders.
type OwnTrade struct {
	ID          int64
	Symbol      string
	Time        time.Time
	OrderID     int64
	ExecAmount  decimal.Decimal
	ExecPrice   decimal.Decimal
	OrderType   string
	OrderPrice  decimal.Decimal
	Maker       bool
	Fee         decimal.Decimal
	FeeCurrency string
	CID         int64
	// Final is true for "tu" frames, which carry fees.
	Final bool
}

// Wallet is one account wallet balance.
type Wallet struct {
	Type              string
	Currency          string
	Balance           decimal.Decimal
	UnsettledInterest decimal.Decimal
	Available         decimal.Decimal
	Description       string
}

// Position is one margin or derivatives position.
type Position struct {
	Symbol            string
	Status            string
	Amount            decimal.Decimal
	BasePrice         decimal.Decimal
	MarginFunding     decimal.Decimal
	MarginFundingType int64
	PL                decimal.Decimal
	PLPerc            decimal.Decimal
	LiquidationPrice  decimal.Decimal
	Leverage          decimal.Decimal
	ID                int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Notification is a server notification ("n" frame), e.g. an order request outcome.
type Notification struct {
	Time      time.Time
	Type      string
	MessageID int64
	// Info is the raw notify info, usually an order array for "on-req"/"oc-req".
	Info json.RawMessage
	// Order is set when Info decodes as a single order.
	Order  *Order
	Code   int64
	Status string
	Text   string
}

// Notification statuses that mean a request failed.
const (
	NotificationError   = "ERROR"
	NotificationFailure = "FAILURE"
)

// Failed reports whether the notification reports a failed request.
func (n Notification) Failed() bool {
	return n.Status == NotificationError || n.Status == NotificationFailure
}
