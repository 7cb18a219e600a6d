// Package schema defines the records and events delivered to applications.
package schema

import "time"

// EventType identifies the category of an application event.
type EventType string

const (
	// EventTypeInfo carries server info events (version, maintenance codes).
	EventTypeInfo EventType = "Info"
	// EventTypeSubscribed confirms a channel subscription.
	EventTypeSubscribed EventType = "Subscribed"
	// EventTypeUnsubscribed confirms a channel removal.
	EventTypeUnsubscribed EventType = "Unsubscribed"
	// EventTypeError carries server-reported errors that did not end the connection.
	EventTypeError EventType = "Error"
	// EventTypeAuth reports the result of an authentication handshake.
	EventTypeAuth EventType = "Auth"
	// EventTypeConnection reports connection lifecycle transitions.
	EventTypeConnection EventType = "Connection"

	EventTypeTicker        EventType = "Ticker"
	EventTypeFundingTicker EventType = "FundingTicker"
	EventTypeTrade         EventType = "Trade"
	EventTypeFundingTrade  EventType = "FundingTrade"
	EventTypeCandle        EventType = "Candle"
	EventTypeStatus        EventType = "Status"
	EventTypeLiquidation   EventType = "Liquidation"

	// EventTypeBookSnapshot carries the full book after a snapshot was loaded.
	EventTypeBookSnapshot EventType = "BookSnapshot"
	// EventTypeBookUpdate carries one applied level.
	EventTypeBookUpdate EventType = "BookUpdate"
	// EventTypeBookResync signals a checksum mismatch; the book is being rebuilt.
	EventTypeBookResync EventType = "BookResync"
	// EventTypeFundingBook carries funding book levels, which are not replicated.
	EventTypeFundingBook EventType = "FundingBook"
	// EventTypeRawBook carries raw (per-order) book entries, which are not replicated.
	EventTypeRawBook EventType = "RawBook"

	EventTypeOrderSnapshot    EventType = "OrderSnapshot"
	EventTypeOrderNew         EventType = "OrderNew"
	EventTypeOrderUpdate      EventType = "OrderUpdate"
	EventTypeOrderClose       EventType = "OrderClose"
	EventTypeOwnTrade         EventType = "OwnTrade"
	EventTypePositionSnapshot EventType = "PositionSnapshot"
	EventTypePositionNew      EventType = "PositionNew"
	EventTypePositionUpdate   EventType = "PositionUpdate"
	EventTypePositionClose    EventType = "PositionClose"
	EventTypeWalletSnapshot   EventType = "WalletSnapshot"
	EventTypeWalletUpdate     EventType = "WalletUpdate"
	EventTypeNotification     EventType = "Notification"
)

// Event is the envelope for everything the session emits.
type Event struct {
	Type EventType
	// Source names the connection that produced the event ("auth" or a bucket id).
	Source string
	// SubID is the client subscription id for channel data, empty otherwise.
	SubID string
	// ChanID is the server channel id the frame arrived on.
	ChanID     int64
	Symbol     string
	ReceivedAt time.Time
	Payload    any
}

// InfoPayload mirrors the server info event.
type InfoPayload struct {
	Version  int
	ServerID string
	Code     int
	Message  string
	// PlatformStatus is 1 when operative, 0 under maintenance.
	PlatformStatus int
}

// Info event codes.
const (
	InfoCodeReconnect        = 20051
	InfoCodeMaintenanceStart = 20060
	InfoCodeMaintenanceEnd   = 20061
)

// SubscriptionPayload describes a subscription state change.
type SubscriptionPayload struct {
	Channel string
	Params  map[string]string
}

// ErrorPayload carries a server error event or a locally detected failure.
type ErrorPayload struct {
	Code    int
	Message string
	Err     error
}

// AuthPayload reports the outcome of the auth handshake.
type AuthPayload struct {
	Status string
	UserID int64
	Caps   map[string]any
}

// ConnectionState enumerates lifecycle states reported on EventTypeConnection.
type ConnectionState string

const (
	ConnectionOpen         ConnectionState = "open"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionClosed       ConnectionState = "closed"
)

// ConnectionPayload describes a connection transition.
type ConnectionPayload struct {
	State   ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
}

// BookResyncPayload reports why a book is being rebuilt.
type BookResyncPayload struct {
	Err error
}
