package wire

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Subscribe encodes {event:"subscribe", channel, subId, ...params}.
func Subscribe(channel, subID string, params map[string]string) ([]byte, error) {
	msg := make(map[string]any, len(params)+3)
	for k, v := range params {
		msg[k] = v
	}
	msg["event"] = "subscribe"
	msg["channel"] = channel
	msg["subId"] = subID
	return json.Marshal(msg)
}

type unsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// Unsubscribe encodes {event:"unsubscribe", chanId}.
func Unsubscribe(chanID int64) ([]byte, error) {
	return json.Marshal(unsubscribeRequest{Event: "unsubscribe", ChanID: chanID})
}

type confRequest struct {
	Event string `json:"event"`
	Flags int64  `json:"flags"`
}

// Conf encodes {event:"conf", flags}.
func Conf(flags int64) ([]byte, error) {
	return json.Marshal(confRequest{Event: EventConf, Flags: flags})
}

// NewOrder is the body of an "on" command.
type NewOrder struct {
	GID           int64             `json:"gid,omitempty"`
	CID           int64             `json:"cid"`
	Type          string            `json:"type"`
	Symbol        string            `json:"symbol"`
	Amount        decimal.Decimal   `json:"amount"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	PriceTrailing *decimal.Decimal  `json:"price_trailing,omitempty"`
	PriceAuxLimit *decimal.Decimal  `json:"price_aux_limit,omitempty"`
	PriceOCOStop  *decimal.Decimal  `json:"price_oco_stop,omitempty"`
	Flags         int64             `json:"flags,omitempty"`
	Lev           int               `json:"lev,omitempty"`
	TIF           string            `json:"tif,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// UpdateOrder is the body of an "ou" command.
type UpdateOrder struct {
	ID            int64            `json:"id"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Delta         *decimal.Decimal `json:"delta,omitempty"`
	PriceAuxLimit *decimal.Decimal `json:"price_aux_limit,omitempty"`
	PriceTrailing *decimal.Decimal `json:"price_trailing,omitempty"`
	Flags         int64            `json:"flags,omitempty"`
	TIF           string           `json:"tif,omitempty"`
}

// CancelOrder is the body of an "oc" command. Either ID or CID plus CIDDate
// (YYYY-MM-DD, UTC) identifies the order.
type CancelOrder struct {
	ID      int64  `json:"id,omitempty"`
	CID     int64  `json:"cid,omitempty"`
	CIDDate string `json:"cid_date,omitempty"`
}

// CancelMulti is the body of an "oc_multi" command.
type CancelMulti struct {
	ID  []int64  `json:"id,omitempty"`
	CID [][2]any `json:"cid,omitempty"`
	GID []int64  `json:"gid,omitempty"`
	All int      `json:"all,omitempty"`
}

// OrderCommand encodes [0, tag, null, body].
func OrderCommand(tag string, body any) ([]byte, error) {
	return json.Marshal([]any{0, tag, nil, body})
}
