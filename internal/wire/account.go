package wire

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/schema"
)

// orderArity covers ID through PRICE_AVG; the full order array has 32 fields.
const orderArity = 18

// DecodeOrder decodes [ID, GID, CID, SYMBOL, MTS_CREATE, MTS_UPDATE, AMOUNT, AMOUNT_ORIG,
// TYPE, TYPE_PREV, _, _, FLAGS, ORDER_STATUS, _, _, PRICE, PRICE_AVG, ...].
func DecodeOrder(raw json.RawMessage) (schema.Order, error) {
	parts, err := fields(raw, orderArity, "order")
	if err != nil {
		return schema.Order{}, err
	}
	r := reader{parts: parts}
	o := schema.Order{
		ID:         r.int(0),
		GID:        r.int(1),
		CID:        r.int(2),
		Symbol:     r.string(3),
		CreatedAt:  r.time(4),
		UpdatedAt:  r.time(5),
		Amount:     r.decimal(6),
		AmountOrig: r.decimal(7),
		Type:       r.string(8),
		TypePrev:   r.string(9),
		Flags:      r.int(12),
		RawStatus:  r.string(13),
		Price:      r.decimal(16),
		PriceAvg:   r.decimal(17),
	}
	o.Status = schema.ParseOrderStatus(o.RawStatus)
	return o, r.err
}

// DecodeOwnTrade decodes [ID, SYMBOL, MTS, ORDER_ID, EXEC_AMOUNT, EXEC_PRICE, ORDER_TYPE,
// ORDER_PRICE, MAKER, FEE, FEE_CURRENCY, CID]. Fee fields are only set on "tu" frames.
func DecodeOwnTrade(raw json.RawMessage, final bool) (schema.OwnTrade, error) {
	parts, err := fields(raw, 9, "own trade")
	if err != nil {
		return schema.OwnTrade{}, err
	}
	r := reader{parts: parts}
	t := schema.OwnTrade{
		ID:          r.int(0),
		Symbol:      r.string(1),
		Time:        r.time(2),
		OrderID:     r.int(3),
		ExecAmount:  r.decimal(4),
		ExecPrice:   r.decimal(5),
		OrderType:   r.string(6),
		OrderPrice:  r.decimal(7),
		Maker:       r.int(8) == 1,
		Fee:         r.decimal(9),
		FeeCurrency: r.string(10),
		CID:         r.int(11),
		Final:       final,
	}
	return t, r.err
}

// DecodeWallet decodes [WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST,
// BALANCE_AVAILABLE, DESCRIPTION, ...].
func DecodeWallet(raw json.RawMessage) (schema.Wallet, error) {
	parts, err := fields(raw, 4, "wallet")
	if err != nil {
		return schema.Wallet{}, err
	}
	r := reader{parts: parts}
	w := schema.Wallet{
		Type:              r.string(0),
		Currency:          r.string(1),
		Balance:           r.decimal(2),
		UnsettledInterest: r.decimal(3),
		Available:         r.decimal(4),
		Description:       r.string(5),
	}
	return w, r.err
}

// DecodePosition decodes [SYMBOL, STATUS, AMOUNT, BASE_PRICE, MARGIN_FUNDING,
// MARGIN_FUNDING_TYPE, PL, PL_PERC, PRICE_LIQ, LEVERAGE, _, POSITION_ID, MTS_CREATE,
// MTS_UPDATE, ...].
func DecodePosition(raw json.RawMessage) (schema.Position, error) {
	parts, err := fields(raw, 4, "position")
	if err != nil {
		return schema.Position{}, err
	}
	r := reader{parts: parts}
	p := schema.Position{
		Symbol:            r.string(0),
		Status:            r.string(1),
		Amount:            r.decimal(2),
		BasePrice:         r.decimal(3),
		MarginFunding:     r.decimal(4),
		MarginFundingType: r.int(5),
		PL:                r.decimal(6),
		PLPerc:            r.decimal(7),
		LiquidationPrice:  r.decimal(8),
		Leverage:          r.decimal(9),
		ID:                r.int(11),
		CreatedAt:         r.time(12),
		UpdatedAt:         r.time(13),
	}
	return p, r.err
}

// DecodeNotification decodes [MTS, TYPE, MESSAGE_ID, _, NOTIFY_INFO, CODE, STATUS, TEXT].
// When NOTIFY_INFO is a single order array it is decoded into Order.
func DecodeNotification(raw json.RawMessage) (schema.Notification, error) {
	parts, err := fields(raw, 8, "notification")
	if err != nil {
		return schema.Notification{}, err
	}
	r := reader{parts: parts}
	n := schema.Notification{
		Time:      r.time(0),
		Type:      r.string(1),
		MessageID: r.int(2),
		Code:      r.int(5),
		Status:    r.string(6),
		Text:      r.string(7),
	}
	if r.err != nil {
		return schema.Notification{}, r.err
	}
	info := bytes.TrimSpace(parts[4])
	if !isNull(info) {
		n.Info = append(json.RawMessage(nil), info...)
		if info[0] == '[' && !IsList(info) {
			if order, err := DecodeOrder(info); err == nil {
				n.Order = &order
			}
		}
	}
	return n, nil
}
