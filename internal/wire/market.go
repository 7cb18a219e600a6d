package wire

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/schema"
)

// DecodeTicker decodes [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_RELATIVE,
// LAST_PRICE, VOLUME, HIGH, LOW].
func DecodeTicker(symbol string, raw json.RawMessage) (schema.Ticker, error) {
	parts, err := fields(raw, 10, "ticker")
	if err != nil {
		return schema.Ticker{}, err
	}
	r := reader{parts: parts}
	t := schema.Ticker{
		Symbol:         symbol,
		Bid:            r.decimal(0),
		BidSize:        r.decimal(1),
		Ask:            r.decimal(2),
		AskSize:        r.decimal(3),
		DailyChange:    r.decimal(4),
		DailyChangeRel: r.decimal(5),
		LastPrice:      r.decimal(6),
		Volume:         r.decimal(7),
		High:           r.decimal(8),
		Low:            r.decimal(9),
	}
	return t, r.err
}

// DecodeFundingTicker decodes [FRR, BID, BID_PERIOD, BID_SIZE, ASK, ASK_PERIOD, ASK_SIZE,
// DAILY_CHANGE, DAILY_CHANGE_RELATIVE, LAST_PRICE, VOLUME, HIGH, LOW, _, _,
// FRR_AMOUNT_AVAILABLE].
func DecodeFundingTicker(symbol string, raw json.RawMessage) (schema.FundingTicker, error) {
	parts, err := fields(raw, 13, "funding ticker")
	if err != nil {
		return schema.FundingTicker{}, err
	}
	r := reader{parts: parts}
	t := schema.FundingTicker{
		Symbol:             symbol,
		FRR:                r.decimal(0),
		Bid:                r.decimal(1),
		BidPeriod:          r.int(2),
		BidSize:            r.decimal(3),
		Ask:                r.decimal(4),
		AskPeriod:          r.int(5),
		AskSize:            r.decimal(6),
		DailyChange:        r.decimal(7),
		DailyChangeRel:     r.decimal(8),
		LastPrice:          r.decimal(9),
		Volume:             r.decimal(10),
		High:               r.decimal(11),
		Low:                r.decimal(12),
		FRRAmountAvailable: r.decimal(15),
	}
	return t, r.err
}

// DecodeTrade decodes [ID, MTS, AMOUNT, PRICE].
func DecodeTrade(symbol string, raw json.RawMessage) (schema.Trade, error) {
	parts, err := fields(raw, 4, "trade")
	if err != nil {
		return schema.Trade{}, err
	}
	r := reader{parts: parts}
	t := schema.Trade{
		Symbol: symbol,
		ID:     r.int(0),
		Time:   r.time(1),
		Amount: r.decimal(2),
		Price:  r.decimal(3),
	}
	return t, r.err
}

// DecodeFundingTrade decodes [ID, MTS, AMOUNT, RATE, PERIOD].
func DecodeFundingTrade(symbol string, raw json.RawMessage) (schema.FundingTrade, error) {
	parts, err := fields(raw, 5, "funding trade")
	if err != nil {
		return schema.FundingTrade{}, err
	}
	r := reader{parts: parts}
	t := schema.FundingTrade{
		Symbol: symbol,
		ID:     r.int(0),
		Time:   r.time(1),
		Amount: r.decimal(2),
		Rate:   r.decimal(3),
		Period: r.int(4),
	}
	return t, r.err
}

// DecodeCandle decodes [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME].
func DecodeCandle(key string, raw json.RawMessage) (schema.Candle, error) {
	parts, err := fields(raw, 6, "candle")
	if err != nil {
		return schema.Candle{}, err
	}
	r := reader{parts: parts}
	c := schema.Candle{
		Key:    key,
		Time:   r.time(0),
		Open:   r.decimal(1),
		Close:  r.decimal(2),
		High:   r.decimal(3),
		Low:    r.decimal(4),
		Volume: r.decimal(5),
	}
	return c, r.err
}

// DecodeBookLevel decodes [PRICE, COUNT, AMOUNT].
func DecodeBookLevel(raw json.RawMessage) (book.Level, error) {
	parts, err := fields(raw, 3, "book level")
	if err != nil {
		return book.Level{}, err
	}
	r := reader{parts: parts}
	l := book.Level{
		Price:  r.decimal(0),
		Count:  r.int(1),
		Amount: r.decimal(2),
	}
	return l, r.err
}

// DecodeFundingLevel decodes [RATE, PERIOD, COUNT, AMOUNT].
func DecodeFundingLevel(raw json.RawMessage) (schema.FundingLevel, error) {
	parts, err := fields(raw, 4, "funding book level")
	if err != nil {
		return schema.FundingLevel{}, err
	}
	r := reader{parts: parts}
	l := schema.FundingLevel{
		Rate:   r.decimal(0),
		Period: r.int(1),
		Count:  r.int(2),
		Amount: r.decimal(3),
	}
	return l, r.err
}

// DecodeRawBookEntry decodes [ORDER_ID, PRICE, AMOUNT].
func DecodeRawBookEntry(raw json.RawMessage) (schema.RawBookEntry, error) {
	parts, err := fields(raw, 3, "raw book entry")
	if err != nil {
		return schema.RawBookEntry{}, err
	}
	r := reader{parts: parts}
	e := schema.RawBookEntry{
		OrderID: r.int(0),
		Price:   r.decimal(1),
		Amount:  r.decimal(2),
	}
	return e, r.err
}

// DecodeDerivStatus decodes [MTS, _, DERIV_PRICE, SPOT_PRICE, _, INSURANCE_FUND_BALANCE, _,
// NEXT_FUNDING_EVT_MTS, NEXT_FUNDING_ACCRUED, NEXT_FUNDING_STEP, _, CURRENT_FUNDING, _, _,
// MARK_PRICE, _, _, OPEN_INTEREST].
func DecodeDerivStatus(key string, raw json.RawMessage) (schema.DerivStatus, error) {
	parts, err := fields(raw, 18, "derivatives status")
	if err != nil {
		return schema.DerivStatus{}, err
	}
	r := reader{parts: parts}
	s := schema.DerivStatus{
		Key:                  key,
		Time:                 r.time(0),
		DerivPrice:           r.decimal(2),
		SpotPrice:            r.decimal(3),
		InsuranceFundBalance: r.decimal(5),
		NextFundingEvent:     r.time(7),
		NextFundingAccrued:   r.decimal(8),
		NextFundingStep:      r.int(9),
		CurrentFunding:       r.decimal(11),
		MarkPrice:            r.decimal(14),
		OpenInterest:         r.decimal(17),
	}
	return s, r.err
}

// DecodeLiquidation decodes ["pos", POS_ID, MTS, _, SYMBOL, AMOUNT, BASE_PRICE, _, IS_MATCH,
// IS_MARKET_SOLD, _, LIQUIDATION_PRICE].
func DecodeLiquidation(raw json.RawMessage) (schema.Liquidation, error) {
	parts, err := fields(raw, 12, "liquidation")
	if err != nil {
		return schema.Liquidation{}, err
	}
	r := reader{parts: parts}
	l := schema.Liquidation{
		PositionID:       r.int(1),
		Time:             r.time(2),
		Symbol:           r.string(4),
		Amount:           r.decimal(5),
		BasePrice:        r.decimal(6),
		IsMatch:          r.bool(8),
		IsMarketSold:     r.bool(9),
		LiquidationPrice: r.decimal(11),
	}
	return l, r.err
}

// DecodeList applies decode to every element of a snapshot array.
func DecodeList[T any](raw json.RawMessage, shape string, decode func(json.RawMessage) (T, error)) ([]T, error) {
	items, err := list(raw, shape)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		v, err := decode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
