package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bfxstream/internal/book"
)

// Ticker is a trading pair ticker.
type Ticker struct {
	Symbol         string
	Bid            decimal.Decimal
	BidSize        decimal.Decimal
	Ask            decimal.Decimal
	AskSize        decimal.Decimal
	DailyChange    decimal.Decimal
	DailyChangeRel decimal.Decimal
	LastPrice      decimal.Decimal
	Volume         decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
}

// FundingTicker is a funding currency ticker.
type FundingTicker struct {
	Symbol             string
	FRR                decimal.Decimal
	Bid                decimal.Decimal
	BidPeriod          int64
	BidSize            decimal.Decimal
	Ask                decimal.Decimal
	AskPeriod          int64
	AskSize            decimal.Decimal
	DailyChange        decimal.Decimal
	DailyChangeRel     decimal.Decimal
	LastPrice          decimal.Decimal
	Volume             decimal.Decimal
	High               decimal.Decimal
	Low                decimal.Decimal
	FRRAmountAvailable decimal.Decimal
}

// Trade is a public trade. A negative amount is a sell.
type Trade struct {
	Symbol string
	ID     int64
	Time   time.Time
	Amount decimal.Decimal
	Price  decimal.Decimal
	// Update is true for "tu" frames, which repeat an earlier "te" execution.
	Update bool
}

// FundingTrade is a public funding trade.
type FundingTrade struct {
	Symbol string
	ID     int64
	Time   time.Time
	Amount decimal.Decimal
	Rate   decimal.Decimal
	Period int64
}

// Candle is one OHLCV bar for a candle key such as "trade:1m:tBTCUSD".
type Candle struct {
	Key    string
	Time   time.Time
	Open   decimal.Decimal
	Close  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Volume decimal.Decimal
}

// BookPayload carries replicated book data. Snapshot events carry every level; update
// events carry the single applied level.
type BookPayload struct {
	Levels   []book.Level
	Checksum uint32
}

// FundingLevel is one aggregated funding book level.
type FundingLevel struct {
	Rate   decimal.Decimal
	Period int64
	Count  int64
	Amount decimal.Decimal
}

// FundingBookPayload carries funding book levels as received.
type FundingBookPayload struct {
	Levels   []FundingLevel
	Snapshot bool
}

// RawBookEntry is one order of a raw (R0) trading book. Price 0 deletes the order.
type RawBookEntry struct {
	OrderID int64
	Price   decimal.Decimal
	Amount  decimal.Decimal
}

// RawBookPayload carries raw book entries as received.
type RawBookPayload struct {
	Entries  []RawBookEntry
	Snapshot bool
}

// DerivStatus is a derivatives status record for keys like "deriv:tBTCF0:USTF0".
type DerivStatus struct {
	Key                  string
	Time                 time.Time
	DerivPrice           decimal.Decimal
	SpotPrice            decimal.Decimal
	InsuranceFundBalance decimal.Decimal
	NextFundingEvent     time.Time
	NextFundingAccrued   decimal.Decimal
	NextFundingStep      int64
	CurrentFunding       decimal.Decimal
	MarkPrice            decimal.Decimal
	OpenInterest         decimal.Decimal
}

// Liquidation is one entry of the "liq:global" status feed.
type Liquidation struct {
	PositionID       int64
	Time             time.Time
	Symbol           string
	Amount           decimal.Decimal
	BasePrice        decimal.Decimal
	IsMatch          bool
	IsMarketSold     bool
	LiquidationPrice decimal.Decimal
}
