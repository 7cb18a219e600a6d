package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/observability"
	"github.com/coachpo/bfxstream/internal/schema"
	"github.com/coachpo/bfxstream/internal/wire"
)

type inbound struct {
	sub     *subscription
	chanID  int64
	tag     string
	payload json.RawMessage
	at      time.Time
}

func (b *Bucket) event(in inbound, typ schema.EventType, payload any) schema.Event {
	return schema.Event{
		Type:       typ,
		Source:     b.cfg.ID,
		SubID:      in.sub.id,
		ChanID:     in.chanID,
		Symbol:     in.sub.symbol(),
		ReceivedAt: in.at,
		Payload:    payload,
	}
}

func (b *Bucket) route(ctx context.Context, in inbound) error {
	switch in.sub.channel {
	case wire.ChannelTicker:
		return b.routeTicker(ctx, in)
	case wire.ChannelTrades:
		return b.routeTrades(ctx, in)
	case wire.ChannelBook:
		return b.routeBook(ctx, in)
	case wire.ChannelCandles:
		return b.routeCandles(ctx, in)
	case wire.ChannelStatus:
		return b.routeStatus(ctx, in)
	default:
		b.logger.Debug("data for unhandled channel", observability.F("channel", in.sub.channel))
		return nil
	}
}

func (b *Bucket) routeTicker(ctx context.Context, in inbound) error {
	symbol := in.sub.symbol()
	if in.sub.funding() {
		t, err := wire.DecodeFundingTicker(symbol, in.payload)
		if err != nil {
			return err
		}
		b.emit(ctx, b.event(in, schema.EventTypeFundingTicker, t))
		return nil
	}
	t, err := wire.DecodeTicker(symbol, in.payload)
	if err != nil {
		return err
	}
	b.emit(ctx, b.event(in, schema.EventTypeTicker, t))
	return nil
}

func (b *Bucket) routeTrades(ctx context.Context, in inbound) error {
	symbol := in.sub.symbol()
	decodeTrade := func(raw json.RawMessage) (schema.Trade, error) { return wire.DecodeTrade(symbol, raw) }
	decodeFunding := func(raw json.RawMessage) (schema.FundingTrade, error) {
		return wire.DecodeFundingTrade(symbol, raw)
	}

	switch in.tag {
	case "":
		if in.sub.funding() {
			trades, err := wire.DecodeList(in.payload, "funding trades", decodeFunding)
			if err != nil {
				return err
			}
			for _, t := range trades {
				b.emit(ctx, b.event(in, schema.EventTypeFundingTrade, t))
			}
			return nil
		}
		trades, err := wire.DecodeList(in.payload, "trades", decodeTrade)
		if err != nil {
			return err
		}
		for _, t := range trades {
			b.emit(ctx, b.event(in, schema.EventTypeTrade, t))
		}
	case wire.TagTradeExecuted, wire.TagTradeUpdate:
		t, err := decodeTrade(in.payload)
		if err != nil {
			return err
		}
		t.Update = in.tag == wire.TagTradeUpdate
		b.emit(ctx, b.event(in, schema.EventTypeTrade, t))
	case wire.TagFundingExecuted, wire.TagFundingUpdate:
		t, err := decodeFunding(in.payload)
		if err != nil {
			return err
		}
		b.emit(ctx, b.event(in, schema.EventTypeFundingTrade, t))
	default:
		b.logger.Debug("unhandled trades tag", observability.F("tag", in.tag))
	}
	return nil
}

func (b *Bucket) routeBook(ctx context.Context, in inbound) error {
	snapshot := wire.IsList(in.payload)
	switch {
	case in.sub.book != nil:
		return b.replicate(ctx, in, snapshot)
	case in.sub.funding() && in.sub.raw():
		b.logger.Debug("raw funding books are not decoded", observability.F("sub_id", in.sub.id))
		return nil
	case in.sub.funding():
		levels, err := decodeOneOrMany(in.payload, snapshot, "funding book", wire.DecodeFundingLevel)
		if err != nil {
			return err
		}
		b.emit(ctx, b.event(in, schema.EventTypeFundingBook, schema.FundingBookPayload{Levels: levels, Snapshot: snapshot}))
	default:
		entries, err := decodeOneOrMany(in.payload, snapshot, "raw book", wire.DecodeRawBookEntry)
		if err != nil {
			return err
		}
		b.emit(ctx, b.event(in, schema.EventTypeRawBook, schema.RawBookPayload{Entries: entries, Snapshot: snapshot}))
	}
	return nil
}

func (b *Bucket) replicate(ctx context.Context, in inbound, snapshot bool) error {
	ob := in.sub.book
	if snapshot {
		levels, err := wire.DecodeList(in.payload, "book", wire.DecodeBookLevel)
		if err != nil {
			return err
		}
		ob.LoadSnapshot(levels)
		b.emit(ctx, b.event(in, schema.EventTypeBookSnapshot, schema.BookPayload{Levels: levels, Checksum: ob.Checksum()}))
		return nil
	}
	level, err := wire.DecodeBookLevel(in.payload)
	if err != nil {
		return err
	}
	if err := ob.Apply(level); err != nil {
		if errors.Is(err, book.ErrSnapshotRequired) {
			b.logger.Debug("book update before snapshot dropped", observability.F("sub_id", in.sub.id))
			return nil
		}
		return err
	}
	b.emit(ctx, b.event(in, schema.EventTypeBookUpdate, schema.BookPayload{Levels: []book.Level{level}}))
	return nil
}

func (b *Bucket) routeCandles(ctx context.Context, in inbound) error {
	key := in.sub.params["key"]
	candles, err := decodeOneOrMany(in.payload, wire.IsList(in.payload), "candles",
		func(raw json.RawMessage) (schema.Candle, error) { return wire.DecodeCandle(key, raw) })
	if err != nil {
		return err
	}
	for _, c := range candles {
		b.emit(ctx, b.event(in, schema.EventTypeCandle, c))
	}
	return nil
}

func (b *Bucket) routeStatus(ctx context.Context, in inbound) error {
	key := in.sub.params["key"]
	if strings.HasPrefix(key, "liq:") {
		liqs, err := wire.DecodeList(in.payload, "liquidations", wire.DecodeLiquidation)
		if err != nil {
			return err
		}
		for _, l := range liqs {
			b.emit(ctx, b.event(in, schema.EventTypeLiquidation, l))
		}
		return nil
	}
	status, err := wire.DecodeDerivStatus(key, in.payload)
	if err != nil {
		return err
	}
	b.emit(ctx, b.event(in, schema.EventTypeStatus, status))
	return nil
}

func decodeOneOrMany[T any](raw json.RawMessage, many bool, shape string, decode func(json.RawMessage) (T, error)) ([]T, error) {
	if many {
		return wire.DecodeList(raw, shape, decode)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return []T{v}, nil
}
