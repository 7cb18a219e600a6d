package wire

import (
	"hash/crc32"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/schema"
)

func TestParseEventFrame(t *testing.T) {
	frame, err := Parse([]byte(`{"event":"subscribed","channel":"book","chanId":17,"symbol":"tBTCUSD","prec":"P0","freq":"F0","len":"25","subId":"abc","pair":"BTCUSD"}`))
	require.NoError(t, err)
	require.Nil(t, frame.Data)
	require.NotNil(t, frame.Event)
	require.Equal(t, EventSubscribed, frame.Event.Event)
	require.Equal(t, int64(17), frame.Event.ChanID)
	require.Equal(t, "abc", frame.Event.SubID)
	require.Equal(t, map[string]string{
		"symbol": "tBTCUSD", "prec": "P0", "freq": "F0", "len": "25", "pair": "BTCUSD",
	}, frame.Event.Params())

	info, err := Parse([]byte(`{"event":"info","version":2,"serverId":"x","platform":{"status":1}}`))
	require.NoError(t, err)
	require.Equal(t, 2, info.Event.Version)
	require.Equal(t, 1, info.Event.Platform.Status)
}

func TestParseDataFrames(t *testing.T) {
	hb, err := Parse([]byte(`[17,"hb"]`))
	require.NoError(t, err)
	require.Equal(t, TagHeartbeat, hb.Data.Tag)
	require.Nil(t, hb.Data.Payload)

	update, err := Parse([]byte(`[17,[100.5,1,2.0]]`))
	require.NoError(t, err)
	require.Equal(t, int64(17), update.Data.ChanID)
	require.Empty(t, update.Data.Tag)
	require.False(t, IsList(update.Data.Payload))

	snap, err := Parse([]byte(`[17,[[100.5,1,2.0],[100.0,1,-1.5]]]`))
	require.NoError(t, err)
	require.True(t, IsList(snap.Data.Payload))
	require.True(t, IsList(json.RawMessage(`[]`)))

	order, err := Parse([]byte(`[0,"on",[1,2,3]]`))
	require.NoError(t, err)
	require.Equal(t, TagOrderNew, order.Data.Tag)
	require.JSONEq(t, `[1,2,3]`, string(order.Data.Payload))
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{``, `[17]`, `"x"`, `[`, `["a","hb"]`} {
		_, err := Parse([]byte(in))
		require.ErrorIs(t, err, errs.ErrMalformedFrame, in)
	}
}

func TestParseChecksumKeepsBitPattern(t *testing.T) {
	want := crc32.ChecksumIEEE([]byte("100:-1.5"))
	signed := int32(want)

	got, err := ParseChecksum(json.RawMessage([]byte(decimal.NewFromInt(int64(signed)).String())))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeBookLevels(t *testing.T) {
	levels, err := DecodeList(json.RawMessage(`[[100.5,1,2.0],[100.0,1,-1.5,"extra"]]`), "book", DecodeBookLevel)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.Equal(t, "100.5", levels[0].Price.String())
	require.Equal(t, int64(1), levels[1].Count)
	require.Equal(t, "-1.5", levels[1].Amount.String())

	_, err = DecodeBookLevel(json.RawMessage(`[100.5,1]`))
	require.ErrorIs(t, err, errs.ErrMalformedFrame)
}

func TestDecodeTickerAndCandle(t *testing.T) {
	tk, err := DecodeTicker("tBTCUSD", json.RawMessage(`[100,2,101,3,-1.5,-0.01,100.5,1234,110,90]`))
	require.NoError(t, err)
	require.Equal(t, "tBTCUSD", tk.Symbol)
	require.Equal(t, "101", tk.Ask.String())
	require.Equal(t, "90", tk.Low.String())

	_, err = DecodeTicker("tBTCUSD", json.RawMessage(`[100,2,101]`))
	require.ErrorIs(t, err, errs.ErrMalformedFrame)

	c, err := DecodeCandle("trade:1m:tBTCUSD", json.RawMessage(`[1700000000000,10,11,12,9,5.5]`))
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), c.Time.UnixMilli())
	require.Equal(t, "5.5", c.Volume.String())
}

func TestDecodeOrderAndNotification(t *testing.T) {
	raw := `[1001,7,1700000000123,"tBTCUSD",1700000000000,1700000000500,0.5,1,"EXCHANGE LIMIT",null,null,null,0,"PARTIALLY FILLED @ 100.0(0.5)",null,null,100,100,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]`
	o, err := DecodeOrder(json.RawMessage(raw))
	require.NoError(t, err)
	require.Equal(t, int64(1001), o.ID)
	require.Equal(t, int64(7), o.GID)
	require.Equal(t, int64(1700000000123), o.CID)
	require.Equal(t, schema.OrderStatusPartiallyFilled, o.Status)
	require.Equal(t, "0.5", o.AmountFilled().String())
	require.Equal(t, "", o.TypePrev)

	n, err := DecodeNotification(json.RawMessage(`[1700000000000,"on-req",null,null,` + raw + `,null,"ERROR","Invalid price"]`))
	require.NoError(t, err)
	require.True(t, n.Failed())
	require.Equal(t, "on-req", n.Type)
	require.NotNil(t, n.Order)
	require.Equal(t, int64(1700000000123), n.Order.CID)
	require.Equal(t, "Invalid price", n.Text)
}

func TestDecodeWalletAndPosition(t *testing.T) {
	w, err := DecodeWallet(json.RawMessage(`["exchange","USD",1000.5,0,null]`))
	require.NoError(t, err)
	require.Equal(t, "USD", w.Currency)
	require.True(t, w.Available.IsZero())

	p, err := DecodePosition(json.RawMessage(`["tBTCUSD","ACTIVE",0.1,30000]`))
	require.NoError(t, err)
	require.Equal(t, "30000", p.BasePrice.String())
	require.Zero(t, p.ID)
}

func TestEncodeCommands(t *testing.T) {
	sub, err := Subscribe("book", "s-1", map[string]string{"symbol": "tBTCUSD", "prec": "P0"})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"subscribe","channel":"book","subId":"s-1","symbol":"tBTCUSD","prec":"P0"}`, string(sub))

	unsub, err := Unsubscribe(17)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"unsubscribe","chanId":17}`, string(unsub))

	conf, err := Conf(FlagChecksum)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"conf","flags":131072}`, string(conf))

	price := decimal.RequireFromString("100.5")
	on, err := OrderCommand(TagOrderNew, NewOrder{CID: 42, Type: "EXCHANGE LIMIT", Symbol: "tBTCUSD", Amount: decimal.RequireFromString("-0.25"), Price: &price})
	require.NoError(t, err)
	require.JSONEq(t, `[0,"on",null,{"cid":42,"type":"EXCHANGE LIMIT","symbol":"tBTCUSD","amount":"-0.25","price":"100.5"}]`, string(on))

	oc, err := OrderCommand(TagOrderCancelMulti, CancelMulti{GID: []int64{7}})
	require.NoError(t, err)
	require.JSONEq(t, `[0,"oc_multi",null,{"gid":[7]}]`, string(oc))
}
