// Package wire classifies inbound frames, decodes positional arrays and encodes commands.
package wire

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/errs"
)

// Protocol version spoken by this client.
const ProtocolVersion = 2

// Channel kinds.
const (
	ChannelTicker  = "ticker"
	ChannelTrades  = "trades"
	ChannelBook    = "book"
	ChannelCandles = "candles"
	ChannelStatus  = "status"
)

// Event names carried by system frames.
const (
	EventInfo         = "info"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
	EventAuth         = "auth"
	EventConf         = "conf"
	EventPong         = "pong"
)

// Data frame tags.
const (
	TagHeartbeat        = "hb"
	TagChecksum         = "cs"
	TagTradeExecuted    = "te"
	TagTradeUpdate      = "tu"
	TagFundingExecuted  = "fte"
	TagFundingUpdate    = "ftu"
	TagOrderSnapshot    = "os"
	TagOrderNew         = "on"
	TagOrderUpdate      = "ou"
	TagOrderCancel      = "oc"
	TagOrderCancelMulti = "oc_multi"
	TagPositionSnapshot = "ps"
	TagPositionNew      = "pn"
	TagPositionUpdate   = "pu"
	TagPositionClose    = "pc"
	TagWalletSnapshot   = "ws"
	TagWalletUpdate     = "wu"
	TagNotification     = "n"
)

// Server error codes.
const (
	CodeAuthFailed        = 10100
	CodeSubscribeFailed   = 10300
	CodeAlreadySubscribed = 10301
	CodeUnknownChannel    = 10302
	CodeChannelLimit      = 10305
	CodeUnsubscribeFailed = 10400
	CodeNotSubscribed     = 10401
)

// FlagChecksum asks the server to send "cs" frames on book channels.
const FlagChecksum = 131072

// paramKeys are the subscription parameters echoed back in subscribed events.
var paramKeys = []string{"symbol", "key", "prec", "freq", "len", "pair", "currency"}

// EventFrame is a decoded system event object.
type EventFrame struct {
	Event    string `json:"event"`
	Version  int    `json:"version"`
	ServerID string `json:"serverId"`
	Platform *struct {
		Status int `json:"status"`
	} `json:"platform"`
	Code    int            `json:"code"`
	Msg     string         `json:"msg"`
	Channel string         `json:"channel"`
	ChanID  int64          `json:"chanId"`
	SubID   string         `json:"-"`
	Status  string         `json:"status"`
	UserID  int64          `json:"userId"`
	Caps    map[string]any `json:"caps"`
	Flags   int64          `json:"flags"`

	raw map[string]json.RawMessage
}

// Params returns the channel parameters present in the event as strings.
func (e *EventFrame) Params() map[string]string {
	out := make(map[string]string)
	for _, key := range paramKeys {
		value, ok := e.raw[key]
		if !ok {
			continue
		}
		out[key] = rawString(value)
	}
	return out
}

// DataFrame is a channel data array: [chanId, payload] or [chanId, tag, payload].
type DataFrame struct {
	ChanID  int64
	Tag     string
	Payload json.RawMessage
}

// Frame is either an event or a data frame.
type Frame struct {
	Event *EventFrame
	Data  *DataFrame
}

// Parse classifies one inbound message.
func Parse(msg []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return Frame{}, malformed("empty frame", nil)
	}
	switch trimmed[0] {
	case '{':
		var evt EventFrame
		if err := json.Unmarshal(trimmed, &evt); err != nil {
			return Frame{}, malformed("decode event", err)
		}
		if err := json.Unmarshal(trimmed, &evt.raw); err != nil {
			return Frame{}, malformed("decode event", err)
		}
		if subID, ok := evt.raw["subId"]; ok && !isNull(subID) {
			evt.SubID = rawString(subID)
		}
		return Frame{Event: &evt}, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return Frame{}, malformed("decode data array", err)
		}
		if len(parts) < 2 {
			return Frame{}, malformed("data array shorter than 2", nil)
		}
		chanID, err := intAt(parts, 0)
		if err != nil {
			return Frame{}, err
		}
		data := &DataFrame{ChanID: chanID}
		if tag, ok := stringLiteral(parts[1]); ok {
			data.Tag = tag
			if len(parts) > 2 {
				data.Payload = parts[2]
			}
		} else {
			data.Payload = parts[1]
		}
		return Frame{Data: data}, nil
	default:
		return Frame{}, malformed("unexpected frame start", nil)
	}
}

// ParseChecksum decodes the value of a "cs" frame. The server sends a signed 32-bit
// integer; the bit pattern is returned unsigned.
func ParseChecksum(payload json.RawMessage) (uint32, error) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(payload)), 10, 64)
	if err != nil {
		return 0, malformed("decode checksum", err)
	}
	return uint32(n), nil
}

// IsList reports whether payload is an array of arrays (a snapshot).
func IsList(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < 2 || trimmed[0] != '[' {
		return false
	}
	inner := bytes.TrimSpace(trimmed[1:])
	return len(inner) > 0 && (inner[0] == '[' || inner[0] == ']')
}

func stringLiteral(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawString(raw json.RawMessage) string {
	if s, ok := stringLiteral(raw); ok {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func malformed(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.Derive(errs.ErrMalformedFrame, "wire", opts...)
}
