package stream

import (
	"sort"
	"strings"

	"github.com/coachpo/bfxstream/internal/book"
	"github.com/coachpo/bfxstream/internal/wire"
)

// SubState is the lifecycle state of a channel subscription.
type SubState string

const (
	SubPending       SubState = "pending"
	SubConfirmed     SubState = "confirmed"
	SubUnsubscribing SubState = "unsubscribing"
)

// Subscription is a copy of one channel subscription's state.
type Subscription struct {
	SubID   string
	Channel string
	Params  map[string]string
	// ChanID is the server channel id, valid only while confirmed.
	ChanID int64
	State  SubState
	Bucket string
}

type subscription struct {
	id      string
	channel string
	params  map[string]string
	key     string
	chanID  int64
	state   SubState
	// resubscribe turns the next unsubscribed ack into a fresh subscribe.
	resubscribe bool
	// sentOn is the connection the subscribe request last went out on.
	sentOn *Conn
	book   *book.Book
}

func newSubscription(id, channel string, params map[string]string) *subscription {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	sub := &subscription{
		id:      id,
		channel: channel,
		params:  cp,
		key:     Key(channel, cp),
		state:   SubPending,
	}
	if replicated(channel, cp) {
		sub.book = book.New(cp["symbol"])
	}
	return sub
}

func (s *subscription) symbol() string {
	if v, ok := s.params["symbol"]; ok {
		return v
	}
	return s.params["key"]
}

func (s *subscription) funding() bool {
	return strings.HasPrefix(s.symbol(), "f")
}

func (s *subscription) raw() bool {
	return s.channel == wire.ChannelBook && s.params["prec"] == "R0"
}

func (s *subscription) snapshot(bucket string) Subscription {
	params := make(map[string]string, len(s.params))
	for k, v := range s.params {
		params[k] = v
	}
	return Subscription{
		SubID:   s.id,
		Channel: s.channel,
		Params:  params,
		ChanID:  s.chanID,
		State:   s.state,
		Bucket:  bucket,
	}
}

// matches reports whether a subscribed event without subId belongs to s: every parameter
// of s must be echoed with the same value.
func (s *subscription) matches(channel string, params map[string]string) bool {
	if s.channel != channel {
		return false
	}
	for k, v := range s.params {
		if params[k] != v {
			return false
		}
	}
	return true
}

// replicated reports whether a subscription maintains a local book: aggregated trading books.
func replicated(channel string, params map[string]string) bool {
	if channel != wire.ChannelBook || params["prec"] == "R0" {
		return false
	}
	return strings.HasPrefix(params["symbol"], "t")
}

// Key identifies a (channel, params) pair; at most one subscription per key exists.
func Key(channel string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(channel)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}
