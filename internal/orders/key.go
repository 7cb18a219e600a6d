package orders

import "strconv"

// KeyKind selects which order identifier a Key refers to.
type KeyKind uint8

const (
	KindID KeyKind = iota + 1
	KindCID
	KindGID
)

// Key identifies an order (server id or client id) or an order group.
type Key struct {
	Kind  KeyKind
	Value int64
}

// ByID keys on the server order id.
func ByID(id int64) Key { return Key{Kind: KindID, Value: id} }

// ByCID keys on the client order id.
func ByCID(cid int64) Key { return Key{Kind: KindCID, Value: cid} }

// ByGID keys on the group id.
func ByGID(gid int64) Key { return Key{Kind: KindGID, Value: gid} }

func (k Key) String() string {
	switch k.Kind {
	case KindID:
		return "id:" + strconv.FormatInt(k.Value, 10)
	case KindCID:
		return "cid:" + strconv.FormatInt(k.Value, 10)
	case KindGID:
		return "gid:" + strconv.FormatInt(k.Value, 10)
	default:
		return "invalid"
	}
}

// orderKeys returns the non-zero keys of an order.
func orderKeys(id, cid, gid int64) []Key {
	keys := make([]Key, 0, 3)
	if id != 0 {
		keys = append(keys, ByID(id))
	}
	if cid != 0 {
		keys = append(keys, ByCID(cid))
	}
	if gid != 0 {
		keys = append(keys, ByGID(gid))
	}
	return keys
}
