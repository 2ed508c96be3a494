// Package protocol defines the DuckChat wire format: the packet type tags,
// field size limits, and the binary codec shared with the client population.
//
// Every datagram begins with a little-endian uint32 type tag. Fixed string
// fields are null-padded byte arrays of the declared widths. Variable-length
// packets carry int32 counts followed by inline fixed-width arrays.
package protocol

// Field size limits, in bytes. String fields reserve the final byte for the
// null terminator, so the longest username is UsernameMax-1 bytes.
const (
	UsernameMax = 32
	ChannelMax  = 32
	SayMax      = 64
	IPMax       = 32
)

// Protocol-level tunables shared with the client.
const (
	// MaxChannels caps how many channels a single client may subscribe to.
	MaxChannels = 10

	// CacheSize is the default capacity of the duplicate-suppression ring.
	CacheSize = 48

	// RefreshRate is the soft-state horizon in minutes: clients and neighbor
	// servers silent for longer are swept, and S2S joins are re-flooded well
	// inside it.
	RefreshRate = 2

	// KeepAliveRate is the interval in seconds at which idle clients emit
	// keep-alives to stay inside the refresh horizon.
	KeepAliveRate = 60

	// RecvBufSize is the default datagram receive buffer size.
	RecvBufSize = 150000

	// DefaultChannel exists on every server and is never deleted.
	DefaultChannel = "Common"
)

// Type is the leading tag of every datagram.
type Type uint32

// Client-to-server request tags.
const (
	ReqLogin Type = iota
	ReqLogout
	ReqJoin
	ReqLeave
	ReqSay
	ReqList
	ReqWho
	ReqKeepAlive
	ReqVerify
)

// Server-to-client text tags. These share the number space with the request
// tags; direction disambiguates, as each endpoint only decodes its own
// inbound family.
const (
	TxtSayType Type = iota
	TxtListType
	TxtWhoType
	TxtErrorType
	TxtVerifyType
)

// Server-to-server tags.
const (
	S2SJoinType Type = iota + 20
	S2SLeaveType
	S2SSayType
	S2SListType
	S2SWhoType
	S2SVerifyType
	S2SLeafType
	S2SKeepAliveType
)

func (t Type) String() string {
	switch t {
	case ReqLogin:
		return "LOGIN"
	case ReqLogout:
		return "LOGOUT"
	case ReqJoin:
		return "JOIN"
	case ReqLeave:
		return "LEAVE"
	case ReqSay:
		return "SAY"
	case ReqList:
		return "LIST"
	case ReqWho:
		return "WHO"
	case ReqKeepAlive:
		return "KEEP ALIVE"
	case ReqVerify:
		return "VERIFY"
	case S2SJoinType:
		return "S2S JOIN"
	case S2SLeaveType:
		return "S2S LEAVE"
	case S2SSayType:
		return "S2S SAY"
	case S2SListType:
		return "S2S LIST"
	case S2SWhoType:
		return "S2S WHO"
	case S2SVerifyType:
		return "S2S VERIFY"
	case S2SLeafType:
		return "S2S LEAF"
	case S2SKeepAliveType:
		return "S2S KEEP ALIVE"
	default:
		return "UNKNOWN"
	}
}
