package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is any DuckChat datagram payload.
type Packet interface {
	PacketType() Type
	Marshal() []byte
}

// errShort reports a datagram too small for its declared type.
func errShort(t Type, n int) error {
	return fmt.Errorf("short %v packet: %d bytes", t, n)
}

// putString copies s into the fixed-width field b, truncating to leave room
// for the null terminator. The remainder of b stays zeroed.
func putString(b []byte, s string) {
	if len(s) > len(b)-1 {
		s = s[:len(b)-1]
	}
	copy(b, s)
}

// getString reads a null-padded fixed-width field.
func getString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func newBuf(t Type, size int) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b, uint32(t))
	return b
}

// ---- client-to-server requests ----

// Login announces a client; the server keys the session by source address.
type Login struct {
	Username string
}

func (Login) PacketType() Type { return ReqLogin }

func (p Login) Marshal() []byte {
	b := newBuf(ReqLogin, 4+UsernameMax)
	putString(b[4:4+UsernameMax], p.Username)
	return b
}

// Logout ends a client session.
type Logout struct{}

func (Logout) PacketType() Type { return ReqLogout }
func (Logout) Marshal() []byte  { return newBuf(ReqLogout, 4) }

// Join subscribes the sending client to a channel.
type Join struct {
	Channel string
}

func (Join) PacketType() Type { return ReqJoin }

func (p Join) Marshal() []byte {
	b := newBuf(ReqJoin, 4+ChannelMax)
	putString(b[4:4+ChannelMax], p.Channel)
	return b
}

// Leave unsubscribes the sending client from a channel.
type Leave struct {
	Channel string
}

func (Leave) PacketType() Type { return ReqLeave }

func (p Leave) Marshal() []byte {
	b := newBuf(ReqLeave, 4+ChannelMax)
	putString(b[4:4+ChannelMax], p.Channel)
	return b
}

// Say publishes a message on a channel.
type Say struct {
	Channel string
	Text    string
}

func (Say) PacketType() Type { return ReqSay }

func (p Say) Marshal() []byte {
	b := newBuf(ReqSay, 4+ChannelMax+SayMax)
	putString(b[4:4+ChannelMax], p.Channel)
	putString(b[4+ChannelMax:], p.Text)
	return b
}

// List asks for every channel name known across the mesh.
type List struct{}

func (List) PacketType() Type { return ReqList }
func (List) Marshal() []byte  { return newBuf(ReqList, 4) }

// Who asks for every user subscribed to a channel across the mesh.
type Who struct {
	Channel string
}

func (Who) PacketType() Type { return ReqWho }

func (p Who) Marshal() []byte {
	b := newBuf(ReqWho, 4+ChannelMax)
	putString(b[4:4+ChannelMax], p.Channel)
	return b
}

// KeepAlive refreshes the client's liveness stamp; no reply is sent.
type KeepAlive struct{}

func (KeepAlive) PacketType() Type { return ReqKeepAlive }
func (KeepAlive) Marshal() []byte  { return newBuf(ReqKeepAlive, 4) }

// Verify asks whether a username is unused anywhere in the mesh.
type Verify struct {
	Username string
}

func (Verify) PacketType() Type { return ReqVerify }

func (p Verify) Marshal() []byte {
	b := newBuf(ReqVerify, 4+UsernameMax)
	putString(b[4:4+UsernameMax], p.Username)
	return b
}

// ---- server-to-client texts ----

// TxtSay delivers one channel message to a subscriber.
type TxtSay struct {
	Channel  string
	Username string
	Text     string
}

func (TxtSay) PacketType() Type { return TxtSayType }

func (p TxtSay) Marshal() []byte {
	b := newBuf(TxtSayType, 4+ChannelMax+UsernameMax+SayMax)
	putString(b[4:4+ChannelMax], p.Channel)
	putString(b[4+ChannelMax:4+ChannelMax+UsernameMax], p.Username)
	putString(b[4+ChannelMax+UsernameMax:], p.Text)
	return b
}

// TxtList carries the aggregated channel listing.
type TxtList struct {
	Channels []string
}

func (TxtList) PacketType() Type { return TxtListType }

func (p TxtList) Marshal() []byte {
	b := newBuf(TxtListType, 8+len(p.Channels)*ChannelMax)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(p.Channels)))
	for i, ch := range p.Channels {
		putString(b[8+i*ChannelMax:8+(i+1)*ChannelMax], ch)
	}
	return b
}

// TxtWho carries the aggregated subscriber listing for one channel.
type TxtWho struct {
	Channel string
	Users   []string
}

func (TxtWho) PacketType() Type { return TxtWhoType }

func (p TxtWho) Marshal() []byte {
	b := newBuf(TxtWhoType, 8+ChannelMax+len(p.Users)*UsernameMax)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(p.Users)))
	putString(b[8:8+ChannelMax], p.Channel)
	for i, u := range p.Users {
		off := 8 + ChannelMax + i*UsernameMax
		putString(b[off:off+UsernameMax], u)
	}
	return b
}

// TxtError reports a recoverable failure to the originating client.
type TxtError struct {
	Message string
}

func (TxtError) PacketType() Type { return TxtErrorType }

func (p TxtError) Marshal() []byte {
	b := newBuf(TxtErrorType, 4+SayMax)
	putString(b[4:], p.Message)
	return b
}

// TxtVerify answers a Verify request.
type TxtVerify struct {
	Valid bool
}

func (TxtVerify) PacketType() Type { return TxtVerifyType }

func (p TxtVerify) Marshal() []byte {
	b := newBuf(TxtVerifyType, 8)
	if p.Valid {
		binary.LittleEndian.PutUint32(b[4:], 1)
	}
	return b
}

// ---- server-to-server ----

// S2SJoin grafts the sender onto a channel's delivery sub-tree.
type S2SJoin struct {
	Channel string
}

func (S2SJoin) PacketType() Type { return S2SJoinType }

func (p S2SJoin) Marshal() []byte {
	b := newBuf(S2SJoinType, 4+ChannelMax)
	putString(b[4:4+ChannelMax], p.Channel)
	return b
}

// S2SLeave prunes the sender from a channel's delivery sub-tree.
type S2SLeave struct {
	Channel string
}

func (S2SLeave) PacketType() Type { return S2SLeaveType }

func (p S2SLeave) Marshal() []byte {
	b := newBuf(S2SLeaveType, 4+ChannelMax)
	putString(b[4:4+ChannelMax], p.Channel)
	return b
}

// S2SSay floods one channel message through the sub-tree. The ID is preserved
// hop to hop so every server can suppress duplicates.
type S2SSay struct {
	ID       uint64
	Username string
	Channel  string
	Text     string
}

func (S2SSay) PacketType() Type { return S2SSayType }

func (p S2SSay) Marshal() []byte {
	b := newBuf(S2SSayType, 12+UsernameMax+ChannelMax+SayMax)
	binary.LittleEndian.PutUint64(b[4:], p.ID)
	putString(b[12:12+UsernameMax], p.Username)
	putString(b[12+UsernameMax:12+UsernameMax+ChannelMax], p.Channel)
	putString(b[12+UsernameMax+ChannelMax:], p.Text)
	return b
}

// S2SLeaf probes whether receivers are prunable leaves for a channel.
// A receiver seeing the same ID twice has found a loop and replies S2SLeave.
type S2SLeaf struct {
	ID      uint64
	Channel string
}

func (S2SLeaf) PacketType() Type { return S2SLeafType }

func (p S2SLeaf) Marshal() []byte {
	b := newBuf(S2SLeafType, 12+ChannelMax)
	binary.LittleEndian.PutUint64(b[4:], p.ID)
	putString(b[12:12+ChannelMax], p.Channel)
	return b
}

// S2SKeepAlive refreshes the sending neighbor's liveness stamp.
type S2SKeepAlive struct{}

func (S2SKeepAlive) PacketType() Type { return S2SKeepAliveType }
func (S2SKeepAlive) Marshal() []byte  { return newBuf(S2SKeepAliveType, 4) }

// S2SList is the explicit-route traversal packet for the federated LIST.
// Channels accumulates results; ToVisit is the remaining route.
type S2SList struct {
	ID       uint64
	Client   string
	Channels []string
	ToVisit  []string
}

func (S2SList) PacketType() Type { return S2SListType }

func (p S2SList) Marshal() []byte {
	n := len(p.Channels) + len(p.ToVisit)
	b := newBuf(S2SListType, 20+IPMax+n*ChannelMax)
	binary.LittleEndian.PutUint64(b[4:], p.ID)
	putString(b[12:12+IPMax], p.Client)
	binary.LittleEndian.PutUint32(b[12+IPMax:], uint32(len(p.Channels)))
	binary.LittleEndian.PutUint32(b[16+IPMax:], uint32(len(p.ToVisit)))
	off := 20 + IPMax
	for _, item := range append(append([]string{}, p.Channels...), p.ToVisit...) {
		putString(b[off:off+ChannelMax], item)
		off += ChannelMax
	}
	return b
}

// S2SWho is the explicit-route traversal packet for the federated WHO.
type S2SWho struct {
	ID      uint64
	Channel string
	Client  string
	Users   []string
	ToVisit []string
}

func (S2SWho) PacketType() Type { return S2SWhoType }

func (p S2SWho) Marshal() []byte {
	n := len(p.Users) + len(p.ToVisit)
	b := newBuf(S2SWhoType, 20+ChannelMax+IPMax+n*UsernameMax)
	binary.LittleEndian.PutUint64(b[4:], p.ID)
	putString(b[12:12+ChannelMax], p.Channel)
	putString(b[12+ChannelMax:12+ChannelMax+IPMax], p.Client)
	binary.LittleEndian.PutUint32(b[12+ChannelMax+IPMax:], uint32(len(p.Users)))
	binary.LittleEndian.PutUint32(b[16+ChannelMax+IPMax:], uint32(len(p.ToVisit)))
	off := 20 + ChannelMax + IPMax
	for _, item := range append(append([]string{}, p.Users...), p.ToVisit...) {
		putString(b[off:off+UsernameMax], item)
		off += UsernameMax
	}
	return b
}

// S2SVerify is the explicit-route traversal packet for federated username
// verification. Unlike LIST/WHO it carries no accumulator; a collision is
// answered to the client directly from wherever it is found.
type S2SVerify struct {
	ID       uint64
	Username string
	Client   string
	ToVisit  []string
}

func (S2SVerify) PacketType() Type { return S2SVerifyType }

func (p S2SVerify) Marshal() []byte {
	b := newBuf(S2SVerifyType, 16+UsernameMax+IPMax+len(p.ToVisit)*IPMax)
	binary.LittleEndian.PutUint64(b[4:], p.ID)
	putString(b[12:12+UsernameMax], p.Username)
	putString(b[12+UsernameMax:12+UsernameMax+IPMax], p.Client)
	binary.LittleEndian.PutUint32(b[12+UsernameMax+IPMax:], uint32(len(p.ToVisit)))
	off := 16 + UsernameMax + IPMax
	for _, item := range p.ToVisit {
		putString(b[off:off+IPMax], item)
		off += IPMax
	}
	return b
}

// ---- decoding ----

// readStrings reads count fixed-width items of width w starting at off,
// verifying the buffer is large enough.
func readStrings(b []byte, off, count, w int) ([]string, bool) {
	if count < 0 || off+count*w > len(b) {
		return nil, false
	}
	items := make([]string, count)
	for i := range items {
		items[i] = getString(b[off+i*w : off+(i+1)*w])
	}
	return items, true
}

// DecodeServerBound parses a datagram arriving at a server: client requests
// and S2S packets. Unknown tags and short packets return an error; callers
// drop such datagrams silently.
func DecodeServerBound(b []byte) (Packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("datagram too short for a type tag: %d bytes", len(b))
	}
	t := Type(binary.LittleEndian.Uint32(b))
	switch t {
	case ReqLogin:
		if len(b) < 4+UsernameMax {
			return nil, errShort(t, len(b))
		}
		return Login{Username: getString(b[4 : 4+UsernameMax])}, nil
	case ReqLogout:
		return Logout{}, nil
	case ReqJoin:
		if len(b) < 4+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return Join{Channel: getString(b[4 : 4+ChannelMax])}, nil
	case ReqLeave:
		if len(b) < 4+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return Leave{Channel: getString(b[4 : 4+ChannelMax])}, nil
	case ReqSay:
		if len(b) < 4+ChannelMax+SayMax {
			return nil, errShort(t, len(b))
		}
		return Say{
			Channel: getString(b[4 : 4+ChannelMax]),
			Text:    getString(b[4+ChannelMax : 4+ChannelMax+SayMax]),
		}, nil
	case ReqList:
		return List{}, nil
	case ReqWho:
		if len(b) < 4+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return Who{Channel: getString(b[4 : 4+ChannelMax])}, nil
	case ReqKeepAlive:
		return KeepAlive{}, nil
	case ReqVerify:
		if len(b) < 4+UsernameMax {
			return nil, errShort(t, len(b))
		}
		return Verify{Username: getString(b[4 : 4+UsernameMax])}, nil
	case S2SJoinType:
		if len(b) < 4+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return S2SJoin{Channel: getString(b[4 : 4+ChannelMax])}, nil
	case S2SLeaveType:
		if len(b) < 4+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return S2SLeave{Channel: getString(b[4 : 4+ChannelMax])}, nil
	case S2SSayType:
		if len(b) < 12+UsernameMax+ChannelMax+SayMax {
			return nil, errShort(t, len(b))
		}
		return S2SSay{
			ID:       binary.LittleEndian.Uint64(b[4:]),
			Username: getString(b[12 : 12+UsernameMax]),
			Channel:  getString(b[12+UsernameMax : 12+UsernameMax+ChannelMax]),
			Text:     getString(b[12+UsernameMax+ChannelMax : 12+UsernameMax+ChannelMax+SayMax]),
		}, nil
	case S2SLeafType:
		if len(b) < 12+ChannelMax {
			return nil, errShort(t, len(b))
		}
		return S2SLeaf{
			ID:      binary.LittleEndian.Uint64(b[4:]),
			Channel: getString(b[12 : 12+ChannelMax]),
		}, nil
	case S2SKeepAliveType:
		return S2SKeepAlive{}, nil
	case S2SListType:
		if len(b) < 20+IPMax {
			return nil, errShort(t, len(b))
		}
		nch := int(int32(binary.LittleEndian.Uint32(b[12+IPMax:])))
		nv := int(int32(binary.LittleEndian.Uint32(b[16+IPMax:])))
		channels, ok := readStrings(b, 20+IPMax, nch, ChannelMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		toVisit, ok := readStrings(b, 20+IPMax+nch*ChannelMax, nv, ChannelMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		return S2SList{
			ID:       binary.LittleEndian.Uint64(b[4:]),
			Client:   getString(b[12 : 12+IPMax]),
			Channels: channels,
			ToVisit:  toVisit,
		}, nil
	case S2SWhoType:
		if len(b) < 20+ChannelMax+IPMax {
			return nil, errShort(t, len(b))
		}
		nu := int(int32(binary.LittleEndian.Uint32(b[12+ChannelMax+IPMax:])))
		nv := int(int32(binary.LittleEndian.Uint32(b[16+ChannelMax+IPMax:])))
		users, ok := readStrings(b, 20+ChannelMax+IPMax, nu, UsernameMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		toVisit, ok := readStrings(b, 20+ChannelMax+IPMax+nu*UsernameMax, nv, UsernameMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		return S2SWho{
			ID:      binary.LittleEndian.Uint64(b[4:]),
			Channel: getString(b[12 : 12+ChannelMax]),
			Client:  getString(b[12+ChannelMax : 12+ChannelMax+IPMax]),
			Users:   users,
			ToVisit: toVisit,
		}, nil
	case S2SVerifyType:
		if len(b) < 16+UsernameMax+IPMax {
			return nil, errShort(t, len(b))
		}
		nv := int(int32(binary.LittleEndian.Uint32(b[12+UsernameMax+IPMax:])))
		toVisit, ok := readStrings(b, 16+UsernameMax+IPMax, nv, IPMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		return S2SVerify{
			ID:       binary.LittleEndian.Uint64(b[4:]),
			Username: getString(b[12 : 12+UsernameMax]),
			Client:   getString(b[12+UsernameMax : 12+UsernameMax+IPMax]),
			ToVisit:  toVisit,
		}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %d", uint32(t))
	}
}

// DecodeClientBound parses a datagram arriving at a client. The server never
// calls this; it exists for the client side and for tests asserting on
// emitted replies.
func DecodeClientBound(b []byte) (Packet, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("datagram too short for a type tag: %d bytes", len(b))
	}
	t := Type(binary.LittleEndian.Uint32(b))
	switch t {
	case TxtSayType:
		if len(b) < 4+ChannelMax+UsernameMax+SayMax {
			return nil, errShort(t, len(b))
		}
		return TxtSay{
			Channel:  getString(b[4 : 4+ChannelMax]),
			Username: getString(b[4+ChannelMax : 4+ChannelMax+UsernameMax]),
			Text:     getString(b[4+ChannelMax+UsernameMax : 4+ChannelMax+UsernameMax+SayMax]),
		}, nil
	case TxtListType:
		if len(b) < 8 {
			return nil, errShort(t, len(b))
		}
		n := int(int32(binary.LittleEndian.Uint32(b[4:])))
		channels, ok := readStrings(b, 8, n, ChannelMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		return TxtList{Channels: channels}, nil
	case TxtWhoType:
		if len(b) < 8+ChannelMax {
			return nil, errShort(t, len(b))
		}
		n := int(int32(binary.LittleEndian.Uint32(b[4:])))
		users, ok := readStrings(b, 8+ChannelMax, n, UsernameMax)
		if !ok {
			return nil, errShort(t, len(b))
		}
		return TxtWho{
			Channel: getString(b[8 : 8+ChannelMax]),
			Users:   users,
		}, nil
	case TxtErrorType:
		if len(b) < 4+SayMax {
			return nil, errShort(t, len(b))
		}
		return TxtError{Message: getString(b[4 : 4+SayMax])}, nil
	case TxtVerifyType:
		if len(b) < 8 {
			return nil, errShort(t, len(b))
		}
		return TxtVerify{Valid: binary.LittleEndian.Uint32(b[4:]) != 0}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %d", uint32(t))
	}
}
