package server

import (
	"net"
	"sort"

	"github.com/duckchat-net/duckchatd/internal/protocol"
)

// User is a logged-in client. The user table owns these records; channel
// lists hold non-owning references identified by the canonical address key.
type User struct {
	Addr net.Addr
	Key  string // canonical "host:port", the user-table key
	Name string

	// Channels is the user's subscription list. Mutations here must be
	// mirrored in the channel table and vice versa.
	Channels []string

	// LastMin is the wall-clock minute a packet was last received, kept
	// modulo 60 the way the inactivity sweep expects.
	LastMin int
}

// Neighbor is a statically configured adjacent server. The neighbor table
// owns these records; routing-table lists hold non-owning references.
type Neighbor struct {
	Addr net.Addr
	Key  string
	LastMin int
}

// subscribed reports whether ch is in the user's subscription list.
func (u *User) subscribed(ch string) bool {
	for _, c := range u.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// dropSubscription removes ch from the user's list; reports whether it was there.
func (u *User) dropSubscription(ch string) bool {
	for i, c := range u.Channels {
		if c == ch {
			u.Channels = append(u.Channels[:i], u.Channels[i+1:]...)
			return true
		}
	}
	return false
}

// addUserToChannel appends the user to the channel's subscriber list unless an
// entry with the same address key is already present. Creates the channel if
// needed. Reports whether the user was added.
func (s *Server) addUserToChannel(ch string, user *User) bool {
	list, ok := s.channels[ch]
	if !ok {
		s.channels[ch] = []*User{user}
		s.metrics.activeChannels.Set(float64(len(s.channels)))
		return true
	}
	for _, u := range list {
		if u.Key == user.Key {
			return false
		}
	}
	s.channels[ch] = append(list, user)
	return true
}

// removeUserFromChannel scrubs the user from the channel's subscriber list.
func (s *Server) removeUserFromChannel(ch string, user *User) {
	list, ok := s.channels[ch]
	if !ok {
		return
	}
	for i, u := range list {
		if u.Key == user.Key {
			s.channels[ch] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dropChannelIfEmpty deletes a channel whose local subscriber list has
// emptied. Common is permanent and never deleted.
func (s *Server) dropChannelIfEmpty(ch string) {
	if ch == protocol.DefaultChannel {
		return
	}
	if list, ok := s.channels[ch]; ok && len(list) == 0 {
		delete(s.channels, ch)
		s.metrics.activeChannels.Set(float64(len(s.channels)))
		s.note("Removed the empty channel %s", ch)
	}
}

// channelNames returns every local channel name in sorted order.
func (s *Server) channelNames() []string {
	names := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// routedChannels returns every routing-table channel in sorted order.
func (s *Server) routedChannels() []string {
	names := make([]string, 0, len(s.routes))
	for ch := range s.routes {
		names = append(names, ch)
	}
	sort.Strings(names)
	return names
}

// orderedNeighbors returns the neighbor records in configuration order.
func (s *Server) orderedNeighbors() []*Neighbor {
	list := make([]*Neighbor, 0, len(s.neighborOrder))
	for _, key := range s.neighborOrder {
		if n, ok := s.neighbors[key]; ok {
			list = append(list, n)
		}
	}
	return list
}

// registerChannelRoute installs ch in the routing table pre-populated with
// every configured neighbor, the seed state for reverse-path flooding.
func (s *Server) registerChannelRoute(ch string) {
	s.routes[ch] = s.orderedNeighbors()
	s.metrics.routedChannels.Set(float64(len(s.routes)))
}

// routeContains reports whether the neighbor key subscribes to ch.
func routeContains(list []*Neighbor, key string) bool {
	for _, n := range list {
		if n.Key == key {
			return true
		}
	}
	return false
}

// removeNeighborFromRoute scrubs one neighbor from one channel's route list.
func (s *Server) removeNeighborFromRoute(ch, key string) {
	list, ok := s.routes[ch]
	if !ok {
		return
	}
	for i, n := range list {
		if n.Key == key {
			s.routes[ch] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dropRoute removes ch from the routing table entirely.
func (s *Server) dropRoute(ch string) {
	delete(s.routes, ch)
	s.metrics.routedChannels.Set(float64(len(s.routes)))
}
