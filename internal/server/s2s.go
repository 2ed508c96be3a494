package server

import (
	"fmt"
	"net"
	"sort"

	"github.com/duckchat-net/duckchatd/internal/protocol"
)

// This file is the server-to-server routing subsystem: the reverse-path
// flooding that grows a channel's delivery sub-tree, the pruning that shrinks
// it back to a minimum spanning sub-tree, and the explicit-route traversals
// behind the federated LIST/WHO/VERIFY queries.

// pruneIfLeaf checks whether this node is a leaf in the channel's sub-tree
// (at most one subscribed neighbor, no local subscribers) and if so removes
// the channel from the routing table and tells the lone remaining neighbor to
// forget this node. Reports whether the prune happened.
func (s *Server) pruneIfLeaf(ch string) bool {
	if len(s.neighbors) == 0 {
		return false
	}
	entry, ok := s.routes[ch]
	if !ok {
		return false
	}
	if list, ok := s.channels[ch]; ok && len(list) > 0 {
		return false
	}
	if len(entry) >= 2 {
		return false
	}

	s.dropRoute(ch)
	if len(entry) == 1 {
		n := entry[0]
		s.send(protocol.S2SLeave{Channel: ch}, n.Addr)
		s.event(n.Key, "send S2S LEAVE %s", ch)
	}
	return true
}

// leafProbe asks every neighbor subscribed to ch whether the branch through
// this node is still needed. Used when the last local subscriber departs but
// the routing list is too big to prove leafhood outright. The probe's ID goes
// into our own cache, so a probe circling back is recognized as a loop.
func (s *Server) leafProbe(ch string) {
	if len(s.neighbors) == 0 {
		return
	}
	entry := s.routes[ch]
	if len(entry) == 0 {
		return
	}
	probe := protocol.S2SLeaf{ID: s.generateID(), Channel: ch}
	for _, n := range append([]*Neighbor(nil), entry...) {
		s.send(probe, n.Addr)
		s.event(n.Key, "send S2S LEAF %s", ch)
	}
}

// floodJoin sends S2S JOIN for ch to every neighbor except the one it came
// from. Join refresh passes this node's own address so nobody is skipped.
func (s *Server) floodJoin(ch, senderKey string) {
	join := protocol.S2SJoin{Channel: ch}
	for _, n := range s.orderedNeighbors() {
		if n.Key == senderKey {
			continue
		}
		s.send(join, n.Addr)
		s.event(n.Key, "send S2S JOIN %s", ch)
	}
}

// ---- traversal starts (first hop, seeded from a client request) ----

func (s *Server) startVerifyTraversal(name, clientKey string) {
	keys := s.neighborOrder
	pkt := protocol.S2SVerify{
		ID:       s.generateID(),
		Username: name,
		Client:   clientKey,
		ToVisit:  keys[1:],
	}
	first := s.neighbors[keys[0]]
	s.send(pkt, first.Addr)
	s.event(first.Key, "send S2S VERIFY %s", name)
}

func (s *Server) startListTraversal(clientKey string) {
	keys := s.neighborOrder
	pkt := protocol.S2SList{
		ID:       s.generateID(),
		Client:   clientKey,
		Channels: s.channelNames(),
		ToVisit:  keys[1:],
	}
	first := s.neighbors[keys[0]]
	s.send(pkt, first.Addr)
	s.event(first.Key, "send S2S LIST")
}

func (s *Server) startWhoTraversal(ch, clientKey string) {
	var names []string
	for _, u := range s.channels[ch] {
		names = append(names, u.Name)
	}
	keys := s.neighborOrder
	pkt := protocol.S2SWho{
		ID:      s.generateID(),
		Channel: ch,
		Client:  clientKey,
		Users:   names,
		ToVisit: keys[1:],
	}
	first := s.neighbors[keys[0]]
	s.send(pkt, first.Addr)
	s.event(first.Key, "send S2S WHO %s", ch)
}

// ---- S2S handlers ----

// handleS2SJoin grafts the sender onto the channel's sub-tree. If the channel
// is already routed the flood stops here; otherwise this node adopts the
// channel and continues the flood away from the sender.
func (s *Server) handleS2SJoin(p protocol.S2SJoin, from string) {
	sender, ok := s.neighbors[from]
	if !ok {
		return
	}
	sender.LastMin = s.minuteNow()
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv S2S JOIN %s", ch)

	if entry, routed := s.routes[ch]; routed {
		if !routeContains(entry, from) {
			s.routes[ch] = append(entry, sender)
		}
		return
	}

	s.registerChannelRoute(ch)
	s.floodJoin(ch, from)
}

// handleS2SLeave forgets the sender for one channel, then re-evaluates this
// node's own leaf status, which can cascade the prune up the tree.
func (s *Server) handleS2SLeave(p protocol.S2SLeave, from string) {
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv S2S LEAVE %s", ch)
	if _, ok := s.routes[ch]; !ok {
		return
	}
	s.removeNeighborFromRoute(ch, from)
	s.pruneIfLeaf(ch)
}

// handleS2SSay delivers a flooded message. A duplicate ID means the datagram
// arrived over a redundant edge: the reply S2S LEAVE both acknowledges the
// loop and prunes that edge. Fresh messages are delivered locally and
// forwarded to every subscribed neighbor except the sender.
func (s *Server) handleS2SSay(p protocol.S2SSay, from string) {
	sender, ok := s.neighbors[from]
	if !ok {
		return
	}
	sender.LastMin = s.minuteNow()
	entry, routed := s.routes[p.Channel]
	if !routed {
		return
	}

	if s.cache.contains(p.ID) {
		s.metrics.duplicates.Inc()
		s.send(protocol.S2SLeave{Channel: p.Channel}, sender.Addr)
		s.event(from, "send S2S LEAVE %s", p.Channel)
		return
	}
	s.cache.add(p.ID)
	s.event(from, "recv S2S SAY %s %s %q", p.Username, p.Channel, p.Text)

	if subscribers, ok := s.channels[p.Channel]; ok {
		s.broadcast(subscribers, p.Username, p.Channel, p.Text)
	}

	if s.pruneIfLeaf(p.Channel) {
		return
	}

	// forward the identical packet, ID preserved; iterate a snapshot since a
	// loop-detecting neighbor replies S2S LEAVE, which edits this list
	for _, n := range append([]*Neighbor(nil), entry...) {
		if n.Key == from {
			continue
		}
		s.send(p, n.Addr)
		s.event(n.Key, "send S2S SAY %s %s %q", p.Username, p.Channel, p.Text)
	}
}

// handleS2SLeaf answers a leaf probe. A node that is itself a leaf prunes; a
// node seeing the probe's ID twice has detected a loop and cuts the edge back
// to the sender; anything else with no local subscribers forwards the probe.
func (s *Server) handleS2SLeaf(p protocol.S2SLeaf, from string) {
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv S2S LEAF %s", ch)

	if s.pruneIfLeaf(ch) {
		return
	}

	if s.cache.contains(p.ID) {
		if _, ok := s.routes[ch]; !ok {
			return
		}
		s.removeNeighborFromRoute(ch, from)
		if len(s.routes[ch]) == 0 {
			s.dropRoute(ch)
		}
		if n, ok := s.neighbors[from]; ok {
			s.send(protocol.S2SLeave{Channel: ch}, n.Addr)
		} else {
			s.sendToKey(protocol.S2SLeave{Channel: ch}, from)
		}
		s.event(from, "send S2S LEAVE %s", ch)
		return
	}
	s.cache.add(p.ID)

	if subscribers, ok := s.channels[ch]; ok && len(subscribers) > 0 {
		return
	}
	for _, n := range append([]*Neighbor(nil), s.routes[ch]...) {
		if n.Key == from {
			continue
		}
		s.send(p, n.Addr)
		s.event(n.Key, "send S2S LEAF %s", ch)
	}
}

// handleS2SKeepAlive refreshes the sending neighbor's liveness stamp.
func (s *Server) handleS2SKeepAlive(from string) {
	sender, ok := s.neighbors[from]
	if !ok {
		return
	}
	sender.LastMin = s.minuteNow()
}

// ---- explicit-route traversals ----

// visitSet builds the unvisited-server set for one traversal hop: this node's
// neighbors (minus the sender) when the packet ID is fresh, plus whatever the
// packet already carried, minus this node itself.
func (s *Server) visitSet(carried []string, from string, fresh bool) map[string]struct{} {
	set := make(map[string]struct{})
	if fresh {
		for _, key := range s.neighborOrder {
			if key != from {
				set[key] = struct{}{}
			}
		}
	}
	for _, key := range carried {
		if key != s.addr {
			set[key] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// handleS2SList accumulates this node's channels into the traversal set and
// either forwards along the route or, when the route is exhausted, replies to
// the client embedded in the packet.
func (s *Server) handleS2SList(p protocol.S2SList, from string) {
	s.event(from, "recv S2S LIST")

	chSet := make(map[string]struct{}, len(p.Channels))
	for _, ch := range p.Channels {
		chSet[ch] = struct{}{}
	}
	fresh := !s.cache.contains(p.ID)
	if fresh {
		s.cache.add(p.ID)
		for ch := range s.channels {
			chSet[ch] = struct{}{}
		}
	}

	ipSet := s.visitSet(p.ToVisit, from, fresh)
	if len(ipSet) == 0 {
		s.sendToKey(protocol.TxtList{Channels: sortedKeys(chSet)}, p.Client)
		s.event(p.Client, "send LIST REPLY")
		return
	}

	route := sortedKeys(ipSet)
	fwd := protocol.S2SList{
		ID:       p.ID,
		Client:   p.Client,
		Channels: sortedKeys(chSet),
		ToVisit:  route[1:],
	}
	s.sendToKey(fwd, route[0])
	s.event(route[0], "send S2S LIST")
}

// handleS2SWho is handleS2SList for one channel's subscriber names.
func (s *Server) handleS2SWho(p protocol.S2SWho, from string) {
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv S2S WHO %s", ch)

	userSet := make(map[string]struct{}, len(p.Users))
	for _, u := range p.Users {
		userSet[u] = struct{}{}
	}
	fresh := !s.cache.contains(p.ID)
	if fresh {
		s.cache.add(p.ID)
		for _, u := range s.channels[ch] {
			userSet[u.Name] = struct{}{}
		}
	}

	ipSet := s.visitSet(p.ToVisit, from, fresh)
	if len(ipSet) == 0 {
		// route exhausted; an empty result for anything but Common means the
		// channel exists nowhere in the mesh
		if len(userSet) == 0 && ch != protocol.DefaultChannel {
			if addr, err := net.ResolveUDPAddr("udp", p.Client); err == nil {
				s.sendError(addr, fmt.Sprintf("No channel by the name %s.", ch))
			}
			return
		}
		s.sendToKey(protocol.TxtWho{Channel: ch, Users: sortedKeys(userSet)}, p.Client)
		s.event(p.Client, "send WHO REPLY %s", ch)
		return
	}

	route := sortedKeys(ipSet)
	fwd := protocol.S2SWho{
		ID:      p.ID,
		Channel: ch,
		Client:  p.Client,
		Users:   sortedKeys(userSet),
		ToVisit: route[1:],
	}
	s.sendToKey(fwd, route[0])
	s.event(route[0], "send S2S WHO %s", ch)
}

// handleS2SVerify checks the username locally and either short-circuits a
// collision straight back to the client, forwards along the route, or
// finishes the traversal with a positive verdict.
func (s *Server) handleS2SVerify(p protocol.S2SVerify, from string) {
	name := truncate(p.Username, protocol.UsernameMax-1)
	s.event(from, "recv S2S VERIFY %s", name)

	valid := true
	fresh := !s.cache.contains(p.ID)
	if fresh {
		s.cache.add(p.ID)
		for _, u := range s.users {
			if u.Name == name {
				valid = false
				break
			}
		}
	}

	ipSet := s.visitSet(p.ToVisit, from, fresh)
	if len(ipSet) == 0 || !valid {
		s.sendToKey(protocol.TxtVerify{Valid: valid}, p.Client)
		s.event(p.Client, "send VERIFICATION %s", name)
		return
	}

	route := sortedKeys(ipSet)
	fwd := protocol.S2SVerify{
		ID:       p.ID,
		Username: name,
		Client:   p.Client,
		ToVisit:  route[1:],
	}
	s.sendToKey(fwd, route[0])
	s.event(route[0], "send S2S VERIFY %s", name)
}
