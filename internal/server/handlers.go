package server

import (
	"fmt"
	"net"

	"github.com/duckchat-net/duckchatd/internal/protocol"
)

// truncate clamps a wire string to max bytes. Usernames and channel names are
// clamped on entry so nothing longer ever reaches the tables or goes back out.
func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// sendError reports a recoverable failure to a client.
func (s *Server) sendError(to net.Addr, msg string) {
	s.send(protocol.TxtError{Message: msg}, to)
	s.event(to.String(), "send ERROR %q", msg)
}

// handleVerify answers a username-uniqueness probe. A collision anywhere
// short-circuits; a locally unique name with neighbors configured starts a
// mesh traversal and the reply arrives from whichever node finishes it.
func (s *Server) handleVerify(p protocol.Verify, from string, src net.Addr) {
	name := truncate(p.Username, protocol.UsernameMax-1)
	s.event(from, "recv Request VERIFY %s", name)

	valid := true
	for _, u := range s.users {
		if u.Name == name {
			valid = false
			break
		}
	}

	if valid && len(s.neighbors) > 0 {
		s.startVerifyTraversal(name, from)
		return
	}
	s.send(protocol.TxtVerify{Valid: valid}, src)
}

// handleLogin creates the user record keyed by source address. Logging in
// twice from the same address rebinds the record; no reply is sent on success.
func (s *Server) handleLogin(p protocol.Login, from string, src net.Addr) {
	name := truncate(p.Username, protocol.UsernameMax-1)
	if prev, ok := s.users[from]; ok {
		s.scrubUser(prev)
	}
	s.users[from] = &User{
		Addr:    src,
		Key:     from,
		Name:    name,
		LastMin: s.minuteNow(),
	}
	s.metrics.activeUsers.Set(float64(len(s.users)))
	s.event(from, "recv Request LOGIN %s", name)
}

// handleLogout removes the user and scrubs every channel they were on.
func (s *Server) handleLogout(from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	delete(s.users, from)
	s.metrics.activeUsers.Set(float64(len(s.users)))
	s.event(from, "recv Request LOGOUT %s", user.Name)
	s.scrubUser(user)
}

// scrubUser removes the user from every subscribed channel, deleting emptied
// channels and driving leaf re-evaluation per channel. Shared by LOGOUT and
// the inactivity sweep.
func (s *Server) scrubUser(user *User) {
	for _, ch := range user.Channels {
		s.removeUserFromChannel(ch, user)
		s.dropChannelIfEmpty(ch)
		if s.pruneIfLeaf(ch) {
			continue
		}
		if list, ok := s.channels[ch]; ok && len(list) > 0 {
			continue
		}
		// no locals left but not provably a leaf: probe the sub-tree
		s.leafProbe(ch)
	}
	user.Channels = nil
}

// handleJoin subscribes the user to a channel. Joining a channel unknown to
// the routing table grafts this node onto its sub-tree by flooding S2S JOIN.
func (s *Server) handleJoin(p protocol.Join, from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	user.LastMin = s.minuteNow()
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv Request JOIN %s %s", user.Name, ch)

	if user.subscribed(ch) {
		return
	}
	if len(user.Channels) >= protocol.MaxChannels {
		s.sendError(user.Addr, fmt.Sprintf("Failed to join %s.", ch))
		return
	}

	if len(s.neighbors) > 0 {
		if _, routed := s.routes[ch]; !routed {
			s.registerChannelRoute(ch)
			s.floodJoin(ch, s.addr)
		}
	}

	user.Channels = append(user.Channels, ch)
	s.addUserToChannel(ch, user)
}

// handleLeave unsubscribes the user, deletes the channel if it emptied, and
// re-evaluates this node's position in the channel's sub-tree.
func (s *Server) handleLeave(p protocol.Leave, from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	user.LastMin = s.minuteNow()
	ch := truncate(p.Channel, protocol.ChannelMax-1)

	if _, exists := s.channels[ch]; !exists {
		s.sendError(user.Addr, fmt.Sprintf("No channel by the name %s.", ch))
		return
	}
	if !user.dropSubscription(ch) {
		s.sendError(user.Addr, fmt.Sprintf("You are not subscribed to %s.", ch))
		return
	}
	s.event(from, "recv Request LEAVE %s %s", user.Name, ch)
	s.removeUserFromChannel(ch, user)
	s.dropChannelIfEmpty(ch)

	if s.pruneIfLeaf(ch) {
		return
	}
	if list, ok := s.channels[ch]; ok && len(list) > 0 {
		return
	}
	s.leafProbe(ch)
}

// handleSay broadcasts to local subscribers, then forwards into the sub-tree
// with a fresh ID. The ID is cached before forwarding so this node's own
// flood bouncing back is suppressed.
func (s *Server) handleSay(p protocol.Say, from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	subscribers, exists := s.channels[ch]
	if !exists {
		return
	}
	user.LastMin = s.minuteNow()
	text := truncate(p.Text, protocol.SayMax-1)
	s.event(from, "recv Request SAY %s %s %q", user.Name, ch, text)

	s.broadcast(subscribers, user.Name, ch, text)

	entry, ok := s.routes[ch]
	if !ok {
		return
	}
	// snapshot: a neighbor's S2S LEAVE reply may prune this list mid-send
	routed := append([]*Neighbor(nil), entry...)
	say := protocol.S2SSay{ID: s.generateID(), Username: user.Name, Channel: ch, Text: text}
	for _, n := range routed {
		s.send(say, n.Addr)
		s.event(n.Key, "send S2S SAY %s %s %q", user.Name, ch, text)
	}
}

// broadcast unicasts one TxtSay to every local subscriber in list order.
func (s *Server) broadcast(subscribers []*User, username, ch, text string) {
	msg := protocol.TxtSay{Channel: ch, Username: username, Text: text}
	for _, u := range subscribers {
		s.send(msg, u.Addr)
	}
}

// handleList answers from local tables when this node is alone, otherwise
// starts the federated traversal; the reply then arrives asynchronously from
// whichever node completes the route.
func (s *Server) handleList(from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	user.LastMin = s.minuteNow()
	s.event(from, "recv Request LIST %s", user.Name)

	if len(s.neighbors) > 0 {
		s.startListTraversal(from)
		return
	}
	s.send(protocol.TxtList{Channels: s.channelNames()}, user.Addr)
}

// handleWho is handleList for one channel's subscriber names.
func (s *Server) handleWho(p protocol.Who, from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	user.LastMin = s.minuteNow()
	ch := truncate(p.Channel, protocol.ChannelMax-1)
	s.event(from, "recv Request WHO %s %s", user.Name, ch)

	if len(s.neighbors) > 0 {
		s.startWhoTraversal(ch, from)
		return
	}

	subscribers, exists := s.channels[ch]
	if !exists {
		s.sendError(user.Addr, fmt.Sprintf("No channel by the name %s.", ch))
		return
	}
	names := make([]string, 0, len(subscribers))
	for _, u := range subscribers {
		names = append(names, u.Name)
	}
	s.send(protocol.TxtWho{Channel: ch, Users: names}, user.Addr)
}

// handleKeepAlive refreshes the liveness stamp; nothing else.
func (s *Server) handleKeepAlive(from string) {
	user, ok := s.users[from]
	if !ok {
		return
	}
	user.LastMin = s.minuteNow()
	s.event(from, "recv Request KEEP ALIVE %s", user.Name)
}
