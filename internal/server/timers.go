package server

import "github.com/duckchat-net/duckchatd/internal/protocol"

// The timer engine. The read loop's 60-second deadline expiry lands here:
// every tick floods keep-alives and re-floods joins (the soft-state refresh);
// every RefreshRate ticks the inactivity sweep evicts silent clients and
// neighbors.

func (s *Server) tick() {
	s.floodKeepAlive()
	s.refreshJoins()
	s.mode++
	if s.mode >= s.cfg.RefreshRate {
		s.sweepUsers()
		s.sweepNeighbors()
		s.mode = 0
	}
}

// floodKeepAlive tells every neighbor this node is still alive.
func (s *Server) floodKeepAlive() {
	ka := protocol.S2SKeepAlive{}
	for _, n := range s.orderedNeighbors() {
		s.send(ka, n.Addr)
	}
}

// refreshJoins re-floods S2S JOIN for every routed channel to every neighbor.
// Without these refreshes, subscriptions age out on the far side.
func (s *Server) refreshJoins() {
	for _, ch := range s.routedChannels() {
		s.floodJoin(ch, s.addr)
	}
}

// inactive reports whether a last-heard minute lies beyond the refresh
// horizon. Minutes live modulo 60, so the difference wraps across the hour.
func (s *Server) inactive(lastMin int) bool {
	now := s.minuteNow()
	var diff int
	if now >= lastMin {
		diff = now - lastMin
	} else {
		diff = (60 - lastMin) + now
	}
	return diff > s.cfg.RefreshRate
}

// sweepUsers forcibly logs out every client that has been silent past the
// refresh horizon, with the same channel scrubbing a voluntary logout does.
func (s *Server) sweepUsers() {
	stale := make([]*User, 0)
	for _, u := range s.users {
		if s.inactive(u.LastMin) {
			stale = append(stale, u)
		}
	}
	for _, u := range stale {
		delete(s.users, u.Key)
		s.metrics.activeUsers.Set(float64(len(s.users)))
		s.metrics.sweepEvictions.WithLabelValues("user").Inc()
		s.note("Forcefully logged out inactive user %s", u.Name)
		s.scrubUser(u)
	}
}

// sweepNeighbors deletes every neighbor silent past the refresh horizon and
// scrubs it from every routing list, re-evaluating leaf status per channel.
func (s *Server) sweepNeighbors() {
	stale := make([]*Neighbor, 0)
	for _, n := range s.neighbors {
		if s.inactive(n.LastMin) {
			stale = append(stale, n)
		}
	}
	for _, n := range stale {
		delete(s.neighbors, n.Key)
		for i, key := range s.neighborOrder {
			if key == n.Key {
				s.neighborOrder = append(s.neighborOrder[:i], s.neighborOrder[i+1:]...)
				break
			}
		}
		s.metrics.neighborCount.Set(float64(len(s.neighbors)))
		s.metrics.sweepEvictions.WithLabelValues("neighbor").Inc()
		s.note("Removed crashed server %s", n.Key)

		for _, ch := range s.routedChannels() {
			s.removeNeighborFromRoute(ch, n.Key)
			s.pruneIfLeaf(ch)
		}
	}
}
