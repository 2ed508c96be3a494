package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duckchat-net/duckchatd/internal/protocol"
)

const (
	srv1 = "10.0.1.1:4000"
	srv2 = "10.0.1.2:4000"
	srv3 = "10.0.1.3:4000"
)

func TestJoinGraftsChannelAcrossMesh(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s1, clientA, "alice")
	join(s1, clientA, "dev")

	if !routeContains(s1.routes["dev"], srv2) {
		t.Fatal("originating node did not route dev toward its neighbor")
	}
	if !routeContains(s2.routes["dev"], srv1) {
		t.Fatal("join flood did not graft the neighbor onto dev")
	}
	if _, ok := s2.channels["dev"]; ok {
		t.Fatal("routing a channel must not create a local channel")
	}
}

func TestCrossServerSayDeliversExactlyOnce(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s1, clientA, "alice")
	login(s2, clientB, "bob")
	join(s1, clientA, "dev")
	join(s2, clientB, "dev")

	say(s1, clientA, "dev", "hello")

	if n := countSent(s1, clientA, protocol.TxtSayType); n != 1 {
		t.Fatalf("sender's copy delivered %d times", n)
	}
	texts := clientBound(t, s2, clientB)
	if len(texts) != 1 {
		t.Fatalf("remote subscriber got %d texts, want 1", len(texts))
	}
	msg := texts[0].(protocol.TxtSay)
	if msg.Username != "alice" || msg.Channel != "dev" || msg.Text != "hello" {
		t.Fatalf("got %+v", msg)
	}
}

// A fully meshed triangle has a redundant edge for every channel. The first
// flooded message must still reach each subscriber exactly once, and the
// duplicate deliveries must prune the mesh down to a spanning tree.
func TestTriangleConvergesToSpanningTree(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2, srv3)
	s2 := newNode(m, srv2, srv1, srv3)
	s3 := newNode(m, srv3, srv1, srv2)

	login(s1, clientA, "alice")
	login(s2, clientB, "bob")
	login(s3, clientC, "carol")
	join(s1, clientA, "dev")
	join(s2, clientB, "dev")
	join(s3, clientC, "dev")

	say(s1, clientA, "dev", "first")

	for _, tc := range []struct {
		s      *Server
		client string
	}{{s1, clientA}, {s2, clientB}, {s3, clientC}} {
		if n := countSent(tc.s, tc.client, protocol.TxtSayType); n != 1 {
			t.Fatalf("%s delivered %d copies to %s, want 1", tc.s.Addr(), n, tc.client)
		}
	}

	leaves := countSent(s1, srv3, protocol.S2SLeaveType) + countSent(s3, srv1, protocol.S2SLeaveType)
	if leaves == 0 {
		t.Fatal("redundant edge was never refused")
	}

	edges := len(s1.routes["dev"]) + len(s2.routes["dev"]) + len(s3.routes["dev"])
	if edges != 4 {
		t.Fatalf("directed route entries after convergence: %d, want 4 (a tree over 3 nodes)", edges)
	}
}

func TestDuplicateSayElicitsLeave(t *testing.T) {
	s := newNode(nil, srv1, srv2)
	login(s, clientA, "alice")
	join(s, clientA, "dev")

	flood := protocol.S2SSay{ID: 999, Username: "bob", Channel: "dev", Text: "hi"}
	s.dispatch(flood.Marshal(), mustUDPAddr(srv2))
	s.dispatch(flood.Marshal(), mustUDPAddr(srv2))

	if n := countSent(s, clientA, protocol.TxtSayType); n != 1 {
		t.Fatalf("local subscriber got %d copies, want 1", n)
	}
	if n := countSent(s, srv2, protocol.S2SLeaveType); n != 1 {
		t.Fatalf("duplicate elicited %d leaves, want 1", n)
	}
	if got := testutil.ToFloat64(s.metrics.duplicates); got != 1 {
		t.Fatalf("duplicate counter %v, want 1", got)
	}
}

func TestSayFromUnknownServerIgnored(t *testing.T) {
	s := newNode(nil, srv1, srv2)
	login(s, clientA, "alice")
	join(s, clientA, "dev")
	before := len(recorder(s).sent)

	stranger := "10.9.9.9:4000"
	s.dispatch(protocol.S2SSay{ID: 777, Username: "eve", Channel: "dev", Text: "spoof"}.Marshal(), mustUDPAddr(stranger))

	if n := len(recorder(s).sent); n != before {
		t.Fatalf("spoofed flood produced %d packets", n-before)
	}
	if s.cache.contains(777) {
		t.Fatal("spoofed packet ID was cached")
	}
}

func TestListFederatesAcrossMesh(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s1, clientA, "alice")
	login(s2, clientB, "bob")
	join(s1, clientA, "dev")
	join(s2, clientB, "ops")

	list(s1, clientA)

	texts := clientBound(t, s2, clientA)
	if len(texts) != 1 {
		t.Fatalf("traversal produced %d replies, want 1", len(texts))
	}
	got := texts[0].(protocol.TxtList).Channels
	want := []string{protocol.DefaultChannel, "dev", "ops"}
	if len(got) != len(want) {
		t.Fatalf("got channels %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got channels %v, want %v", got, want)
		}
	}
	if n := len(sentTo(s1, clientA)); n != 0 {
		t.Fatalf("originating node also replied (%d packets); the route's last node owns the reply", n)
	}
}

func TestWhoFederatesAcrossMesh(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s1, clientA, "alice")
	login(s2, clientB, "bob")
	join(s1, clientA, "dev")
	join(s2, clientB, "dev")

	who(s1, clientA, "dev")

	texts := clientBound(t, s2, clientA)
	if len(texts) != 1 {
		t.Fatalf("traversal produced %d replies, want 1", len(texts))
	}
	w := texts[0].(protocol.TxtWho)
	if w.Channel != "dev" || len(w.Users) != 2 || w.Users[0] != "alice" || w.Users[1] != "bob" {
		t.Fatalf("got %+v", w)
	}
}

func TestWhoFederatedUnknownChannelErrors(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s1, clientA, "alice")
	who(s1, clientA, "ghost")

	if msgs := errorsTo(t, s2, clientA); len(msgs) != 1 || msgs[0] != "No channel by the name ghost." {
		t.Fatalf("got errors %v", msgs)
	}
}

func TestVerifyFederatedCollisionShortCircuits(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2, srv3)
	s2 := newNode(m, srv2, srv1, srv3)
	s3 := newNode(m, srv3, srv1, srv2)

	login(s2, clientB, "bob")
	verify(s1, clientA, "bob")

	texts := clientBound(t, s2, clientA)
	if len(texts) != 1 || texts[0].(protocol.TxtVerify).Valid {
		t.Fatalf("collision node replied %v", texts)
	}
	// the verdict was negative at the second hop, so the third never saw it
	if n := len(sentTo(s2, srv3)); n != 0 {
		t.Fatal("negative verdict was forwarded instead of short-circuiting")
	}
	_ = s3
}

func TestVerifyFederatedUniqueCompletesRoute(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1)

	login(s2, clientB, "bob")
	verify(s1, clientA, "carol")

	texts := clientBound(t, s2, clientA)
	if len(texts) != 1 || !texts[0].(protocol.TxtVerify).Valid {
		t.Fatalf("unique verdict: %v", texts)
	}
}

// A line of servers with one subscriber at the far end: when that subscriber
// leaves, the prune has to cascade back down the whole line.
func TestLeafPruneCascadesDownLine(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1, srv3)
	s3 := newNode(m, srv3, srv2)

	login(s3, clientC, "carol")
	join(s3, clientC, "dev")

	if !routeContains(s1.routes["dev"], srv2) || !routeContains(s2.routes["dev"], srv3) {
		t.Fatal("join flood did not reach the far end of the line")
	}

	leave(s3, clientC, "dev")

	for _, s := range []*Server{s1, s2, s3} {
		if _, ok := s.routes["dev"]; ok {
			t.Fatalf("%s still routes dev after the cascade", s.Addr())
		}
	}
}

// The middle node of a line loses its last local subscriber but still has two
// routed neighbors, so it cannot prune outright; the leaf probe resolves which
// branches are dead.
func TestLeafProbeTrimsDeadBranch(t *testing.T) {
	m := newMesh()
	s1 := newNode(m, srv1, srv2)
	s2 := newNode(m, srv2, srv1, srv3)
	s3 := newNode(m, srv3, srv2)

	login(s2, clientB, "bob")
	login(s3, clientC, "carol")
	join(s2, clientB, "dev")
	join(s3, clientC, "dev")

	leave(s2, clientB, "dev")

	if _, ok := s1.routes["dev"]; ok {
		t.Fatal("dead branch survived the probe")
	}
	if _, ok := s2.routes["dev"]; ok {
		t.Fatal("middle node kept routing a channel with no local or downstream users")
	}
	if users := s3.channels["dev"]; len(users) != 1 || users[0].Name != "carol" {
		t.Fatal("live subscriber lost their channel")
	}
}
