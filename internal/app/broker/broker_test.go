package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/castlink/castlink/internal/core"
	"github.com/castlink/castlink/internal/domain"
	"github.com/castlink/castlink/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// messages decodes every captured frame of the given type.
func (f *fakeConn) messages(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, fr := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBroker(cfg Config) (*Broker, *testClock) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	return New(cfg, clock.Now), clock
}

func connect(t *testing.T, b *Broker) (domain.ConnID, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	rec := b.OnConnect(conn)
	return rec.ID, conn
}

func register(t *testing.T, b *Broker, id domain.ConnID, role, name string) {
	t.Helper()
	b.HandleMessage(id, []byte(fmt.Sprintf(`{"type":"register","role":%q,"name":%q}`, role, name)))
}

func TestWelcomeCarriesConnectionID(t *testing.T) {
	b, _ := newTestBroker(Config{})
	id, conn := connect(t, b)

	infos := conn.messages(wire.TypeInfo)
	if len(infos) != 1 {
		t.Fatalf("got %d info frames, want 1", len(infos))
	}
	if infos[0]["connection_id"] != string(id) {
		t.Fatalf("welcome id = %v, want %s", infos[0]["connection_id"], id)
	}
}

func TestWelcomeAdvertisesHeartbeatInterval(t *testing.T) {
	b, _ := newTestBroker(Config{HeartbeatInterval: 30 * time.Second})
	_, conn := connect(t, b)

	infos := conn.messages(wire.TypeInfo)
	if len(infos) != 1 {
		t.Fatalf("got %d info frames, want 1", len(infos))
	}
	if int64(infos[0]["heartbeat_interval"].(float64)) != 30_000 {
		t.Fatalf("advertised interval = %v, want 30000ms", infos[0]["heartbeat_interval"])
	}

	// Unconfigured brokers leave the advertisement out.
	b2, _ := newTestBroker(Config{})
	_, conn2 := connect(t, b2)
	if _, ok := conn2.messages(wire.TypeInfo)[0]["heartbeat_interval"]; ok {
		t.Fatal("welcome advertised a zero heartbeat interval")
	}
}

func TestRegisterIsOneShot(t *testing.T) {
	b, _ := newTestBroker(Config{})
	id, conn := connect(t, b)

	register(t, b, id, "broadcaster", "phone-1")
	if acks := conn.messages(wire.TypeRegisterAck); len(acks) != 1 {
		t.Fatalf("got %d acks, want 1", len(acks))
	}

	register(t, b, id, "viewer", "sneaky")
	errs := conn.messages(wire.TypeError)
	if len(errs) != 1 || errs[0]["code"] != wire.CodeAlreadyRegistered {
		t.Fatalf("errors = %v, want one AlreadyRegistered", errs)
	}
	rec, _ := b.Registry.Get(id)
	if rec.Role != domain.RoleBroadcaster {
		t.Fatalf("role changed to %s after rejected re-register", rec.Role)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	b, _ := newTestBroker(Config{})
	id, conn := connect(t, b)

	b.HandleMessage(id, []byte(`{not json`))
	b.HandleMessage(id, []byte(`{"type":"register","role":"pirate","name":"x"}`))
	b.HandleMessage(id, []byte(`{"type":"no_such_thing"}`))

	if errs := conn.messages(wire.TypeError); len(errs) != 3 {
		t.Fatalf("got %d error frames, want 3", len(errs))
	}
	if conn.IsClosed() {
		t.Fatal("connection closed after malformed input")
	}
	if _, ok := b.Registry.Get(id); !ok {
		t.Fatal("connection removed after malformed input")
	}
}

// End-to-end scenario: register, discover, select, negotiate.
func TestViewerDiscoversAndPairsWithBroadcaster(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, aConn := connect(t, b)
	vID, vConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, vID, "viewer", "laptop")

	b.HandleMessage(vID, []byte(`{"type":"discover_request"}`))
	resps := vConn.messages(wire.TypeDiscoverResponse)
	if len(resps) == 0 {
		t.Fatal("no discover_response")
	}
	last := resps[len(resps)-1]
	list := last["broadcasters"].([]any)
	if len(list) != 1 {
		t.Fatalf("discover returned %d broadcasters, want 1", len(list))
	}
	entry := list[0].(map[string]any)
	if entry["name"] != "phone-1" || entry["available"] != true {
		t.Fatalf("entry = %v, want phone-1/available", entry)
	}

	// Select: broadcaster learns who is asking.
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))
	reqs := aConn.messages(wire.TypeConnectRequest)
	if len(reqs) != 1 || reqs[0]["from_id"] != string(vID) {
		t.Fatalf("connect_request = %v, want from %s", reqs, vID)
	}
	if sess, ok := b.Sessions.ByViewer(vID); !ok || sess.State != domain.SessionRequested {
		t.Fatalf("session = %+v/%v, want requested", sess, ok)
	}

	// Offer broadcaster -> viewer.
	b.HandleMessage(aID, []byte(fmt.Sprintf(`{"type":"negotiation_offer","payload":"sdp-offer","target_id":%q}`, vID)))
	offers := vConn.messages(wire.TypeNegotiationOffer)
	if len(offers) != 1 || offers[0]["payload"] != "sdp-offer" || offers[0]["from_id"] != string(aID) {
		t.Fatalf("relayed offer = %v", offers)
	}
	if sess, _ := b.Sessions.ByViewer(vID); sess.State != domain.SessionNegotiating {
		t.Fatalf("state after offer = %s, want negotiating", sess.State)
	}

	// Answer viewer -> broadcaster: session goes active.
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"negotiation_answer","payload":"sdp-answer","target_id":%q}`, aID)))
	answers := aConn.messages(wire.TypeNegotiationAnswer)
	if len(answers) != 1 || answers[0]["payload"] != "sdp-answer" {
		t.Fatalf("relayed answer = %v", answers)
	}
	if sess, _ := b.Sessions.ByViewer(vID); sess.State != domain.SessionActive {
		t.Fatalf("state after answer = %s, want active", sess.State)
	}

	// Candidates relay in an active session without state changes.
	b.HandleMessage(aID, []byte(fmt.Sprintf(`{"type":"connectivity_candidate","payload":"cand","target_id":%q}`, vID)))
	if cands := vConn.messages(wire.TypeConnectivityCandidate); len(cands) != 1 {
		t.Fatalf("candidates = %v", cands)
	}
	if sess, _ := b.Sessions.ByViewer(vID); sess.State != domain.SessionActive {
		t.Fatal("candidate relay changed session state")
	}
}

func TestBroadcasterDisconnectMidSession(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, _ := connect(t, b)
	vID, vConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, vID, "viewer", "laptop")
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))

	b.OnDisconnect(aID)

	gone := vConn.messages(wire.TypePeerDisconnected)
	if len(gone) != 1 || gone[0]["peer_id"] != string(aID) {
		t.Fatalf("peer_disconnected = %v, want peer %s", gone, aID)
	}
	if _, ok := b.Sessions.ByViewer(vID); ok {
		t.Fatal("session survived broadcaster disconnect")
	}

	vConn.drop()
	b.HandleMessage(vID, []byte(`{"type":"discover_request"}`))
	resps := vConn.messages(wire.TypeDiscoverResponse)
	if len(resps) != 1 {
		t.Fatalf("got %d discover responses, want 1", len(resps))
	}
	if list := resps[0]["broadcasters"].([]any); len(list) != 0 {
		t.Fatalf("directory still lists %d broadcasters after disconnect", len(list))
	}
}

func TestSelectUnknownTarget(t *testing.T) {
	b, _ := newTestBroker(Config{})
	vID, vConn := connect(t, b)
	register(t, b, vID, "viewer", "laptop")

	b.HandleMessage(vID, []byte(`{"type":"select_target","target_id":"9999"}`))
	errs := vConn.messages(wire.TypeError)
	if len(errs) != 1 || errs[0]["code"] != wire.CodeTargetNotFound {
		t.Fatalf("errors = %v, want one TargetNotFound", errs)
	}
	if _, ok := b.Sessions.ByViewer(vID); ok {
		t.Fatal("failed select created a session")
	}
}

func TestRoleComplementFallbackRouting(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, aConn := connect(t, b)
	bID, bConn := connect(t, b)
	cID, cConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, bID, "viewer", "laptop")
	register(t, b, cID, "viewer", "tablet")
	for _, c := range []*fakeConn{aConn, bConn, cConn} {
		c.drop()
	}

	// Broadcaster with no target: both viewers, never the sender.
	b.HandleMessage(aID, []byte(`{"type":"negotiation_offer","payload":"from-a"}`))
	if n := len(bConn.messages(wire.TypeNegotiationOffer)); n != 1 {
		t.Fatalf("viewer B got %d offers, want 1", n)
	}
	if n := len(cConn.messages(wire.TypeNegotiationOffer)); n != 1 {
		t.Fatalf("viewer C got %d offers, want 1", n)
	}
	if n := len(aConn.messages(wire.TypeNegotiationOffer)); n != 0 {
		t.Fatalf("sender got its own offer back (%d)", n)
	}

	// Viewer with no target: the broadcaster only, never the other viewer.
	b.HandleMessage(bID, []byte(`{"type":"negotiation_answer","payload":"from-b"}`))
	if n := len(aConn.messages(wire.TypeNegotiationAnswer)); n != 1 {
		t.Fatalf("broadcaster got %d answers, want 1", n)
	}
	if n := len(cConn.messages(wire.TypeNegotiationAnswer)); n != 0 {
		t.Fatalf("viewer C got %d answers, want 0", n)
	}
}

func TestUnassignedIsWildcard(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, aConn := connect(t, b)
	uID, uConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	aConn.drop()
	uConn.drop()

	// Early handshake traffic from a connection that has not registered
	// yet still flows both ways.
	b.HandleMessage(uID, []byte(`{"type":"connectivity_candidate","payload":"early"}`))
	if n := len(aConn.messages(wire.TypeConnectivityCandidate)); n != 1 {
		t.Fatalf("broadcaster got %d candidates from unassigned sender, want 1", n)
	}
	b.HandleMessage(aID, []byte(`{"type":"connectivity_candidate","payload":"reply"}`))
	if n := len(uConn.messages(wire.TypeConnectivityCandidate)); n != 1 {
		t.Fatalf("unassigned connection got %d candidates, want 1", n)
	}
}

func TestExactTargetRouting(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, aConn := connect(t, b)
	bID, bConn := connect(t, b)
	cID, cConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, bID, "viewer", "laptop")
	register(t, b, cID, "viewer", "tablet")
	for _, c := range []*fakeConn{aConn, bConn, cConn} {
		c.drop()
	}

	b.HandleMessage(aID, []byte(fmt.Sprintf(`{"type":"negotiation_offer","payload":"x","target_id":%q}`, bID)))
	if n := len(bConn.messages(wire.TypeNegotiationOffer)); n != 1 {
		t.Fatalf("target got %d offers, want 1", n)
	}
	if n := len(cConn.messages(wire.TypeNegotiationOffer)); n != 0 {
		t.Fatalf("non-target got %d offers, want 0", n)
	}

	// Unresolved explicit target: dropped, sender told, no fallback.
	b.HandleMessage(aID, []byte(`{"type":"negotiation_offer","payload":"x","target_id":"9999"}`))
	errs := aConn.messages(wire.TypeError)
	if len(errs) != 1 || errs[0]["code"] != wire.CodeTargetNotFound {
		t.Fatalf("errors = %v, want one TargetNotFound", errs)
	}
	if n := len(bConn.messages(wire.TypeNegotiationOffer)) + len(cConn.messages(wire.TypeNegotiationOffer)); n != 1 {
		t.Fatal("unresolved target fell back to broadcast")
	}
}

func TestDuplicateOfferIsRelayedAgain(t *testing.T) {
	b, _ := newTestBroker(Config{})
	aID, _ := connect(t, b)
	vID, vConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, vID, "viewer", "laptop")
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))
	vConn.drop()

	offer := []byte(fmt.Sprintf(`{"type":"negotiation_offer","payload":"sdp","target_id":%q}`, vID))
	b.HandleMessage(aID, offer)
	b.HandleMessage(aID, offer)
	if n := len(vConn.messages(wire.TypeNegotiationOffer)); n != 2 {
		t.Fatalf("duplicate offer relayed %d times, want 2", n)
	}
}

func TestHeartbeatAckAndTouch(t *testing.T) {
	b, clock := newTestBroker(Config{})
	id, conn := connect(t, b)
	before, _ := b.Registry.Get(id)

	clock.Advance(5 * time.Second)
	b.HandleMessage(id, []byte(`{"type":"heartbeat"}`))

	acks := conn.messages(wire.TypeHeartbeatAck)
	if len(acks) != 1 {
		t.Fatalf("got %d heartbeat_acks, want exactly 1", len(acks))
	}
	if int64(acks[0]["timestamp"].(float64)) != clock.Now().UnixMilli() {
		t.Fatalf("ack timestamp = %v, want broker clock", acks[0]["timestamp"])
	}
	after, _ := b.Registry.Get(id)
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Fatal("heartbeat did not advance LastSeenAt")
	}
}

func TestDirectoryPushOnRegister(t *testing.T) {
	b, _ := newTestBroker(Config{})
	vID, vConn := connect(t, b)
	register(t, b, vID, "viewer", "laptop")
	vConn.drop()

	aID, _ := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")

	pushes := vConn.messages(wire.TypeDiscoverResponse)
	if len(pushes) != 1 {
		t.Fatalf("viewer got %d directory pushes, want 1", len(pushes))
	}
	if list := pushes[0]["broadcasters"].([]any); len(list) != 1 {
		t.Fatalf("push carried %d entries, want the full list of 1", len(list))
	}
}

func TestDiscoverySnapshotIsolation(t *testing.T) {
	b, _ := newTestBroker(Config{})
	vID, vConn := connect(t, b)
	register(t, b, vID, "viewer", "laptop")
	vConn.drop()

	// Before the broadcaster registers: empty.
	b.HandleMessage(vID, []byte(`{"type":"discover_request"}`))
	first := vConn.messages(wire.TypeDiscoverResponse)
	if list := first[0]["broadcasters"].([]any); len(list) != 0 {
		t.Fatalf("pre-registration snapshot has %d entries", len(list))
	}

	aID, _ := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	vConn.drop()

	// After: exactly one, no duplicates.
	b.HandleMessage(vID, []byte(`{"type":"discover_request"}`))
	second := vConn.messages(wire.TypeDiscoverResponse)
	if list := second[0]["broadcasters"].([]any); len(list) != 1 {
		t.Fatalf("post-registration snapshot has %d entries, want 1", len(list))
	}
}

func TestRoomsPartitionDiscoveryAndRouting(t *testing.T) {
	b, _ := newTestBroker(Config{RoomsEnabled: true})
	aID, _ := connect(t, b)
	vID, vConn := connect(t, b)
	outsiderID, outConn := connect(t, b)
	b.HandleMessage(aID, []byte(`{"type":"register","role":"broadcaster","name":"phone-1","room":"red"}`))
	b.HandleMessage(vID, []byte(`{"type":"register","role":"viewer","name":"laptop","room":"red"}`))
	b.HandleMessage(outsiderID, []byte(`{"type":"register","role":"viewer","name":"tablet","room":"blue"}`))
	vConn.drop()
	outConn.drop()

	b.HandleMessage(outsiderID, []byte(`{"type":"discover_request"}`))
	resp := outConn.messages(wire.TypeDiscoverResponse)
	if list := resp[0]["broadcasters"].([]any); len(list) != 0 {
		t.Fatal("broadcaster leaked across rooms in discovery")
	}

	b.HandleMessage(aID, []byte(`{"type":"negotiation_offer","payload":"x"}`))
	if n := len(vConn.messages(wire.TypeNegotiationOffer)); n != 1 {
		t.Fatalf("same-room viewer got %d offers, want 1", n)
	}
	if n := len(outConn.messages(wire.TypeNegotiationOffer)); n != 0 {
		t.Fatal("fallback broadcast crossed room boundary")
	}

	// Cross-room exact targeting fails closed.
	b.HandleMessage(outsiderID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))
	errs := outConn.messages(wire.TypeError)
	if len(errs) != 1 || errs[0]["code"] != wire.CodeTargetNotFound {
		t.Fatalf("cross-room select errors = %v, want TargetNotFound", errs)
	}
}

func TestExclusivePairingMarksBusyAndReleases(t *testing.T) {
	b, _ := newTestBroker(Config{ExclusivePairing: true})
	aID, _ := connect(t, b)
	v1ID, _ := connect(t, b)
	v2ID, v2Conn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, v1ID, "viewer", "laptop")
	register(t, b, v2ID, "viewer", "tablet")

	b.HandleMessage(v1ID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))
	if entry, _ := b.Directory.Broadcaster(aID); entry.Available {
		t.Fatal("broadcaster still available after exclusive pairing")
	}

	v2Conn.drop()
	b.HandleMessage(v2ID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID)))
	errs := v2Conn.messages(wire.TypeError)
	if len(errs) != 1 || errs[0]["code"] != wire.CodeTargetNotFound {
		t.Fatalf("busy select errors = %v, want TargetNotFound", errs)
	}

	// Viewer leaves: the broadcaster frees up again.
	b.OnDisconnect(v1ID)
	if entry, _ := b.Directory.Broadcaster(aID); !entry.Available {
		t.Fatal("broadcaster not released after its viewer disconnected")
	}
}

func TestReselectOwnBroadcasterIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(Config{ExclusivePairing: true})
	aID, aConn := connect(t, b)
	vID, vConn := connect(t, b)
	register(t, b, aID, "broadcaster", "phone-1")
	register(t, b, vID, "viewer", "laptop")

	sel := []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, aID))
	b.HandleMessage(vID, sel)
	b.HandleMessage(aID, []byte(fmt.Sprintf(`{"type":"negotiation_offer","payload":"sdp","target_id":%q}`, vID)))

	// Retrying the same select (e.g. after a missed connect_request) is
	// relayed again, not refused as busy.
	b.HandleMessage(vID, sel)
	if errs := vConn.messages(wire.TypeError); len(errs) != 0 {
		t.Fatalf("re-select errored: %v", errs)
	}
	if reqs := aConn.messages(wire.TypeConnectRequest); len(reqs) != 2 {
		t.Fatalf("broadcaster got %d connect_requests, want 2", len(reqs))
	}
	sess, ok := b.Sessions.ByViewer(vID)
	if !ok || sess.BroadcasterID != aID {
		t.Fatalf("session = %+v/%v, want intact pairing", sess, ok)
	}
	if sess.State != domain.SessionNegotiating {
		t.Fatalf("re-select reset session state to %s", sess.State)
	}
}

func TestViewerReselectReplacesSession(t *testing.T) {
	b, _ := newTestBroker(Config{})
	a1ID, a1Conn := connect(t, b)
	a2ID, _ := connect(t, b)
	vID, _ := connect(t, b)
	register(t, b, a1ID, "broadcaster", "phone-1")
	register(t, b, a2ID, "broadcaster", "phone-2")
	register(t, b, vID, "viewer", "laptop")
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, a1ID)))
	a1Conn.drop()

	// No explicit leave: selecting the second broadcaster replaces the
	// pairing and informs the first.
	b.HandleMessage(vID, []byte(fmt.Sprintf(`{"type":"select_target","target_id":%q}`, a2ID)))
	gone := a1Conn.messages(wire.TypePeerDisconnected)
	if len(gone) != 1 || gone[0]["peer_id"] != string(vID) {
		t.Fatalf("old broadcaster notifications = %v", gone)
	}
	sess, ok := b.Sessions.ByViewer(vID)
	if !ok || sess.BroadcasterID != a2ID {
		t.Fatalf("session = %+v/%v, want pairing with phone-2", sess, ok)
	}
}

func TestStaleDisconnectIsNoOp(t *testing.T) {
	b, _ := newTestBroker(Config{})
	id, _ := connect(t, b)
	b.OnDisconnect(id)
	// Second teardown and late frames against the removed connection
	// must be silently absorbed.
	b.OnDisconnect(id)
	b.HandleMessage(id, []byte(`{"type":"discover_request"}`))
	b.HandleMessage(id, []byte(`{"type":"heartbeat"}`))
}
