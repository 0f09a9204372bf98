package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

type fakeLink struct {
	mu          sync.Mutex
	seq         int
	role        core.Role
	src         core.TrackSource
	remoteDesc  bool
	candidates  []string
	closed      bool
	failOffer   bool
	failReplace bool
	swapped     []core.TrackSource

	onCand func(json.RawMessage)
	onConn func(core.ConnState)
}

func (l *fakeLink) CreateOffer() (json.RawMessage, error) {
	if l.failOffer {
		return nil, errors.New("boom")
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","seq":%d}`, l.seq)), nil
}

func (l *fakeLink) CreateAnswer(offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	l.remoteDesc = true
	l.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","seq":%d}`, l.seq)), nil
}

func (l *fakeLink) ApplyAnswer(answer json.RawMessage) error {
	l.mu.Lock()
	l.remoteDesc = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) AddCandidate(candidate json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, string(candidate))
	return nil
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDesc
}

func (l *fakeLink) ReplaceOutgoingTrack(src core.TrackSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failReplace {
		return errors.New("no sender")
	}
	l.swapped = append(l.swapped, src)
	l.src = src
	return nil
}

func (l *fakeLink) OnCandidate(cb func(json.RawMessage)) { l.onCand = cb }
func (l *fakeLink) OnConnState(cb func(core.ConnState))  { l.onConn = cb }

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) applied() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *fakeLink) fire(s core.ConnState) { l.onConn(s) }

type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (f *fakeFactory) NewLink(role core.Role, src core.TrackSource) (core.MediaLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{seq: len(f.links), role: role, src: src}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeFactory) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type fakeSource struct {
	kind    core.MediaKind
	enabled bool
	mu      sync.Mutex
}

func (s *fakeSource) Kind() core.MediaKind     { return s.kind }
func (s *fakeSource) Track() webrtc.TrackLocal { return nil }

func (s *fakeSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *fakeSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

type fakeMedia struct {
	mu       sync.Mutex
	fail     bool
	acquired []*fakeSource
	released []*fakeSource
}

func (m *fakeMedia) Acquire(kind core.MediaKind) (core.TrackSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("device denied")
	}
	src := &fakeSource{kind: kind, enabled: true}
	m.acquired = append(m.acquired, src)
	return src, nil
}

func (m *fakeMedia) Release(src core.TrackSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, src.(*fakeSource))
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *fakeRelay) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) outbox() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *fakeRelay) ofKind(kind protocol.Kind) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range r.outbox() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type statusLog struct {
	mu      sync.Mutex
	entries map[domain.ParticipantID][]LinkState
}

func newStatusLog() *statusLog {
	return &statusLog{entries: make(map[domain.ParticipantID][]LinkState)}
}

func (s *statusLog) record(id domain.ParticipantID, state LinkState) {
	s.mu.Lock()
	s.entries[id] = append(s.entries[id], state)
	s.mu.Unlock()
}

func (s *statusLog) of(id domain.ParticipantID) []LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LinkState, len(s.entries[id]))
	copy(out, s.entries[id])
	return out
}

func (s *statusLog) countOf(id domain.ParticipantID, state LinkState) int {
	n := 0
	for _, st := range s.of(id) {
		if st == state {
			n++
		}
	}
	return n
}

type testRig struct {
	coord   *Coordinator
	relay   *fakeRelay
	factory *fakeFactory
	media   *fakeMedia
	status  *statusLog
}

func newRig(t *testing.T, self domain.ParticipantID, opts Options) *testRig {
	t.Helper()
	rig := &testRig{
		relay:   &fakeRelay{},
		factory: &fakeFactory{},
		media:   &fakeMedia{},
		status:  newStatusLog(),
	}
	rig.coord = NewCoordinator(self, rig.relay, rig.factory, rig.media, opts, rig.status.record)
	require.NoError(t, rig.coord.JoinRoom("r1", "tester", core.MediaCamera))
	return rig
}

func envPeerJoined(id domain.ParticipantID) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindPeerJoined, From: id}
}

func envOffer(from domain.ParticipantID, body string) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindOffer, From: from, Signal: json.RawMessage(body)}
}

func envAnswer(from domain.ParticipantID, body string) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindAnswer, From: from, Signal: json.RawMessage(body)}
}

func envCandidate(from domain.ParticipantID, body string) protocol.Envelope {
	return protocol.Envelope{Kind: protocol.KindCandidate, From: from, Candidate: json.RawMessage(body)}
}

func TestJoinAbortsOnMediaFailure(t *testing.T) {
	relay := &fakeRelay{}
	media := &fakeMedia{fail: true}
	coord := NewCoordinator("a", relay, &fakeFactory{}, media, Options{}, nil)

	err := coord.JoinRoom("r1", "tester", core.MediaCamera)
	require.ErrorIs(t, err, core.ErrMediaUnavailable)
	// No partial membership: nothing was announced.
	assert.Empty(t, relay.outbox())
}

func TestPeerJoinedStartsInitiator(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))

	state, ok := rig.coord.StatusOf("b")
	require.True(t, ok)
	assert.Equal(t, StateNegotiating, state)
	assert.Equal(t, 1, rig.coord.LinkCount("b"))

	offers := rig.relay.ofKind(protocol.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.ParticipantID("b"), offers[0].To)
	assert.Equal(t, domain.ParticipantID("a"), offers[0].From)

	// Transport reports connectivity, link goes connected.
	rig.factory.last().fire(core.ConnConnected)
	state, _ = rig.coord.StatusOf("b")
	assert.Equal(t, StateConnected, state)
}

func TestOfferStartsResponder(t *testing.T) {
	rig := newRig(t, "b", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envOffer("a", `{"type":"offer"}`))

	state, ok := rig.coord.StatusOf("a")
	require.True(t, ok)
	assert.Equal(t, StateNegotiating, state)

	answers := rig.relay.ofKind(protocol.KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.ParticipantID("a"), answers[0].To)

	rig.factory.last().fire(core.ConnConnected)
	state, _ = rig.coord.StatusOf("a")
	assert.Equal(t, StateConnected, state)
}

func TestDuplicateAnswerIsIdempotent(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	rig.coord.HandleEnvelope(envAnswer("b", `{"type":"answer"}`))
	rig.factory.last().fire(core.ConnConnected)

	linksBefore := rig.factory.count()
	rig.coord.HandleEnvelope(envAnswer("b", `{"type":"answer"}`))

	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, linksBefore, rig.factory.count())
}

func TestDuplicateCandidateDoesNotChangeState(t *testing.T) {
	rig := newRig(t, "b", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envOffer("a", `{"type":"offer"}`))
	rig.factory.last().fire(core.ConnConnected)

	cand := `{"candidate":"udp 1"}`
	rig.coord.HandleEnvelope(envCandidate("a", cand))
	rig.coord.HandleEnvelope(envCandidate("a", cand))

	state, _ := rig.coord.StatusOf("a")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, 1, rig.coord.LinkCount("a"))
	assert.Equal(t, []string{cand, cand}, rig.factory.last().applied())
}

func TestCandidatesDeferredUntilAnswer(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))

	// Candidates arrive before the answer: no remote description yet.
	rig.coord.HandleEnvelope(envCandidate("b", `{"candidate":"one"}`))
	rig.coord.HandleEnvelope(envCandidate("b", `{"candidate":"two"}`))
	assert.Empty(t, rig.factory.last().applied())

	rig.coord.HandleEnvelope(envAnswer("b", `{"type":"answer"}`))
	assert.Equal(t, []string{`{"candidate":"one"}`, `{"candidate":"two"}`}, rig.factory.last().applied())
}

func TestCandidatesKeptForKnownPeerWithoutLink(t *testing.T) {
	rig := newRig(t, "b", Options{RetryBudget: 1})

	// Fresh room-state: peer a is known, but we stay passive and hold
	// no link yet.
	rig.coord.HandleEnvelope(protocol.Envelope{
		Kind:    protocol.KindRoomState,
		To:      "b",
		Members: []domain.Participant{{ID: "a"}},
	})
	rig.coord.HandleEnvelope(envCandidate("a", `{"candidate":"early"}`))
	assert.Equal(t, 0, rig.factory.count())

	// The offer arrives; the queued candidate is applied after it, in
	// arrival order.
	rig.coord.HandleEnvelope(envOffer("a", `{"type":"offer"}`))
	rig.coord.HandleEnvelope(envCandidate("a", `{"candidate":"late"}`))
	assert.Equal(t, []string{`{"candidate":"early"}`, `{"candidate":"late"}`}, rig.factory.last().applied())
}

func TestGlareSmallerIDYields(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	initiatorLink := rig.factory.last()

	// b offered too. We have the smaller id, so we tear down our
	// attempt and answer.
	rig.coord.HandleEnvelope(envOffer("b", `{"type":"offer"}`))

	assert.True(t, initiatorLink.isClosed())
	assert.Equal(t, 1, rig.coord.LinkCount("b"))
	assert.Equal(t, core.RoleResponder, rig.factory.last().role)
	require.Len(t, rig.relay.ofKind(protocol.KindAnswer), 1)
}

func TestGlareLargerIDIgnoresOffer(t *testing.T) {
	rig := newRig(t, "z", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	initiatorLink := rig.factory.last()

	rig.coord.HandleEnvelope(envOffer("b", `{"type":"offer"}`))

	// Our initiator attempt survives and no answer was produced.
	assert.False(t, initiatorLink.isClosed())
	assert.Equal(t, core.RoleInitiator, rig.factory.last().role)
	assert.Empty(t, rig.relay.ofKind(protocol.KindAnswer))

	// Its answer still lands and connects us.
	rig.coord.HandleEnvelope(envAnswer("b", `{"type":"answer"}`))
	rig.factory.last().fire(core.ConnConnected)
	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateConnected, state)
}

func TestSwitchSourceRenegotiatesConnectedLinks(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	first := rig.factory.last()
	first.fire(core.ConnConnected)

	require.NoError(t, rig.coord.SwitchSource(core.MediaScreen))

	// Old link torn down, fresh initiator with the new source, one
	// live link throughout.
	assert.True(t, first.isClosed())
	assert.Equal(t, 1, rig.coord.LinkCount("b"))
	replacement := rig.factory.last()
	assert.Equal(t, core.RoleInitiator, replacement.role)
	assert.Equal(t, core.MediaScreen, replacement.src.Kind())
	require.Len(t, rig.relay.ofKind(protocol.KindOffer), 2)

	assert.Equal(t,
		[]LinkState{StateNegotiating, StateConnected, StateRenegotiating, StateNegotiating},
		rig.status.of("b"))

	// The camera source was released exactly once.
	require.Len(t, rig.media.released, 1)
	assert.Equal(t, core.MediaCamera, rig.media.released[0].kind)

	replacement.fire(core.ConnConnected)
	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateConnected, state)
}

func TestSwitchSourceCoversNegotiatingLink(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	link := rig.factory.last()

	// The handshake is still in flight; the pending link keeps going but
	// its outgoing track moves to the new source before the old one is
	// released.
	require.NoError(t, rig.coord.SwitchSource(core.MediaScreen))

	assert.Equal(t, 1, rig.factory.count())
	assert.False(t, link.isClosed())
	require.Len(t, link.swapped, 1)
	assert.Equal(t, core.MediaScreen, link.swapped[0].Kind())
	require.Len(t, rig.media.released, 1)
	assert.Equal(t, core.MediaCamera, rig.media.released[0].kind)

	rig.coord.HandleEnvelope(envAnswer("b", `{"type":"answer"}`))
	link.fire(core.ConnConnected)
	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, core.MediaScreen, link.src.Kind())
	assert.Zero(t, rig.status.countOf("b", StateRenegotiating))
}

func TestSwitchSourceRebuildsWhenSwapFails(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	stuck := rig.factory.last()
	stuck.failReplace = true

	require.NoError(t, rig.coord.SwitchSource(core.MediaScreen))

	// Swap refused, so the link is rebuilt on the new source.
	assert.True(t, stuck.isClosed())
	assert.Equal(t, 2, rig.factory.count())
	assert.Equal(t, core.MediaScreen, rig.factory.last().src.Kind())
	require.Len(t, rig.relay.ofKind(protocol.KindOffer), 2)
	assert.Equal(t, 1, rig.coord.LinkCount("b"))
}

func TestMuteIsLocalOnly(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	rig.factory.last().fire(core.ConnConnected)
	sentBefore := len(rig.relay.outbox())

	rig.coord.SetMuted(true)
	assert.False(t, rig.media.acquired[0].Enabled())
	rig.coord.SetMuted(false)
	assert.True(t, rig.media.acquired[0].Enabled())

	// No signaling traffic and no link churn.
	assert.Equal(t, sentBefore, len(rig.relay.outbox()))
	assert.Equal(t, 1, rig.factory.count())
}

func TestTransportFailureRetriesThenFails(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 2})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	rig.factory.last().fire(core.ConnConnected)

	// Each failure rebuilds as initiator until the budget is gone.
	rig.factory.last().fire(core.ConnFailed)
	assert.Equal(t, 2, rig.factory.count())
	rig.factory.last().fire(core.ConnFailed)
	assert.Equal(t, 3, rig.factory.count())
	rig.factory.last().fire(core.ConnFailed)
	assert.Equal(t, 3, rig.factory.count())

	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateFailed, state)
	// Surfaced once, not once per retry.
	assert.Equal(t, 1, rig.status.countOf("b", StateFailed))
	require.Len(t, rig.relay.ofKind(protocol.KindOffer), 3)
}

func TestStaleTransportCallbackIgnored(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 2})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	stale := rig.factory.last()

	rig.coord.HandleEnvelope(envPeerJoined("b")) // peer rejoin replaces the link
	fresh := rig.factory.last()
	require.NotSame(t, stale, fresh)

	// The destroyed link's transport noise changes nothing.
	stale.fire(core.ConnFailed)
	assert.Equal(t, 2, rig.factory.count())
	state, _ := rig.coord.StatusOf("b")
	assert.Equal(t, StateNegotiating, state)
}

func TestPeerLeftClosesLinkAndDropsLateCandidates(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	link := rig.factory.last()
	link.fire(core.ConnConnected)

	rig.coord.HandleEnvelope(protocol.Envelope{Kind: protocol.KindPeerLeft, From: "b"})
	assert.True(t, link.isClosed())
	assert.Equal(t, 0, rig.coord.LinkCount("b"))
	assert.Equal(t, 1, rig.status.countOf("b", StateClosed))

	// A late candidate after peer-left is dropped, not queued: a later
	// offer starts clean.
	rig.coord.HandleEnvelope(envCandidate("b", `{"candidate":"late"}`))
	rig.coord.HandleEnvelope(envOffer("b", `{"type":"offer"}`))
	assert.Empty(t, rig.factory.last().applied())
}

func TestNegotiationTimeoutFailsLink(t *testing.T) {
	rig := newRig(t, "a", Options{NegotiationTimeout: 20 * time.Millisecond, RetryBudget: 0})
	rig.coord.HandleEnvelope(envPeerJoined("b"))

	require.Eventually(t, func() bool {
		state, _ := rig.coord.StatusOf("b")
		return state == StateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestRejoinRebuildsAllKnownPeers(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	rig.coord.HandleEnvelope(envPeerJoined("c"))
	linkB, linkC := rig.factory.links[0], rig.factory.links[1]
	linkB.fire(core.ConnConnected)

	// Relay transport reconnected: the fresh room-state rebuilds every
	// member, and peers gone from the list are closed.
	rig.coord.HandleEnvelope(protocol.Envelope{
		Kind: protocol.KindRoomState,
		To:   "a",
		Members: []domain.Participant{
			{ID: "b"},
			{ID: "d"},
		},
	})

	assert.True(t, linkB.isClosed())
	assert.True(t, linkC.isClosed())
	assert.Equal(t, 1, rig.coord.LinkCount("b"))
	assert.Equal(t, 1, rig.coord.LinkCount("d"))
	assert.Equal(t, 0, rig.coord.LinkCount("c"))
	assert.Equal(t, 1, rig.status.countOf("c", StateClosed))
}

func TestLeaveRoomTearsDownEverything(t *testing.T) {
	rig := newRig(t, "a", Options{RetryBudget: 1})
	rig.coord.HandleEnvelope(envPeerJoined("b"))
	link := rig.factory.last()

	rig.coord.LeaveRoom()
	assert.True(t, link.isClosed())
	assert.Equal(t, 0, rig.coord.LinkCount("b"))
	require.Len(t, rig.media.released, 1)
	leaves := rig.relay.ofKind(protocol.KindLeave)
	assert.Len(t, leaves, 1)
}
