// Package peer implements the participant side of the mesh: one
// negotiation coordinator per local participant, one peer link state
// machine per remote participant in the room.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

// RelaySender is the outbound half of the relay connection. Sends are
// fire-and-forget; the relay gives no delivery acknowledgment.
type RelaySender interface {
	Send(protocol.Envelope) error
}

// StatusFunc receives per-peer link status transitions. It must not
// call back into the Coordinator.
type StatusFunc func(domain.ParticipantID, LinkState)

type Options struct {
	// NegotiationTimeout bounds how long a link may sit in Negotiating
	// before it is treated as failed. Zero disables the timer.
	NegotiationTimeout time.Duration
	// RetryBudget is how many times a failed link is rebuilt before the
	// failure is surfaced and left alone.
	RetryBudget int
}

// Coordinator owns the peer-link table for one local participant. All
// state transitions happen under its mutex, so a replacement link is
// never observable as "no link".
type Coordinator struct {
	self    domain.ParticipantID
	relay   RelaySender
	factory core.LinkFactory
	media   core.MediaSource
	opts    Options

	onStatus StatusFunc

	mu      sync.Mutex
	room    domain.RoomID
	src     core.TrackSource
	links   map[domain.ParticipantID]*peerLink
	known   map[domain.ParticipantID]string
	orphans map[domain.ParticipantID][]json.RawMessage
	epochs  uint64
	closed  bool
}

func NewCoordinator(self domain.ParticipantID, relay RelaySender, factory core.LinkFactory, media core.MediaSource, opts Options, onStatus StatusFunc) *Coordinator {
	return &Coordinator{
		self:     self,
		relay:    relay,
		factory:  factory,
		media:    media,
		opts:     opts,
		onStatus: onStatus,
		links:    make(map[domain.ParticipantID]*peerLink),
		known:    make(map[domain.ParticipantID]string),
		orphans:  make(map[domain.ParticipantID][]json.RawMessage),
	}
}

// JoinRoom acquires local media and announces presence. A capture
// failure aborts the join entirely; there is no partial membership.
func (c *Coordinator) JoinRoom(roomID domain.RoomID, displayName string, kind core.MediaKind) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	src, err := c.media.Acquire(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	c.room = roomID
	c.src = src
	c.mu.Unlock()

	return c.Announce(displayName)
}

// Announce sends the join envelope. Called once on JoinRoom and again
// by the relay adapter after every transport reconnect; the directory
// treats repeats as idempotent.
func (c *Coordinator) Announce(displayName string) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	return c.relay.Send(protocol.Envelope{
		Kind:        protocol.KindJoin,
		Room:        room,
		DisplayName: displayName,
	})
}

// HandleEnvelope applies one inbound relay message. Messages from the
// same remote peer must be fed in relay order.
func (c *Coordinator) HandleEnvelope(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch env.Kind {
	case protocol.KindRoomState:
		if env.To != "" {
			// The relay tells us the id it asserts for us.
			c.self = env.To
		}
		c.handleRoomState(env.Members)
	case protocol.KindPeerJoined:
		c.handlePeerJoined(env.From, env.DisplayName)
	case protocol.KindPeerLeft:
		c.handlePeerLeft(env.From)
	case protocol.KindOffer:
		c.handleOffer(env.From, env.Signal)
	case protocol.KindAnswer:
		c.handleAnswer(env.From, env.Signal)
	case protocol.KindCandidate:
		c.handleCandidate(env.From, env.Candidate)
	case protocol.KindPong, protocol.KindError:
	default:
		log.Warn().Str("module", "peer").Str("kind", string(env.Kind)).Msg("unexpected envelope")
	}
}

// handleRoomState processes the member list returned on join. On a
// first join we stay passive: existing members saw our peer-joined and
// will offer. If we already hold links the relay transport must have
// reconnected; stale links are not reusable, so every known peer is
// rebuilt from scratch with us as initiator.
func (c *Coordinator) handleRoomState(members []domain.Participant) {
	rejoin := len(c.links) > 0
	present := make(map[domain.ParticipantID]struct{}, len(members))
	for _, m := range members {
		present[m.ID] = struct{}{}
		c.known[m.ID] = m.DisplayName
	}
	if !rejoin {
		return
	}
	for id, pl := range c.links {
		if _, ok := present[id]; !ok {
			pl.destroy()
			delete(c.links, id)
			delete(c.known, id)
			delete(c.orphans, id)
			c.notify(id, StateClosed)
		}
	}
	for id := range present {
		c.startInitiator(id, 0)
	}
}

// handlePeerJoined starts negotiation with a newly present peer. Seeing
// it for a peer we already hold a link to means the peer dropped and
// rejoined; the old link is useless and is replaced.
func (c *Coordinator) handlePeerJoined(id domain.ParticipantID, displayName string) {
	if id == c.self {
		return
	}
	c.known[id] = displayName
	c.startInitiator(id, 0)
}

func (c *Coordinator) handlePeerLeft(id domain.ParticipantID) {
	delete(c.known, id)
	delete(c.orphans, id)
	pl, ok := c.links[id]
	if !ok {
		return
	}
	pl.destroy()
	delete(c.links, id)
	c.notify(id, StateClosed)
	log.Info().Str("module", "peer").Str("remote", string(id)).Msg("peer left, link closed")
}

func (c *Coordinator) handleOffer(from domain.ParticipantID, signal json.RawMessage) {
	if _, ok := c.known[from]; !ok {
		// An offer implies presence even if peer-joined raced behind it.
		c.known[from] = ""
	}
	pl, ok := c.links[from]
	if ok && pl.role == core.RoleInitiator {
		switch pl.state {
		case StateNegotiating, StateConnected:
			// Glare: both sides offered. The lexicographically smaller id
			// yields and answers; the other side ignores the incoming
			// offer and waits for its own answer.
			if c.self < from {
				log.Info().Str("module", "peer").Str("remote", string(from)).Msg("glare, yielding to remote offer")
				break
			}
			log.Info().Str("module", "peer").Str("remote", string(from)).Msg("glare, ignoring remote offer")
			return
		}
	}
	c.startResponder(from, signal)
}

func (c *Coordinator) handleAnswer(from domain.ParticipantID, signal json.RawMessage) {
	pl, ok := c.links[from]
	if !ok || pl.role != core.RoleInitiator {
		log.Debug().Str("module", "peer").Str("remote", string(from)).Msg("stale answer dropped")
		return
	}
	if pl.state != StateNegotiating {
		// Duplicate answer for an already connected link. Idempotent.
		return
	}
	if err := pl.link.ApplyAnswer(signal); err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(from)).Msg("apply answer")
		c.fail(pl)
		return
	}
	pl.drain(func(err error) {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(from)).Msg("deferred candidate rejected")
	})
}

// handleCandidate applies the candidate if the link can take it, defers
// it if the link is not ready, and keeps it aside if the link does not
// exist yet. Candidates for peers that are not present are dropped.
func (c *Coordinator) handleCandidate(from domain.ParticipantID, candidate json.RawMessage) {
	if pl, ok := c.links[from]; ok && pl.state != StateClosed {
		if pl.link.HasRemoteDescription() {
			if err := pl.link.AddCandidate(candidate); err != nil {
				log.Warn().Err(err).Str("module", "peer").Str("remote", string(from)).Msg("candidate rejected")
			}
			return
		}
		pl.enqueue(candidate)
		return
	}
	if _, present := c.known[from]; present {
		c.orphans[from] = append(c.orphans[from], candidate)
		return
	}
	log.Debug().Str("module", "peer").Str("remote", string(from)).Msg("late candidate dropped")
}

// startInitiator replaces any existing link with a fresh initiator link
// and sends an offer. retries carries the consumed retry budget across
// recovery rebuilds.
func (c *Coordinator) startInitiator(id domain.ParticipantID, retries int) {
	pl, err := c.createLink(id, core.RoleInitiator)
	if err != nil {
		return
	}
	pl.retries = retries
	offer, err := pl.link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(id)).Msg("create offer")
		c.fail(pl)
		return
	}
	c.sendSignal(protocol.KindOffer, id, offer)
	c.notify(id, StateNegotiating)
}

func (c *Coordinator) startResponder(id domain.ParticipantID, offer json.RawMessage) {
	pl, err := c.createLink(id, core.RoleResponder)
	if err != nil {
		return
	}
	answer, err := pl.link.CreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(id)).Msg("create answer")
		c.fail(pl)
		return
	}
	c.sendSignal(protocol.KindAnswer, id, answer)
	pl.drain(func(err error) {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(id)).Msg("deferred candidate rejected")
	})
	c.notify(id, StateNegotiating)
}

// createLink atomically replaces the link table entry: the old link is
// destroyed and the new one stored in the same critical section, so no
// observer ever sees two live links, or none, for the pair.
func (c *Coordinator) createLink(id domain.ParticipantID, role core.Role) (*peerLink, error) {
	if old, ok := c.links[id]; ok {
		old.destroy()
		delete(c.links, id)
	}
	l, err := c.factory.NewLink(role, c.src)
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(id)).Msg("new link")
		c.notify(id, StateFailed)
		return nil, err
	}
	c.epochs++
	pl := &peerLink{
		remote: id,
		role:   role,
		state:  StateNegotiating,
		link:   l,
		epoch:  c.epochs,
	}
	c.links[id] = pl

	// Adopt candidates that raced ahead of link creation.
	if queued := c.orphans[id]; len(queued) > 0 {
		pl.pending = append(pl.pending, queued...)
		delete(c.orphans, id)
	}

	epoch := pl.epoch
	l.OnCandidate(func(cand json.RawMessage) {
		c.onLocalCandidate(id, epoch, cand)
	})
	l.OnConnState(func(s core.ConnState) {
		c.onConnState(id, epoch, s)
	})
	if c.opts.NegotiationTimeout > 0 {
		time.AfterFunc(c.opts.NegotiationTimeout, func() {
			c.onNegotiationTimeout(id, epoch)
		})
	}
	return pl, nil
}

// live reports the link iff it is still the current instance for id.
func (c *Coordinator) live(id domain.ParticipantID, epoch uint64) (*peerLink, bool) {
	pl, ok := c.links[id]
	if !ok || pl.epoch != epoch || pl.state == StateClosed {
		return nil, false
	}
	return pl, true
}

func (c *Coordinator) onLocalCandidate(id domain.ParticipantID, epoch uint64, cand json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live(id, epoch); !ok {
		return
	}
	c.sendSignal(protocol.KindCandidate, id, cand)
}

func (c *Coordinator) onConnState(id domain.ParticipantID, epoch uint64, s core.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.live(id, epoch)
	if !ok {
		return
	}
	switch s {
	case core.ConnConnected:
		if pl.state == StateNegotiating {
			pl.state = StateConnected
			pl.retries = 0
			c.notify(id, StateConnected)
		}
	case core.ConnDisconnected, core.ConnFailed:
		if pl.state == StateNegotiating || pl.state == StateConnected {
			log.Warn().Str("module", "peer").Str("remote", string(id)).Str("conn", s.String()).Msg("transport lost")
			c.fail(pl)
		}
	}
}

func (c *Coordinator) onNegotiationTimeout(id domain.ParticipantID, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.live(id, epoch)
	if !ok || pl.state != StateNegotiating {
		return
	}
	log.Warn().Str("module", "peer").Str("remote", string(id)).Msg("negotiation timeout")
	c.fail(pl)
}

// fail recovers a broken link by rebuilding it as initiator until the
// retry budget runs out, then parks it in Failed. The failure is
// surfaced once, not once per attempt.
func (c *Coordinator) fail(pl *peerLink) {
	retries := pl.retries
	id := pl.remote
	if retries >= c.opts.RetryBudget {
		pl.state = StateFailed
		c.notify(id, StateFailed)
		log.Error().Str("module", "peer").Str("remote", string(id)).Int("retries", retries).Msg("retry budget exhausted")
		return
	}
	c.startInitiator(id, retries+1)
}

// SwitchSource replaces the local outgoing media (camera ↔ screen
// share). Connected links renegotiate: the set of outgoing tracks
// changed, so each pair runs a fresh offer/answer cycle. Links still
// mid-negotiation get the new track swapped onto their pending sender
// instead, so the handshake in flight completes on the new source. The
// old source is released only after no live link references it.
func (c *Coordinator) SwitchSource(kind core.MediaKind) error {
	src, err := c.media.Acquire(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	old := c.src
	c.src = src
	for id, pl := range c.links {
		switch pl.state {
		case StateConnected:
			pl.state = StateRenegotiating
			c.notify(id, StateRenegotiating)
			c.startInitiator(id, 0)
		case StateNegotiating, StateRenegotiating:
			if err := pl.link.ReplaceOutgoingTrack(src); err != nil {
				log.Warn().Err(err).Str("module", "peer").Str("remote", string(id)).Msg("track swap failed, rebuilding link")
				c.startInitiator(id, pl.retries)
			}
		}
	}
	c.mu.Unlock()

	if old != nil {
		c.media.Release(old)
	}
	return nil
}

// SetMuted flips the enabled flag on the current track set. Purely
// local; no link is touched and nothing is signaled.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	if src != nil {
		src.SetEnabled(!muted)
	}
}

// LeaveRoom tears down every link and tells the directory.
func (c *Coordinator) LeaveRoom() {
	c.mu.Lock()
	for id, pl := range c.links {
		pl.destroy()
		delete(c.links, id)
		c.notify(id, StateClosed)
	}
	c.known = make(map[domain.ParticipantID]string)
	c.orphans = make(map[domain.ParticipantID][]json.RawMessage)
	src := c.src
	c.src = nil
	c.room = ""
	c.mu.Unlock()

	if src != nil {
		c.media.Release(src)
	}
	if err := c.relay.Send(protocol.Envelope{Kind: protocol.KindLeave}); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("leave send failed")
	}
}

// Close is LeaveRoom plus a terminal latch.
func (c *Coordinator) Close() {
	c.LeaveRoom()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// StatusOf reports the current state of the link to one remote peer.
func (c *Coordinator) StatusOf(id domain.ParticipantID) (LinkState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pl, ok := c.links[id]
	if !ok {
		return StateIdle, false
	}
	return pl.state, true
}

// LinkCount reports how many live link instances exist for the pair:
// always 0 or 1.
func (c *Coordinator) LinkCount(id domain.ParticipantID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pl, ok := c.links[id]; ok && pl.state != StateClosed {
		return 1
	}
	return 0
}

func (c *Coordinator) sendSignal(kind protocol.Kind, to domain.ParticipantID, payload json.RawMessage) {
	env := protocol.Envelope{Kind: kind, From: c.self, To: to, Room: c.room}
	if kind == protocol.KindCandidate {
		env.Candidate = payload
	} else {
		env.Signal = payload
	}
	if err := c.relay.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("kind", string(kind)).Str("to", string(to)).Msg("relay send failed")
	}
}

func (c *Coordinator) notify(id domain.ParticipantID, s LinkState) {
	if c.onStatus != nil {
		c.onStatus(id, s)
	}
}
