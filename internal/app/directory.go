package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
)

// Directory maps rooms to their current member sets and routes addressed
// envelopes between members. Payloads are never inspected or stored
// beyond their destination address.
type Directory struct {
	Registry *Registry
	Policy   Policy

	mu       sync.RWMutex
	rooms    map[domain.RoomID]map[domain.ParticipantID]struct{}
	byMember map[domain.ParticipantID]domain.RoomID
}

func NewDirectory(reg *Registry, policy Policy) *Directory {
	return &Directory{
		Registry: reg,
		Policy:   policy,
		rooms:    make(map[domain.RoomID]map[domain.ParticipantID]struct{}),
		byMember: make(map[domain.ParticipantID]domain.RoomID),
	}
}

// Join adds the participant to the room and returns the members that were
// already there. Joining the same room again is idempotent; joining a
// different room leaves the previous one first (single active membership).
// An invalid room id is a silent no-op.
func (d *Directory) Join(id domain.ParticipantID, roomID domain.RoomID, displayName string) []domain.Participant {
	if err := domain.ValidateRoomID(roomID); err != nil {
		log.Warn().Str("module", "app.directory").Str("pid", string(id)).Err(err).Msg("join ignored")
		return nil
	}
	if displayName != "" {
		if err := d.Registry.SetDisplayName(id, displayName); err != nil {
			log.Warn().Str("module", "app.directory").Str("pid", string(id)).Err(err).Msg("display name rejected")
		}
	}

	d.mu.Lock()
	var formerMates []domain.ParticipantID
	if prev, ok := d.byMember[id]; ok && prev != roomID {
		formerMates = d.removeLocked(id, prev)
	}
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[domain.ParticipantID]struct{})
		d.rooms[roomID] = members
		log.Info().Str("module", "app.directory").Str("room", string(roomID)).Msg("room created")
	}
	_, already := members[id]
	members[id] = struct{}{}
	d.byMember[id] = roomID
	others := make([]domain.ParticipantID, 0, len(members)-1)
	for mid := range members {
		if mid != id {
			others = append(others, mid)
		}
	}
	d.mu.Unlock()

	if len(formerMates) > 0 {
		d.broadcast(formerMates, protocol.Envelope{Kind: protocol.KindPeerLeft, From: id})
	}

	snapshot := make([]domain.Participant, 0, len(others))
	for _, mid := range others {
		if meta, ok := d.Registry.Meta(mid); ok {
			snapshot = append(snapshot, meta)
		}
	}

	if !already {
		meta, _ := d.Registry.Meta(id)
		d.broadcast(others, protocol.Envelope{
			Kind:        protocol.KindPeerJoined,
			From:        id,
			DisplayName: meta.DisplayName,
		})
		log.Info().Str("module", "app.directory").Str("pid", string(id)).Str("room", string(roomID)).Int("peers", len(others)).Msg("joined")
	}
	return snapshot
}

// Relay forwards an opaque signal payload to one member of the sender's
// room. From is asserted by the caller from the authenticated session,
// never from the payload. Unreachable destinations drop the message;
// the eventual peer-left event is the authoritative signal.
func (d *Directory) Relay(kind protocol.Kind, from, to domain.ParticipantID, payload json.RawMessage) {
	if !kind.IsSignal() {
		log.Warn().Str("module", "app.directory").Str("kind", string(kind)).Msg("relay refused non-signal kind")
		return
	}
	d.mu.RLock()
	fromRoom, okFrom := d.byMember[from]
	toRoom, okTo := d.byMember[to]
	d.mu.RUnlock()
	if !okFrom || !okTo || fromRoom != toRoom {
		log.Debug().Str("module", "app.directory").Str("from", string(from)).Str("to", string(to)).Msg("relay dropped, destination not present")
		return
	}

	env := protocol.Envelope{Kind: kind, From: from, To: to}
	if kind == protocol.KindCandidate {
		env.Candidate = payload
	} else {
		env.Signal = payload
	}
	d.broadcast([]domain.ParticipantID{to}, env)
}

// Leave removes the participant from its room, tells former room-mates,
// and deletes the room once empty. Safe to call for unknown ids.
func (d *Directory) Leave(id domain.ParticipantID) {
	d.mu.Lock()
	roomID, ok := d.byMember[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	remaining := d.removeLocked(id, roomID)
	d.mu.Unlock()

	d.broadcast(remaining, protocol.Envelope{Kind: protocol.KindPeerLeft, From: id})
	log.Info().Str("module", "app.directory").Str("pid", string(id)).Str("room", string(roomID)).Msg("left")
}

// removeLocked needs d.mu held. Returns the remaining members.
func (d *Directory) removeLocked(id domain.ParticipantID, roomID domain.RoomID) []domain.ParticipantID {
	delete(d.byMember, id)
	members := d.rooms[roomID]
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, roomID)
		log.Info().Str("module", "app.directory").Str("room", string(roomID)).Msg("room destroyed")
		return nil
	}
	out := make([]domain.ParticipantID, 0, len(members))
	for mid := range members {
		out = append(out, mid)
	}
	return out
}

// RoomOf reports the current room of a participant, if any.
func (d *Directory) RoomOf(id domain.ParticipantID) (domain.RoomID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.byMember[id]
	return roomID, ok
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

func (d *Directory) Rooms() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for id, members := range d.rooms {
		out = append(out, RoomInfo{ID: id, MemberCount: len(members)})
	}
	return out
}

func (d *Directory) broadcast(to []domain.ParticipantID, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.directory").Msg("encode envelope")
		return
	}
	for _, id := range to {
		conn, ok := d.Registry.Conn(id)
		if !ok {
			continue
		}
		if err := conn.TrySend(core.Frame(data)); err != nil {
			log.Warn().Str("module", "app.directory").Str("pid", string(id)).Err(err).Msg("send failed")
			if d.Policy != nil && d.Policy.OnBackpressure(id) == KickMember {
				d.Registry.Cancel(id)
			}
		}
	}
}
