package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

type regEntry struct {
	Meta   *domain.Participant
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks every live signal connection by participant id.
// Room membership lives in the Directory; the registry only answers
// "who is connected and how do I reach them".
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.ParticipantID]*regEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.ParticipantID]*regEntry)}
}

func (r *Registry) Bind(id domain.ParticipantID, conn core.SignalConnection, cancel context.CancelFunc) *domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta := &domain.Participant{ID: id}
	r.entries[id] = &regEntry{Meta: meta, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("pid", string(id)).Msg("bound connection")
	return meta
}

func (r *Registry) Unbind(id domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	log.Info().Str("module", "app.registry").Str("pid", string(id)).Msg("unbound connection")
}

func (r *Registry) Conn(id domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Meta(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return *e.Meta, true
	}
	return domain.Participant{}, false
}

func (r *Registry) SetDisplayName(id domain.ParticipantID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.Meta.SetDisplayName(name)
}

// Cancel tears down the session bound to id, which unwinds its pumps
// and eventually calls Unbind.
func (r *Registry) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("pid", string(id)).Msg("canceled session")
	return true
}
