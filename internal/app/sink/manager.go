package sink

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

// RelayStats is a point-in-time view of one relay.
type RelayStats struct {
	TrackID  string `json:"track_id"`
	Kind     string `json:"kind"`
	SenderID string `json:"sender_id,omitempty"`
	MimeType string `json:"mime_type"`
	Packets  uint64 `json:"packets"`
	Outputs  int    `json:"outputs"`
}

// Manager owns one relay per remote track ID.
type Manager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewManager() *Manager {
	return &Manager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for track and starts its loop. A relay
// already running for the same track ID is replaced.
func (m *Manager) StartRelay(ctx context.Context, sid core.SessionID, track core.RemoteTrack, info dcmsg.TrackInfo) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(sid)).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, info, cancel)

	m.mu.Lock()
	if old, ok := m.relays[track.ID()]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[track.ID()] = relay
	m.mu.Unlock()

	logger.Info().Str("sender_id", info.SenderID).Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	go m.forget(track.ID(), relay)
	return relay
}

// forget drops relay once its track has ended, unless it was replaced in
// the meantime. A track surfaced again later gets a fresh relay.
func (m *Manager) forget(id string, relay *Relay) {
	<-relay.Done()
	m.mu.Lock()
	if m.relays[id] == relay {
		delete(m.relays, id)
	}
	m.mu.Unlock()
}

// AddOutput attaches an output to the relay of srcID under dst.
func (m *Manager) AddOutput(srcID, dst string, out *Output) bool {
	m.mu.RLock()
	relay, ok := m.relays[srcID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutput(dst, out)
	return true
}

// SetMuted pauses or resumes forwarding into one output. It reports whether
// the output exists.
func (m *Manager) SetMuted(srcID, dst string, muted bool) bool {
	out, ok := m.lookupOutput(srcID, dst)
	if !ok {
		return false
	}
	if muted {
		out.MarkMuted()
	} else {
		out.MarkOk()
	}
	return true
}

// MarkOutputDelete marks an output as TrackStateDelete.
func (m *Manager) MarkOutputDelete(srcID, dst string) {
	if out, ok := m.lookupOutput(srcID, dst); ok {
		out.MarkDelete()
	}
}

func (m *Manager) lookupOutput(srcID, dst string) (*Output, bool) {
	m.mu.RLock()
	relay, ok := m.relays[srcID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.output(dst)
}

// StopRelay stops a relay and removes it from the manager. It reports
// whether a relay was running.
func (m *Manager) StopRelay(srcID string) bool {
	m.mu.Lock()
	relay, ok := m.relays[srcID]
	if ok {
		delete(m.relays, srcID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	relay.markAllDelete()
	relay.cancel()
	return true
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, relay := range relays {
		relay.markAllDelete()
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for the track ID.
func (m *Manager) HasRelay(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}

func (m *Manager) Stats() []RelayStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelayStats, 0, len(m.relays))
	for id, relay := range m.relays {
		relay.mu.RLock()
		outputs := len(relay.outputs)
		relay.mu.RUnlock()
		out = append(out, RelayStats{
			TrackID:  id,
			Kind:     relay.Src.Kind().String(),
			SenderID: relay.Info.SenderID,
			MimeType: relay.Src.Codec().MimeType,
			Packets:  relay.Packets(),
			Outputs:  outputs,
		})
	}
	return out
}
