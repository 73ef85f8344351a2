package session

import (
	"sort"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

// State is a point-in-time view of the session for diagnostics.
type State struct {
	ID               core.SessionID        `json:"id"`
	Destroyed        bool                  `json:"destroyed"`
	Connected        bool                  `json:"connected"`
	ConnectionState  string                `json:"connection_state"`
	MakingOffer      bool                  `json:"making_offer"`
	DCNegotiated     bool                  `json:"dc_negotiated"`
	LockPending      bool                  `json:"lock_pending"`
	QueuedCandidates int                   `json:"queued_candidates"`
	Tracks           []string              `json:"tracks"`
	MediaMap         dcmsg.MediaMap        `json:"media_map"`
	CodecSupport     dcmsg.CodecSupportMap `json:"codec_support"`
	RTTMs            float64               `json:"rtt_ms"`
}

func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		ID:               s.id,
		Destroyed:        s.destroyed,
		Connected:        s.connected,
		MakingOffer:      s.makingOffer,
		DCNegotiated:     s.dcNegotiated,
		LockPending:      s.waiter != nil,
		QueuedCandidates: len(s.candidates),
		Tracks:           make([]string, 0, len(s.tracks)),
		MediaMap:         make(dcmsg.MediaMap, len(s.mediaMap)),
		CodecSupport:     make(dcmsg.CodecSupportMap, len(s.codecSupport)),
		RTTMs:            float64(s.rtt.Microseconds()) / 1000,
	}
	for id := range s.tracks {
		st.Tracks = append(st.Tracks, id)
	}
	for mid, info := range s.mediaMap {
		st.MediaMap[mid] = info
	}
	for mime, lvl := range s.codecSupport {
		st.CodecSupport[mime] = lvl
	}
	destroyed := s.destroyed
	s.mu.Unlock()

	sort.Strings(st.Tracks)
	if !destroyed {
		st.ConnectionState = s.pc.ConnectionState().String()
	}
	return st
}
