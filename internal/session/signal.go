package session

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/metrics"
)

// signalMessage is the JSON shape shared by the data channel SDP payload and
// the out-of-band signaling transport.
type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Signal applies remote signaling data: an offer, an answer or an ICE
// candidate.
func (s *Session) Signal(data string) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}

	var msg signalMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	s.log.Debug().Str("type", msg.Type).Msg("handling remote signaling data")

	switch msg.Type {
	case "candidate":
		if msg.Candidate == nil {
			return fmt.Errorf("%w: candidate missing", ErrInvalidSignal)
		}
		s.addRemoteCandidate(*msg.Candidate)
		return nil
	case "offer":
		return s.handleOffer(msg.SDP)
	case "answer":
		return s.handleAnswer(msg.SDP)
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidSignal, msg.Type)
	}
}

func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) {
	// Held so a concurrent remote description cannot flush the queue between
	// the check and the append.
	s.negMu.Lock()
	defer s.negMu.Unlock()

	if s.pc.RemoteDescription() != nil {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Error().Err(err).Msg("failed to add candidate")
		}
		return
	}

	s.log.Debug().Msg("received ice candidate before remote description, queuing")
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	s.mu.Unlock()
}

// flushCandidates must be called with negMu held.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	queued := s.candidates
	s.candidates = nil
	s.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	s.log.Debug().Int("count", len(queued)).Msg("flushing queued candidates")
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Error().Err(err).Msg("failed to add queued candidate")
		}
	}
}

func (s *Session) handleOffer(sdp string) error {
	s.mu.Lock()
	makingOffer := s.makingOffer
	s.mu.Unlock()
	if makingOffer || s.pc.SignalingState() != webrtc.SignalingStateStable {
		// Both sides offering should be prevented by the signaling lock.
		s.log.Warn().Bool("making_offer", makingOffer).Msg("signaling conflict, proceeding")
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	local := s.pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	s.log.Debug().Msg("generated local answer")
	s.deliverLocalDescription(*local)
	return nil
}

func (s *Session) handleAnswer(sdp string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flushCandidates()

	s.mu.Lock()
	first := !s.dcNegotiated
	s.dcNegotiated = true
	s.mu.Unlock()

	// The first answer establishes the data channel itself; it was never locked.
	if first {
		s.log.Debug().Msg("data channel negotiated")
		return nil
	}

	if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.log.Warn().Msg("dc not open upon receiving answer")
	}
	s.log.Debug().Msg("handled remote answer, unlocking")
	s.unlockSignalingLock()
	return nil
}

// makeOffer runs one offer cycle. Failures are surfaced as error events and
// release the signaling lock.
func (s *Session) makeOffer() {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.makingOffer = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.makingOffer = false
		s.mu.Unlock()
	}()

	offer, err := s.pc.CreateOffer()
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		err = fmt.Errorf("create offer: %w", err)
		s.log.Error().Err(err).Msg("failed to create offer, unlocking")
		s.emitError(err)
		s.unlockSignalingLock()
		return
	}
	metrics.Renegotiations.Inc()

	local := s.pc.LocalDescription()
	if local == nil {
		local = &offer
	}
	s.log.Debug().Msg("generated local offer")
	s.deliverLocalDescription(*local)
}

// deliverLocalDescription sends desc over the data channel when configured
// and open, otherwise hands it to the offer or answer observer.
func (s *Session) deliverLocalDescription(desc webrtc.SessionDescription) {
	if s.cfg.DCSignaling && s.dc.ReadyState() == webrtc.DataChannelStateOpen {
		s.log.Debug().Str("type", desc.Type.String()).Msg("sending local description through data channel")
		if err := s.sendControl(dcmsg.TypeSDP, desc); err != nil {
			s.log.Error().Err(err).Msg("failed to send on data channel")
		}
		return
	}

	if s.cfg.DCSignaling {
		s.log.Debug().Str("type", desc.Type.String()).Msg("dc not connected, emitting local description")
	}
	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		s.emitAnswer(desc)
	default:
		s.emitOffer(desc)
	}
}
