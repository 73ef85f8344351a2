package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

// handlers are the host application's observers. Each slot holds at most one
// callback; setting a new one replaces the previous.
type handlers struct {
	connect   func()
	close     func(error)
	err       func(error)
	candidate func(webrtc.ICECandidateInit)
	offer     func(webrtc.SessionDescription)
	answer    func(webrtc.SessionDescription)
	stream    func(core.RemoteTrack, dcmsg.TrackInfo)
}

// OnConnect fires once, the first time the connection reaches connected.
func (s *Session) OnConnect(f func()) {
	s.mu.Lock()
	s.handlers.connect = f
	s.mu.Unlock()
}

// OnClose fires when the connection closes. err is ErrConnectionFailed when
// the engine reported a failure and nil on a regular close.
func (s *Session) OnClose(f func(err error)) {
	s.mu.Lock()
	s.handlers.close = f
	s.mu.Unlock()
}

func (s *Session) OnError(f func(err error)) {
	s.mu.Lock()
	s.handlers.err = f
	s.mu.Unlock()
}

// OnCandidate fires for every local ICE candidate to be relayed out of band.
func (s *Session) OnCandidate(f func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.handlers.candidate = f
	s.mu.Unlock()
}

// OnOffer fires for local offers not sent over the data channel.
func (s *Session) OnOffer(f func(webrtc.SessionDescription)) {
	s.mu.Lock()
	s.handlers.offer = f
	s.mu.Unlock()
}

// OnAnswer fires for local answers not sent over the data channel.
func (s *Session) OnAnswer(f func(webrtc.SessionDescription)) {
	s.mu.Lock()
	s.handlers.answer = f
	s.mu.Unlock()
}

// OnStream fires for every remote track along with the metadata advertised
// for its transceiver.
func (s *Session) OnStream(f func(core.RemoteTrack, dcmsg.TrackInfo)) {
	s.mu.Lock()
	s.handlers.stream = f
	s.mu.Unlock()
}

func (s *Session) observers() handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

func (s *Session) emitConnect() {
	if h := s.observers().connect; h != nil {
		h()
	}
}

func (s *Session) emitClose(err error) {
	if h := s.observers().close; h != nil {
		h(err)
	}
}

func (s *Session) emitError(err error) {
	if h := s.observers().err; h != nil {
		h(err)
	}
}

func (s *Session) emitCandidate(c webrtc.ICECandidateInit) {
	if h := s.observers().candidate; h != nil {
		h(c)
	}
}

func (s *Session) emitOffer(d webrtc.SessionDescription) {
	if h := s.observers().offer; h != nil {
		h(d)
	}
}

func (s *Session) emitAnswer(d webrtc.SessionDescription) {
	if h := s.observers().answer; h != nil {
		h(d)
	}
}

func (s *Session) emitStream(t core.RemoteTrack, info dcmsg.TrackInfo) {
	if h := s.observers().stream; h != nil {
		h(t, info)
	}
}
