// Package session drives a single peer connection towards the SFU: offer and
// answer exchange, ICE candidate buffering, the signaling lock shared with the
// remote end, local track bookkeeping and dynamic video codec switching.
//
// Observers must be registered before Start. Control messages are handled in
// arrival order on the data channel's goroutine.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/metrics"
)

type Session struct {
	id  core.SessionID
	cfg Config
	pc  core.PeerConnection
	dc  core.DataChannel
	log zerolog.Logger

	// negMu serializes offer/answer steps. Never held while waiting for the
	// signaling lock.
	negMu sync.Mutex

	// mu guards everything below. Never held across engine calls or observers.
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	destroyed    bool
	connected    bool
	makingOffer  bool
	dcNegotiated bool
	candidates   []webrtc.ICECandidateInit
	tracks       map[string]*TrackContext
	mediaMap     dcmsg.MediaMap
	codecSupport dcmsg.CodecSupportMap
	rtt          time.Duration
	lastPing     time.Time
	waiter       *lockWaiter
	connTimer    *time.Timer
	handlers     handlers
}

// New creates the engine connection and the control data channel. Nothing
// runs until Start.
func New(cfg Config, factory core.PeerConnectionFactory) (*Session, error) {
	cfg = cfg.withDefaults()

	pc, err := factory(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(cfg.DataChannelLabel)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	id := core.NewSessionID()
	s := &Session{
		id:           id,
		cfg:          cfg,
		pc:           pc,
		dc:           dc,
		log:          log.With().Str("module", "session").Str("sid", string(id)).Logger(),
		tracks:       make(map[string]*TrackContext),
		mediaMap:     dcmsg.MediaMap{},
		codecSupport: dcmsg.DefaultCodecSupportMap(),
	}

	s.log.Debug().
		Str("dc", cfg.DataChannelLabel).
		Bool("simulcast", cfg.Simulcast).
		Bool("av1", cfg.EnableAV1).
		Bool("dc_signaling", cfg.DCSignaling).
		Msg("created new session")
	return s, nil
}

// Start wires engine callbacks, starts the ping loop and the connection
// timeout, then makes the initial offer. The session stops when ctx is done
// or Destroy is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.connTimer = time.AfterFunc(s.cfg.ConnTimeout, s.onConnTimeout)
	runCtx := s.ctx
	s.mu.Unlock()

	s.pc.OnICECandidate(s.onICECandidate)
	s.pc.OnConnectionStateChange(s.onConnectionStateChange)
	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Debug().Str("state", state.String()).Msg("ICE connection state change")
	})
	s.pc.OnTrack(s.onTrack)
	s.dc.OnOpen(s.onDCOpen)
	s.dc.OnMessage(s.handleControl)

	go s.pingLoop(runCtx)

	// Negotiation is always explicit so it can sit behind the signaling lock.
	s.makeOffer()
	return nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() core.SessionID {
	return s.id
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) onConnTimeout() {
	s.mu.Lock()
	fire := !s.connected && !s.destroyed
	s.mu.Unlock()
	if fire {
		s.log.Warn().Dur("timeout", s.cfg.ConnTimeout).Msg("connection not established in time")
		s.emitError(ErrConnectionTimeout)
	}
}

func (s *Session) onICECandidate(c webrtc.ICECandidateInit) {
	if s.isDestroyed() {
		return
	}
	s.log.Debug().Str("candidate", c.Candidate).Msg("local candidate")
	s.emitCandidate(c)
}

func (s *Session) onConnectionStateChange(state webrtc.PeerConnectionState) {
	if s.isDestroyed() {
		return
	}
	s.log.Debug().Str("state", state.String()).Msg("connection state change")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		first := !s.connected
		s.connected = true
		if first && s.connTimer != nil {
			s.connTimer.Stop()
		}
		s.mu.Unlock()
		if first {
			s.log.Info().Msg("connected")
			s.emitConnect()
		}
	case webrtc.PeerConnectionStateClosed:
		s.emitClose(nil)
	case webrtc.PeerConnectionStateFailed:
		s.log.Error().Msg("connection failed")
		s.emitClose(ErrConnectionFailed)
	}
}

func (s *Session) onTrack(track core.RemoteTrack, mid string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	info := s.mediaMap[mid]
	s.mu.Unlock()

	s.log.Debug().
		Str("track", track.ID()).
		Str("mid", mid).
		Str("sender", info.SenderID).
		Msg("remote track")
	s.emitStream(track, info)
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
				continue
			}
			s.sendPing()
		}
	}
}

// onDCOpen measures the round trip right away instead of waiting a full
// ping interval.
func (s *Session) onDCOpen() {
	if s.isDestroyed() {
		return
	}
	s.log.Debug().Str("dc", s.cfg.DataChannelLabel).Msg("dc open")
	s.sendPing()
}

func (s *Session) sendPing() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
	if err := s.sendControl(dcmsg.TypePing, nil); err != nil {
		s.log.Debug().Err(err).Msg("failed to send ping")
	}
}

func (s *Session) sendControl(mt dcmsg.Type, payload any) error {
	data, err := dcmsg.Encode(mt, payload)
	if err != nil {
		return err
	}
	return s.dc.Send(data)
}

// handleControl dispatches one inbound data channel message. Malformed
// messages are logged and dropped.
func (s *Session) handleControl(data []byte) {
	if s.isDestroyed() {
		return
	}

	msg, err := dcmsg.Decode(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Error().Err(err).Msg("failed to decode dc message")
		return
	}

	switch msg.Type {
	case dcmsg.TypePong:
		s.mu.Lock()
		if !s.lastPing.IsZero() {
			s.rtt = time.Since(s.lastPing)
		}
		s.mu.Unlock()
	case dcmsg.TypeSDP:
		s.log.Debug().Msg("received sdp dc message")
		sdp, _ := msg.Payload.(string)
		if err := s.Signal(sdp); err != nil {
			s.log.Error().Err(err).Msg("failed to signal sdp, unlocking")
			s.unlockSignalingLock()
		}
	case dcmsg.TypeLock:
		granted, _ := msg.Payload.(bool)
		s.log.Debug().Bool("granted", granted).Msg("received lock response")
		s.handleLockResponse(granted)
	case dcmsg.TypeMediaMap:
		mm, _ := msg.Payload.(dcmsg.MediaMap)
		if mm == nil {
			mm = dcmsg.MediaMap{}
		}
		s.log.Debug().Int("entries", len(mm)).Msg("received media map dc message")
		s.mu.Lock()
		s.mediaMap = mm
		s.mu.Unlock()
	case dcmsg.TypeCodecSupportMap:
		cm, _ := msg.Payload.(dcmsg.CodecSupportMap)
		if cm == nil {
			cm = dcmsg.CodecSupportMap{}
		}
		s.log.Debug().Interface("support", cm).Msg("received codec support map dc message")
		s.mu.Lock()
		s.codecSupport = cm
		ctx := s.ctx
		s.mu.Unlock()
		// Lock responses arrive on this goroutine, so the update must not block it.
		go s.applyCodecSupport(ctx, cm)
	default:
		s.log.Warn().Stringer("type", msg.Type).Msg("unexpected dc message type")
	}
}

func (s *Session) applyCodecSupport(ctx context.Context, cm dcmsg.CodecSupportMap) {
	s.log.Debug().Msg("codec support map: grabbing signaling lock")
	if err := s.grabSignalingLock(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to handle codec support update, unlocking")
		s.unlockSignalingLock()
		return
	}

	needsNegotiation, err := s.handleCodecSupportUpdate(cm)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to handle codec support update, unlocking")
		s.unlockSignalingLock()
		return
	}
	s.log.Debug().Bool("renegotiate", needsNegotiation).Msg("codec support update handled")

	// A renegotiation keeps the lock until its answer arrives.
	if !needsNegotiation {
		s.log.Debug().Msg("no negotiation needed, unlocking")
		s.unlockSignalingLock()
	}
}

// HandleMetrics pushes locally computed receive-side metrics to the remote
// end. jitter is in seconds. Negative loss and non-positive jitter are not
// sent; the last ping round trip is sent when one has been measured.
func (s *Session) HandleMetrics(lossRate, jitter float64) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		s.log.Warn().Msg("metrics dropped: session destroyed")
		return ErrDestroyed
	}
	rtt := s.rtt
	s.mu.Unlock()

	send := func(mt dcmsg.Type, v float64) {
		if err := s.sendControl(mt, v); err != nil {
			s.log.Error().Err(err).Stringer("type", mt).Msg("failed to send metrics through dc")
		}
	}
	if lossRate >= 0 {
		send(dcmsg.TypeLossRate, lossRate)
	}
	if rtt > 0 {
		send(dcmsg.TypeRoundTripTime, rtt.Seconds())
	}
	if jitter > 0 {
		send(dcmsg.TypeJitter, jitter)
	}
	return nil
}

// GetStats returns the engine's current statistics snapshot.
func (s *Session) GetStats() (webrtc.StatsReport, error) {
	if s.isDestroyed() {
		return nil, ErrDestroyed
	}
	return s.pc.GetStats(), nil
}

// RTT returns the last data channel ping round trip, zero until measured.
func (s *Session) RTT() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, ErrDestroyed
	}
	return s.rtt, nil
}

// Destroy closes the connection, stops every timer and drops all observers.
// A pending lock attempt fails with ErrDestroyed.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.destroyed = true
	s.connected = false
	s.candidates = nil
	s.tracks = make(map[string]*TrackContext)
	s.mediaMap = dcmsg.MediaMap{}
	s.handlers = handlers{}
	w := s.waiter
	s.waiter = nil
	if s.connTimer != nil {
		s.connTimer.Stop()
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.finish(ErrDestroyed)
	}

	if err := s.dc.Close(); err != nil {
		s.log.Debug().Err(err).Msg("failed to close data channel")
	}
	if err := s.pc.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close peer connection")
	}
	s.log.Info().Msg("session destroyed")
	return nil
}
