package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callpeer/internal/app/sink"
	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/monitor"
	"github.com/dkeye/callpeer/internal/session"
)

// Peer is the call leg driven by the orchestrator; *session.Session in production.
type Peer interface {
	ID() core.SessionID
	Start(ctx context.Context) error
	Signal(data string) error
	AddTrack(ctx context.Context, track webrtc.TrackLocal, opts *session.TrackOptions) error
	State() session.State
	Destroy() error

	OnConnect(func())
	OnClose(func(err error))
	OnError(func(err error))
	OnCandidate(func(webrtc.ICECandidateInit))
	OnOffer(func(webrtc.SessionDescription))
	OnAnswer(func(webrtc.SessionDescription))
	OnStream(func(core.RemoteTrack, dcmsg.TrackInfo))
}

// QualityMonitor is satisfied by *monitor.Monitor.
type QualityMonitor interface {
	Start(ctx context.Context)
	Stop()
	OnQuality(func(mos float64))
	Last() (monitor.QualityEstimate, bool)
}

// Signaler is the out-of-band signaling transport.
type Signaler interface {
	OnSignal(func(data string))
	SendDescription(webrtc.SessionDescription) error
	SendCandidate(webrtc.ICECandidateInit) error
	Run(ctx context.Context) error
	Close()
}

type Orchestrator struct {
	Peer     Peer
	Monitor  QualityMonitor
	Signal   Signaler
	Relays   *sink.Manager
	Loopback bool

	log      zerolog.Logger
	ctx      context.Context
	closeErr chan error
	once     sync.Once
}

func New(peer Peer, mon QualityMonitor, sig Signaler, relays *sink.Manager, loopback bool) *Orchestrator {
	return &Orchestrator{
		Peer:     peer,
		Monitor:  mon,
		Signal:   sig,
		Relays:   relays,
		Loopback: loopback,
		log:      log.With().Str("module", "orch").Str("sid", string(peer.ID())).Logger(),
		closeErr: make(chan error, 1),
	}
}

// Run starts the call and blocks until ctx is done, the connection closes or
// signaling fails. Everything is torn down before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer o.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	o.ctx = gctx

	o.bindSignaling()
	o.bindMedia()
	o.bindLifecycle()

	if err := o.Peer.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		err := o.Signal.Run(gctx)
		if err == nil && gctx.Err() == nil {
			o.log.Info().Msg("signaling closed")
		}
		cancel()
		return err
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-o.closeErr:
			cancel()
			return err
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) bindLifecycle() {
	o.Peer.OnConnect(func() {
		o.log.Info().Msg("call connected, starting monitor")
		o.Monitor.Start(o.ctx)
	})
	o.Peer.OnClose(func(err error) {
		o.log.Info().AnErr("reason", err).Msg("call closed")
		select {
		case o.closeErr <- err:
		default:
		}
	})
	o.Peer.OnError(func(err error) {
		o.log.Error().Err(err).Msg("session error")
	})
	o.Monitor.OnQuality(func(mos float64) {
		if mos < monitor.MOSThreshold {
			o.log.Warn().Float64("mos", mos).Msg("poor call quality")
			return
		}
		o.log.Debug().Float64("mos", mos).Msg("call quality")
	})
}

func (o *Orchestrator) shutdown() {
	o.once.Do(func() {
		o.Monitor.Stop()
		if o.Relays != nil {
			o.Relays.StopAll()
		}
		if err := o.Peer.Destroy(); err != nil && !errors.Is(err, session.ErrDestroyed) {
			o.log.Error().Err(err).Msg("destroy session")
		}
		o.Signal.Close()
		o.log.Info().Msg("orchestrator stopped")
	})
}

// Quality returns the last quality estimate, if one was computed.
func (o *Orchestrator) Quality() (monitor.QualityEstimate, bool) {
	return o.Monitor.Last()
}

func (o *Orchestrator) SessionState() session.State {
	return o.Peer.State()
}

func (o *Orchestrator) RelayStats() []sink.RelayStats {
	if o.Relays == nil {
		return nil
	}
	return o.Relays.Stats()
}

// SetOutputMuted pauses or resumes one relay output, e.g. the loopback copy.
func (o *Orchestrator) SetOutputMuted(trackID, output string, muted bool) bool {
	if o.Relays == nil {
		return false
	}
	ok := o.Relays.SetMuted(trackID, output, muted)
	if ok {
		o.log.Info().Str("track_id", trackID).Str("output", output).Bool("muted", muted).Msg("relay output updated")
	}
	return ok
}

// StopRelay stops draining a remote track until it is surfaced again.
func (o *Orchestrator) StopRelay(trackID string) bool {
	if o.Relays == nil {
		return false
	}
	ok := o.Relays.StopRelay(trackID)
	if ok {
		o.log.Info().Str("track_id", trackID).Msg("relay stopped")
	}
	return ok
}
