package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/app/sink"
	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

func (o *Orchestrator) bindSignaling() {
	sendDescription := func(d webrtc.SessionDescription) {
		if err := o.Signal.SendDescription(d); err != nil {
			o.log.Error().Err(err).Str("type", d.Type.String()).Msg("failed to send description")
		}
	}
	o.Peer.OnOffer(sendDescription)
	o.Peer.OnAnswer(sendDescription)
	o.Peer.OnCandidate(func(ci webrtc.ICECandidateInit) {
		if err := o.Signal.SendCandidate(ci); err != nil {
			o.log.Error().Err(err).Msg("failed to send candidate")
		}
	})
	o.Signal.OnSignal(func(data string) {
		if err := o.Peer.Signal(data); err != nil {
			o.log.Error().Err(err).Msg("failed to apply remote signal")
		}
	})
}

func (o *Orchestrator) bindMedia() {
	o.Peer.OnStream(o.OnStream)
}

// OnStream is called when a remote track appears or is surfaced again after
// a codec switch.
func (o *Orchestrator) OnStream(track core.RemoteTrack, info dcmsg.TrackInfo) {
	if o.Relays == nil {
		return
	}
	if o.Relays.HasRelay(track.ID()) {
		o.log.Debug().Str("track_id", track.ID()).Msg("OnStream: relay already running")
		return
	}
	o.Relays.StartRelay(o.ctx, o.Peer.ID(), track, info)

	if o.Loopback {
		go o.startLoopback(track)
	}
}

// startLoopback sends track back to the SFU. It blocks on the signaling lock
// and so runs on its own goroutine.
func (o *Orchestrator) startLoopback(track core.RemoteTrack) {
	local, err := sink.NewLoopbackTrack(track)
	if err != nil {
		o.log.Error().Err(err).Str("track_id", track.ID()).Msg("loopback track")
		return
	}
	if !o.Relays.AddOutput(track.ID(), sink.LoopbackOutput, sink.NewOutput(local)) {
		return
	}
	if err := o.Peer.AddTrack(o.ctx, local, nil); err != nil {
		o.log.Error().Err(err).Str("track_id", track.ID()).Msg("failed to publish loopback track")
		o.Relays.MarkOutputDelete(track.ID(), sink.LoopbackOutput)
		return
	}
	o.log.Info().Str("track_id", track.ID()).Str("loopback_id", local.ID()).Msg("loopback published")
}
