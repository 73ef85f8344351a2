package session

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/metrics"
)

// handleCodecSupportUpdate moves every outgoing video track to AV1 when the
// whole call can decode it and back to VP8 otherwise. It reports whether a
// renegotiation was started, in which case the signaling lock stays held.
// The caller holds the signaling lock.
func (s *Session) handleCodecSupportUpdate(support dcmsg.CodecSupportMap) (bool, error) {
	av1, ok := s.pc.VideoCodec(dcmsg.MimeTypeAV1)
	if !ok {
		s.log.Debug().Msg("AV1 not supported locally, nothing to switch")
		return false, nil
	}
	vp8, ok := s.pc.VideoCodec(webrtc.MimeTypeVP8)
	if !ok {
		s.log.Error().Msg("VP8 not supported locally")
		return false, nil
	}

	// Partial support counts as none: only one encoding is ever sent.
	av1Call := support[dcmsg.MimeTypeAV1] == dcmsg.CodecSupportFull
	target := vp8
	if av1Call {
		target = av1
	}

	needsNegotiation := false
	for _, tctx := range s.trackSnapshot() {
		current := tctx.Sender.Track()
		if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		codecs := tctx.Sender.Codecs()
		if len(codecs) == 0 || sameMime(codecs[0].MimeType, target.MimeType) {
			continue
		}

		s.log.Debug().
			Str("track", tctx.Track.ID()).
			Str("from", codecs[0].MimeType).
			Str("to", target.MimeType).
			Bool("av1_call", av1Call).
			Msg("switching video encoder")
		if err := s.switchCodecForTrack(tctx, target); err != nil {
			return needsNegotiation, fmt.Errorf("switch %s to %s: %w", tctx.Track.ID(), target.MimeType, err)
		}
		metrics.CodecSwitches.WithLabelValues(target.MimeType).Inc()
		needsNegotiation = true
	}

	s.reemitReceiver(target.MimeType)

	if needsNegotiation {
		s.makeOffer()
	}
	return needsNegotiation, nil
}

// switchCodecForTrack pauses the current sender, then resumes on an idle
// sender already set up for target or on a new one forced to target.
func (s *Session) switchCodecForTrack(tctx TrackContext, target webrtc.RTPCodecParameters) error {
	if err := tctx.Sender.ReplaceTrack(nil); err != nil {
		return err
	}

	// An emptied layered sender cannot take its track back, so layered
	// tracks always get a new one.
	layered := tctx.Opts != nil && len(tctx.Opts.Layers) > 0

	var idle core.Sender
	for _, sender := range s.pc.Senders() {
		if layered || sender.Track() != nil {
			continue
		}
		codecs := sender.Codecs()
		if len(codecs) > 0 && sameMime(codecs[0].MimeType, target.MimeType) {
			idle = sender
			break
		}
	}

	if idle != nil {
		s.log.Debug().Str("codec", target.MimeType).Msg("sender already exists, replacing track")
		if err := idle.ReplaceTrack(tctx.Track); err != nil {
			return err
		}
		s.mu.Lock()
		tctx.Sender = idle
		s.tracks[tctx.Track.ID()] = &tctx
		s.mu.Unlock()
		return nil
	}

	// Forcing the codec stops the remote from answering with the one we are
	// already sending.
	opts := &TrackOptions{Codecs: []webrtc.RTPCodecParameters{target}}
	if tctx.Opts != nil {
		opts.Encodings = tctx.Opts.Encodings
		opts.Layers = tctx.Opts.Layers
	}
	s.log.Debug().Str("codec", target.MimeType).Msg("sender does not exist, adding new track")
	return s.addTrackNoLock(tctx.Track, opts)
}

// reemitReceiver surfaces again a remote track already received with mime,
// so the host can switch to it.
func (s *Session) reemitReceiver(mime string) {
	s.mu.Lock()
	mm := s.mediaMap
	s.mu.Unlock()

	for _, trx := range s.pc.Transceivers() {
		track := trx.ReceiverTrack()
		if track == nil {
			continue
		}
		info, ok := mm[trx.Mid()]
		if !ok || !sameMime(info.MimeType, mime) {
			continue
		}
		s.log.Debug().Str("mid", trx.Mid()).Str("codec", mime).Msg("receiver already exists, emitting track")
		s.emitStream(track, info)
		return
	}
}

func sameMime(a, b string) bool {
	return strings.EqualFold(a, b)
}
