package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
)

// TrackOptions override the defaults applied to an outgoing video track.
type TrackOptions struct {
	Encodings []core.Encoding
	// Codecs, when set, is used as the exact codec preference list.
	Codecs []webrtc.RTPCodecParameters
	// Layers are the RID-tagged tracks for simulcast layers after the
	// first; see core.TransceiverInit.
	Layers []webrtc.TrackLocal
}

// TrackContext is the bookkeeping kept for each local track.
type TrackContext struct {
	Track    webrtc.TrackLocal
	StreamID string
	Sender   core.Sender
	Opts     *TrackOptions
}

// AddTrack sends track to the remote end. It waits for the signaling lock,
// attaches the track and renegotiates. The lock is held until the resulting
// answer arrives.
func (s *Session) AddTrack(ctx context.Context, track webrtc.TrackLocal, opts *TrackOptions) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}

	s.log.Debug().Str("track", track.ID()).Msg("add track: grabbing signaling lock")
	if err := s.grabSignalingLock(ctx); err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	s.log.Debug().Str("track", track.ID()).Msg("add track: signaling lock acquired")

	if err := s.addTrackNoLock(track, opts); err != nil {
		s.unlockSignalingLock()
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}

	s.makeOffer()
	return nil
}

// AddStream adds tracks one at a time, in order. opts[i] applies to tracks[i].
func (s *Session) AddStream(ctx context.Context, tracks []webrtc.TrackLocal, opts []*TrackOptions) error {
	for i, track := range tracks {
		var o *TrackOptions
		if i < len(opts) {
			o = opts[i]
		}
		if err := s.AddTrack(ctx, track, o); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTrack swaps the track sent for oldTrackID without renegotiating.
// A nil newTrack pauses sending.
func (s *Session) ReplaceTrack(oldTrackID string, newTrack webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	tctx, ok := s.tracks[oldTrackID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("replace track %s: %w", oldTrackID, ErrTrackNotFound)
	}
	if newTrack != nil && newTrack.ID() != oldTrackID {
		moved := *tctx
		moved.Track = newTrack
		s.tracks[newTrack.ID()] = &moved
		delete(s.tracks, oldTrackID)
	}
	sender := tctx.Sender
	s.mu.Unlock()

	if err := sender.ReplaceTrack(newTrack); err != nil {
		return fmt.Errorf("replace track %s: %w", oldTrackID, err)
	}
	return nil
}

// RemoveTrack stops sending trackID and renegotiates under the signaling lock.
func (s *Session) RemoveTrack(ctx context.Context, trackID string) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}

	s.log.Debug().Str("track", trackID).Msg("remove track: grabbing signaling lock")
	if err := s.grabSignalingLock(ctx); err != nil {
		return fmt.Errorf("remove track %s: %w", trackID, err)
	}
	s.log.Debug().Str("track", trackID).Msg("remove track: signaling lock acquired")

	s.mu.Lock()
	tctx, ok := s.tracks[trackID]
	s.mu.Unlock()
	if !ok {
		s.unlockSignalingLock()
		return fmt.Errorf("remove track %s: %w", trackID, ErrTrackNotFound)
	}

	if err := s.pc.RemoveTrack(tctx.Sender); err != nil {
		s.unlockSignalingLock()
		return fmt.Errorf("remove track %s: %w", trackID, err)
	}

	s.mu.Lock()
	delete(s.tracks, trackID)
	s.mu.Unlock()

	s.makeOffer()
	return nil
}

// addTrackNoLock attaches track to the connection. The caller holds the
// signaling lock.
func (s *Session) addTrackNoLock(track webrtc.TrackLocal, opts *TrackOptions) error {
	if s.isDestroyed() {
		return ErrDestroyed
	}

	var (
		sender core.Sender
		err    error
	)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		encodings := fallbackEncodings
		if s.cfg.Simulcast {
			encodings = simulcastEncodings
		}
		var layers []webrtc.TrackLocal
		if opts != nil {
			if len(opts.Encodings) > 0 {
				encodings = opts.Encodings
			}
			layers = opts.Layers
		}

		codecs, cerr := s.videoCodecPreferences(opts)
		if cerr != nil {
			return cerr
		}

		s.log.Debug().
			Str("track", track.ID()).
			Int("encodings", len(encodings)).
			Int("layers", len(layers)).
			Str("codec", codecs[0].MimeType).
			Msg("creating new transceiver on send")
		sender, err = s.pc.AddTransceiver(track, core.TransceiverInit{
			Encodings: encodings,
			Codecs:    codecs,
			Layers:    layers,
		})
	} else {
		sender, err = s.pc.AddTrack(track)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tracks[track.ID()] = &TrackContext{
		Track:    track,
		StreamID: track.StreamID(),
		Sender:   sender,
		Opts:     opts,
	}
	s.mu.Unlock()
	return nil
}

// videoCodecPreferences returns VP8 followed by AV1 when the engine can send
// it. AV1 comes first when enabled and every participant can decode it.
func (s *Session) videoCodecPreferences(opts *TrackOptions) ([]webrtc.RTPCodecParameters, error) {
	if opts != nil && len(opts.Codecs) > 0 {
		return opts.Codecs, nil
	}

	vp8, ok := s.pc.VideoCodec(webrtc.MimeTypeVP8)
	if !ok {
		return nil, fmt.Errorf("%s: %w", webrtc.MimeTypeVP8, ErrCodecNotFound)
	}
	codecs := []webrtc.RTPCodecParameters{vp8}

	av1, ok := s.pc.VideoCodec(dcmsg.MimeTypeAV1)
	if !ok {
		return codecs, nil
	}

	s.mu.Lock()
	full := s.codecSupport[dcmsg.MimeTypeAV1] == dcmsg.CodecSupportFull
	s.mu.Unlock()

	if s.cfg.EnableAV1 && full {
		s.log.Debug().Msg("AV1 enabled and fully supported in call, preferring AV1")
		return []webrtc.RTPCodecParameters{av1, vp8}, nil
	}
	return append(codecs, av1), nil
}

// trackSnapshot returns the track contexts ordered by track id.
func (s *Session) trackSnapshot() []TrackContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackContext, 0, len(s.tracks))
	for _, tctx := range s.tracks {
		out = append(out, *tctx)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Track.ID() < out[j].Track.ID()
	})
	return out
}
