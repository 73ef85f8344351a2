package sink

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callpeer/internal/core"
)

const LoopbackOutput = "loopback"

// NewLoopbackTrack creates a local track able to carry src's packets unchanged.
func NewLoopbackTrack(src core.RemoteTrack) (*webrtc.TrackLocalStaticRTP, error) {
	return webrtc.NewTrackLocalStaticRTP(
		src.Codec().RTPCodecCapability,
		"loopback-"+uuid.NewString(),
		"loopback-"+src.StreamID(),
	)
}
