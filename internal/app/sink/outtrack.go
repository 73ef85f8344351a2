package sink

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is satisfied by *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// Output is one local track a relay copies packets into.
type Output struct {
	Track RTPWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutput(track RTPWriter) *Output {
	return &Output{Track: track}
}

func (o *Output) GetState() TrackState {
	return TrackState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.Store(int32(TrackStateOk))
}

func (o *Output) MarkMuted() {
	o.state.Store(int32(TrackStateMuted))
}

func (o *Output) MarkDelete() {
	o.state.Store(int32(TrackStateDelete))
}
