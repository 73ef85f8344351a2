// Package sink drains remote tracks so the engine keeps processing RTCP, and
// optionally copies their packets into local tracks.
package sink

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dkeye/callpeer/internal/core"
	"github.com/dkeye/callpeer/internal/dcmsg"
	"github.com/dkeye/callpeer/internal/metrics"
)

// Relay reads one remote track until it ends.
type Relay struct {
	Src  core.RemoteTrack
	Info dcmsg.TrackInfo

	mu      sync.RWMutex
	outputs map[string]*Output

	packets atomic.Uint64
	counter prometheus.Counter
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRelay(src core.RemoteTrack, info dcmsg.TrackInfo, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:     src,
		Info:    info,
		outputs: make(map[string]*Output),
		counter: metrics.RTPPackets.WithLabelValues(src.Kind().String()),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Packets returns how many packets were read so far.
func (r *Relay) Packets() uint64 {
	return r.packets.Load()
}

// Done is closed once the read loop exits.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// loop reads RTP packets from the source track and forwards them to all outputs.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all outputs for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.packets.Add(1)
		r.counter.Inc()
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	if len(r.outputs) == 0 {
		r.mu.RUnlock()
		return
	}
	snapshot := maps.Clone(r.outputs)
	r.mu.RUnlock()

	var dirty []string
	for dst, out := range snapshot {
		switch out.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := out.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", dst).
					Msg("relay write RTP error, marking output as delete")
				out.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		delete(r.outputs, dst)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, out := range r.outputs {
		out.MarkDelete()
	}
}

func (r *Relay) AddOutput(dst string, out *Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[dst] = out
}

func (r *Relay) output(dst string) (*Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outputs[dst]
	return out, ok
}
