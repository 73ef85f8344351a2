// Package monitor periodically samples a session's transport statistics and
// turns them into a mean opinion score.
package monitor

//go:generate mockgen -source=monitor.go -destination=mock_peer_test.go -package=monitor

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/metrics"
	"github.com/dkeye/callpeer/internal/rtcstats"
)

const DefaultInterval = 5 * time.Second

// Peer is what the monitor needs from a session.
type Peer interface {
	GetStats() (webrtc.StatsReport, error)
	RTT() (time.Duration, error)
	// HandleMetrics pushes receive-side loss (0..1) and jitter (seconds) to the remote end.
	HandleMetrics(lossRate, jitter float64) error
}

type Config struct {
	Interval time.Duration
}

// QualityEstimate is the outcome of one monitoring period.
type QualityEstimate struct {
	LatencyMs float64   `json:"latency_ms"`
	JitterMs  float64   `json:"jitter_ms"`
	LossRate  float64   `json:"loss_rate"`
	MOS       float64   `json:"mos"`
	Timestamp time.Time `json:"timestamp"`
}

func (q QualityEstimate) Poor() bool {
	return q.MOS < MOSThreshold
}

// statsSample holds the previous period's audio reports keyed by SSRC.
type statsSample struct {
	localIn   map[uint32]rtcstats.LocalInboundStats
	localOut  map[uint32]rtcstats.LocalOutboundStats
	remoteIn  map[uint32]rtcstats.RemoteInboundStats
	remoteOut map[uint32]rtcstats.RemoteOutboundStats
}

func newStatsSample() statsSample {
	return statsSample{
		localIn:   make(map[uint32]rtcstats.LocalInboundStats),
		localOut:  make(map[uint32]rtcstats.LocalOutboundStats),
		remoteIn:  make(map[uint32]rtcstats.RemoteInboundStats),
		remoteOut: make(map[uint32]rtcstats.RemoteOutboundStats),
	}
}

// callQuality is a partial result. Fields are NaN when not computed.
type callQuality struct {
	avgTime     float64
	avgLossRate float64
	avgJitter   float64
	avgLatency  float64
}

func newCallQuality() callQuality {
	nan := math.NaN()
	return callQuality{avgTime: nan, avgLossRate: nan, avgJitter: nan, avgLatency: nan}
}

type Monitor struct {
	cfg  Config
	peer Peer
	log  zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	last      *QualityEstimate
	listeners []func(mos float64)

	// Only touched from the sampling goroutine, or with mu held by Stop.
	stats statsSample
}

func New(cfg Config, peer Peer) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		cfg:   cfg,
		peer:  peer,
		log:   log.With().Str("module", "monitor").Logger(),
		stats: newStatsSample(),
	}
}

// OnQuality registers a listener for every computed score.
func (m *Monitor) OnQuality(f func(mos float64)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, f)
	m.mu.Unlock()
}

// Last returns the most recent estimate, if any.
func (m *Monitor) Last() (QualityEstimate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return QualityEstimate{}, false
	}
	return *m.last, true
}

// Start begins sampling every interval until Stop or ctx is done. Starting a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	m.log.Debug().Dur("interval", m.cfg.Interval).Msg("starting")
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.gatherStats()
		}
	}
}

// Stop halts sampling, drops the cached sample and removes every listener.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	m.log.Debug().Msg("stopping")
	cancel()
	<-done

	m.mu.Lock()
	m.stats = newStatsSample()
	m.listeners = nil
	m.mu.Unlock()
}

// ClearCache forgets the previous sample so the next period starts fresh.
func (m *Monitor) ClearCache() {
	m.mu.Lock()
	m.stats = newStatsSample()
	m.mu.Unlock()
}

func (m *Monitor) gatherStats() {
	report, err := m.peer.GetStats()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to get stats")
		return
	}
	m.processStats(report)
}

func (m *Monitor) processStats(report webrtc.StatsReport) {
	cur := newStatsSample()
	for ssrc, s := range rtcstats.ParseSSRCStats(report) {
		if in := s.Local.In; in != nil && in.Kind == "audio" {
			cur.localIn[ssrc] = *in
		}
		if out := s.Local.Out; out != nil && out.Kind == "audio" {
			cur.localOut[ssrc] = *out
		}
		if in := s.Remote.In; in != nil && in.Kind == "audio" {
			cur.remoteIn[ssrc] = *in
		}
		if out := s.Remote.Out; out != nil && out.Kind == "audio" {
			cur.remoteOut[ssrc] = *out
		}
	}

	// Transport latency from the active candidate pair, if present.
	transportLatency := math.NaN()
	if pair, ok := rtcstats.ActiveCandidatePair(report); ok && !math.IsNaN(pair.CurrentRoundTripTime) {
		transportLatency = pair.CurrentRoundTripTime * 1000 / 2
	} else if !ok {
		m.log.Debug().Msg("no valid candidate pair found")
	}

	m.mu.Lock()
	prev := m.stats
	m.mu.Unlock()

	localInStats := localInQuality(prev, cur)
	remoteInStats := remoteInQuality(prev, cur)

	// Cached even when this period yields no score.
	m.mu.Lock()
	m.stats = cur
	m.mu.Unlock()

	if math.IsNaN(transportLatency) && math.IsNaN(remoteInStats.avgLatency) {
		rtt, err := m.peer.RTT()
		if err != nil {
			m.log.Error().Err(err).Msg("failed to get rtt")
			return
		}
		transportLatency = float64(rtt.Microseconds()) / 1000 / 2
	}

	if math.IsNaN(localInStats.avgJitter) && math.IsNaN(remoteInStats.avgJitter) {
		m.log.Debug().Msg("jitter could not be calculated")
		return
	}
	if math.IsNaN(localInStats.avgLossRate) && math.IsNaN(remoteInStats.avgLossRate) {
		m.log.Debug().Msg("loss rate could not be calculated")
		return
	}

	jitter := math.Max(orZero(localInStats.avgJitter), orZero(remoteInStats.avgJitter))
	lossRate := math.Max(orZero(localInStats.avgLossRate), orZero(remoteInStats.avgLossRate))
	latency := transportLatency
	if math.IsNaN(latency) {
		latency = remoteInStats.avgLatency
	}

	mos := CalculateMOS(latency, jitter, lossRate)
	m.log.Debug().
		Float64("latency", latency).
		Float64("jitter", jitter).
		Float64("loss", lossRate).
		Float64("mos", mos).
		Msg("quality estimate")

	est := QualityEstimate{
		LatencyMs: latency,
		JitterMs:  jitter,
		LossRate:  lossRate,
		MOS:       mos,
		Timestamp: time.Now(),
	}
	metrics.ObserveQuality(mos, lossRate, jitter, latency)

	m.mu.Lock()
	m.last = &est
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, f := range listeners {
		f(mos)
	}
	if err := m.peer.HandleMetrics(lossRate, jitter/1000); err != nil {
		m.log.Warn().Err(err).Msg("failed to push metrics to peer")
	}
}

// localInQuality measures what we receive. Loss is the growth of the gap
// between what the remote reports as sent and what we actually received,
// which isolates the server to us leg from the sender's own losses.
func localInQuality(prev, cur statsSample) callQuality {
	q := newCallQuality()

	var (
		totalTime     float64
		totalReceived float64
		totalLost     float64
		totalJitter   float64
		count         int
	)
	for ssrc, stat := range cur.localIn {
		last, ok := prev.localIn[ssrc]
		if !ok || stat.Timestamp <= last.Timestamp {
			continue
		}
		if stat.PacketsReceived == last.PacketsReceived {
			continue
		}

		tsDiff := stat.Timestamp - last.Timestamp
		receivedDiff := float64(stat.PacketsReceived) - float64(last.PacketsReceived)

		// Local received counts running slightly ahead of the remote's sent
		// counts is expected; only a growing deficit means loss.
		var lostDiff float64
		remoteOut, okCur := cur.remoteOut[ssrc]
		lastRemoteOut, okPrev := prev.remoteOut[ssrc]
		if okCur && okPrev {
			potentiallyLost := float64(remoteOut.PacketsSent) - float64(stat.PacketsReceived)
			prevPotentiallyLost := float64(lastRemoteOut.PacketsSent) - float64(last.PacketsReceived)
			if prevPotentiallyLost >= 0 && potentiallyLost > prevPotentiallyLost {
				lostDiff = potentiallyLost - prevPotentiallyLost
			}
		}

		totalTime += tsDiff
		totalReceived += receivedDiff
		totalLost += lostDiff
		totalJitter += stat.Jitter
		count++
	}

	if count > 0 {
		q.avgTime = totalTime / float64(count)
		q.avgJitter = totalJitter / float64(count) * 1000
	}
	if totalReceived > 0 {
		q.avgLossRate = totalLost / totalReceived
	}
	return q
}

// remoteInQuality measures how the remote receives what we send.
func remoteInQuality(prev, cur statsSample) callQuality {
	q := newCallQuality()

	var (
		totalTime   float64
		totalJitter float64
		totalLoss   float64
		totalRTT    float64
		count       int
		rttCount    int
	)
	for ssrc, stat := range cur.remoteIn {
		last, ok := prev.remoteIn[ssrc]
		if !ok || stat.Timestamp <= last.Timestamp {
			continue
		}
		out, okCur := cur.localOut[ssrc]
		lastOut, okPrev := prev.localOut[ssrc]
		if !okCur || (okPrev && out.PacketsSent == lastOut.PacketsSent) {
			continue
		}

		totalTime += stat.Timestamp - last.Timestamp
		totalJitter += stat.Jitter
		totalLoss += stat.FractionLost
		if !math.IsNaN(stat.RoundTripTime) {
			totalRTT += stat.RoundTripTime
			rttCount++
		}
		count++
	}

	if count > 0 {
		q.avgTime = totalTime / float64(count)
		q.avgJitter = totalJitter / float64(count) * 1000
		q.avgLossRate = totalLoss / float64(count)
	}
	if rttCount > 0 {
		q.avgLatency = totalRTT / float64(rttCount) * 1000 / 2
	}
	return q
}

func orZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
