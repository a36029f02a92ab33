package p2pnet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// pingHistory is how many recent pings each monitor keeps for statistics.
const pingHistory = 32

// LivenessMonitor pings one neighbor over an open data channel, answers the
// neighbor's pings and records round-trip times.
type LivenessMonitor struct {
	peerRank int
	channel  Channel
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu      sync.Mutex
	seq     int
	results []PingResult
}

func newLivenessMonitor(peerRank int, ch Channel, interval time.Duration, logger *slog.Logger, m *Metrics) *LivenessMonitor {
	return &LivenessMonitor{
		peerRank: peerRank,
		channel:  ch,
		interval: interval,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Run sends a ping immediately and then every interval, until ctx is
// cancelled or the channel leaves the open state.
func (lm *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()

	for {
		if st := lm.channel.ReadyState(); st != ChannelOpen {
			lm.logger.Debug("liveness: channel not open, stopping", "channel_state", st)
			return
		}
		if err := lm.ping(); err != nil {
			lm.logger.Warn("liveness: ping failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (lm *LivenessMonitor) ping() error {
	now := lm.now()
	b, err := wire.Encode(&wire.Ping{Timestamp: unixMillis(now)})
	if err != nil {
		return err
	}

	lm.mu.Lock()
	lm.seq++
	lm.results = append(lm.results, PingResult{Seq: lm.seq, SentAt: now})
	if len(lm.results) > pingHistory {
		lm.results = lm.results[len(lm.results)-pingHistory:]
	}
	lm.mu.Unlock()

	return lm.channel.Send(b)
}

// Handle processes one message received on the channel.
func (lm *LivenessMonitor) Handle(raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		lm.metrics.MalformedMessagesTotal.WithLabelValues("channel").Inc()
		lm.logger.Warn("liveness: dropping malformed message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Ping:
		b, err := wire.Encode(&wire.Pong{Timestamp: m.Timestamp, RespondedAt: unixMillis(lm.now())})
		if err == nil {
			err = lm.channel.Send(b)
		}
		if err != nil {
			lm.logger.Warn("liveness: pong failed", "error", err)
		}
	case *wire.Pong:
		lm.recordPong(m.Timestamp)
	default:
		lm.logger.Debug("liveness: ignoring message", "type", msg.MessageType())
	}
}

func (lm *LivenessMonitor) recordPong(ts float64) {
	rtt := lm.now().Sub(fromUnixMillis(ts))
	rttMs := float64(rtt.Microseconds()) / 1000.0

	lm.mu.Lock()
	for i := range lm.results {
		if unixMillis(lm.results[i].SentAt) == ts {
			lm.results[i].Answered = true
			lm.results[i].RttMs = rttMs
			break
		}
	}
	lm.mu.Unlock()

	lm.metrics.PingRTTSeconds.Observe(rtt.Seconds())
	lm.logger.Info("liveness: rtt", "ms", rttMs)
}

// Stats summarizes recent pings. A ping sent less than one interval ago and
// not yet answered is in flight and left out.
func (lm *LivenessMonitor) Stats() PingStats {
	cutoff := lm.now().Add(-lm.interval)

	lm.mu.Lock()
	results := make([]PingResult, 0, len(lm.results))
	for _, r := range lm.results {
		if !r.Answered && r.SentAt.After(cutoff) {
			continue
		}
		results = append(results, r)
	}
	lm.mu.Unlock()

	return ComputePingStats(results)
}
