package p2pnet

import "time"

// PingResult is one liveness probe on a data channel.
type PingResult struct {
	Seq    int       `json:"seq"`
	SentAt time.Time `json:"sent_at"`
	RttMs  float64   `json:"rtt_ms"`
	// Answered is false until the matching pong arrives.
	Answered bool `json:"answered"`
}

// PingStats holds aggregate statistics for a link's recent pings.
type PingStats struct {
	Sent     int     `json:"sent"`
	Received int     `json:"received"`
	Lost     int     `json:"lost"`
	LossPct  float64 `json:"loss_pct"`
	MinMs    float64 `json:"min_ms"`
	AvgMs    float64 `json:"avg_ms"`
	MaxMs    float64 `json:"max_ms"`
	LastMs   float64 `json:"last_ms"`
}

// ComputePingStats aggregates results. Unanswered pings count as lost.
func ComputePingStats(results []PingResult) PingStats {
	stats := PingStats{
		Sent: len(results),
	}

	if len(results) == 0 {
		return stats
	}

	var sum float64
	first := true
	for _, r := range results {
		if !r.Answered {
			stats.Lost++
			continue
		}
		stats.Received++
		sum += r.RttMs
		stats.LastMs = r.RttMs
		if first {
			stats.MinMs = r.RttMs
			stats.MaxMs = r.RttMs
			first = false
		}
		stats.MinMs = min(stats.MinMs, r.RttMs)
		stats.MaxMs = max(stats.MaxMs, r.RttMs)
	}

	if stats.Received > 0 {
		stats.AvgMs = sum / float64(stats.Received)
	}
	stats.LossPct = float64(stats.Lost) / float64(stats.Sent) * 100

	return stats
}

// unixMillis is the wire timestamp format: fractional milliseconds since the
// epoch.
func unixMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

func fromUnixMillis(ms float64) time.Time {
	return time.Unix(0, int64(ms*1e6))
}
