package standard

import (
	"sort"
	"sync"
	"time"
)

// PathSample is one measurement of a path to a peer: a ping round trip or a
// connect attempt.
type PathSample struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// Path tracks one peer reached on one network.
type Path struct {
	Peer     string
	Endpoint string
	samples  []PathSample
}

// ConnectivityTracker keeps an hour of samples per peer.
type ConnectivityTracker struct {
	mu    sync.Mutex
	paths map[string]*Path
	now   func() time.Time
}

// NewConnectivityTracker creates a new connectivity tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{
		paths: make(map[string]*Path),
		now:   time.Now,
	}
}

// TrackSuccess records a successful sample of peer at endpoint.
func (t *ConnectivityTracker) TrackSuccess(peer, endpoint string, latency time.Duration) {
	t.track(peer, endpoint, PathSample{Success: true, Latency: latency})
}

// TrackFailure records a failed sample.
func (t *ConnectivityTracker) TrackFailure(peer, endpoint string, latency time.Duration, errorMsg string) {
	t.track(peer, endpoint, PathSample{Latency: latency, Error: errorMsg})
}

func (t *ConnectivityTracker) track(peer, endpoint string, sample PathSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sample.Timestamp = t.now().UTC()
	p, ok := t.paths[peer]
	if !ok {
		p = &Path{Peer: peer}
		t.paths[peer] = p
	}
	if endpoint != "" {
		p.Endpoint = endpoint
	}
	p.samples = append(p.samples, sample)
	t.prune(p)
}

// prune drops samples older than one hour.
func (t *ConnectivityTracker) prune(p *Path) {
	cutoff := t.now().Add(-time.Hour)
	for i, sample := range p.samples {
		if sample.Timestamp.After(cutoff) {
			p.samples = p.samples[i:]
			return
		}
	}
	p.samples = nil
}

// Forget drops the history of peer.
func (t *ConnectivityTracker) Forget(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, peer)
}

// Status returns "healthy", "degraded", "unhealthy", or "" for an unknown
// peer.
func (t *ConnectivityTracker) Status(peer string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[peer]
	if !ok || len(p.samples) == 0 {
		return ""
	}
	return statusOf(successRate(p.samples))
}

func successRate(samples []PathSample) float64 {
	ok := 0
	for _, sample := range samples {
		if sample.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(samples))
}

func statusOf(rate float64) string {
	switch {
	case rate < 0.9:
		return "unhealthy"
	case rate < 0.95:
		return "degraded"
	default:
		return "healthy"
	}
}

// GetData returns per-peer path statistics, sorted by peer.
func (t *ConnectivityTracker) GetData() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]string, 0, len(t.paths))
	for peer := range t.paths {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	paths := make([]map[string]interface{}, 0, len(peers))
	for _, peer := range peers {
		p := t.paths[peer]
		t.prune(p)
		if len(p.samples) == 0 {
			continue
		}

		var last time.Time
		latencies := make([]float64, 0, len(p.samples))
		recentErrors := make([]string, 0)
		for _, sample := range p.samples {
			if sample.Success {
				latencies = append(latencies, float64(sample.Latency.Milliseconds()))
			} else if len(recentErrors) < 5 {
				recentErrors = append(recentErrors, sample.Error)
			}
			if sample.Timestamp.After(last) {
				last = sample.Timestamp
			}
		}
		sort.Float64s(latencies)
		rate := successRate(p.samples)

		paths = append(paths, map[string]interface{}{
			"peer":            p.Peer,
			"endpoint":        p.Endpoint,
			"status":          statusOf(rate),
			"last_sample":      last.Format(time.RFC3339),
			"total_samples_1h": len(p.samples),
			"success_rate_1h": rate,
			"latency_ms": map[string]interface{}{
				"p50": int(percentile(latencies, 0.50)),
				"p95": int(percentile(latencies, 0.95)),
				"p99": int(percentile(latencies, 0.99)),
			},
			"recent_errors": recentErrors,
		})
	}

	return map[string]interface{}{"paths": paths}
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}
