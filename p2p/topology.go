package p2p

// NetworkStats summarises the connection table for external consumers. It is
// recomputed from the records on demand and never mutated independently.
type NetworkStats struct {
	TotalNodes        int     `json:"totalNodes"`
	ConnectedPeers    int     `json:"connectedPeers"`
	HealthyPeers      int     `json:"healthyPeers"`
	DegradedPeers     int     `json:"degradedPeers"`
	UnhealthyPeers    int     `json:"unhealthyPeers"`
	DisconnectedPeers int     `json:"disconnectedPeers"`
	AvgLatencyMS      float64 `json:"avgLatencyMs"`
	EstimatedDiameter int     `json:"estimatedDiameter"`
}

// NetworkTopology extends the stats with the endpoints this node can reach,
// for operator diagnostics.
type NetworkTopology struct {
	Stats      NetworkStats   `json:"stats"`
	Self       PeerID         `json:"self"`
	ListenAddr string         `json:"listenAddr"`
	Peers      []PeerEndpoint `json:"peers"`
}

// estimateDiameter buckets the peer count into a coarse reachability depth.
// It is a heuristic, not a graph computation.
func estimateDiameter(peers int) int {
	switch {
	case peers <= 0:
		return 0
	case peers <= 2:
		return 1
	case peers <= 8:
		return 2
	case peers <= 20:
		return 3
	case peers <= 50:
		return 4
	default:
		return 5
	}
}

// aggregateStats classifies every record through the monitor and folds the
// result into one NetworkStats. Mean latency covers non-disconnected peers
// with at least one latency sample.
func aggregateStats(records []ConnectionRecord, monitor *healthMonitor) NetworkStats {
	stats := NetworkStats{TotalNodes: len(records)}
	now := monitor.now()
	latencySum := 0.0
	latencyCount := 0
	for _, rec := range records {
		if rec.Active {
			stats.ConnectedPeers++
		}
		state := monitor.classify(rec, now)
		switch state {
		case HealthHealthy:
			stats.HealthyPeers++
		case HealthDegraded:
			stats.DegradedPeers++
		case HealthUnhealthy:
			stats.UnhealthyPeers++
		case HealthDisconnected:
			stats.DisconnectedPeers++
		}
		if state != HealthDisconnected && rec.LatencyMS > 0 {
			latencySum += rec.LatencyMS
			latencyCount++
		}
	}
	if latencyCount > 0 {
		stats.AvgLatencyMS = latencySum / float64(latencyCount)
	}
	stats.EstimatedDiameter = estimateDiameter(len(records))
	return stats
}
