package p2p

import (
	"fmt"
	"sort"
	"time"

	"log/slog"

	"cinderchain/observability/logging"
)

const maintenanceInterval = 15 * time.Second

// maintenanceLoop keeps the connection table close to its target shape:
// auto-heal refills outbound slots from the peerstore, topology
// optimization sheds the worst performer when the table runs over target.
func (s *Server) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if s.cfg.AutoHeal {
				s.fillOutbound()
			}
			if s.cfg.TopologyOptimization {
				s.pruneWorstPeer()
			}
		}
	}
}

// fillOutbound dials peerstore candidates until the active count reaches
// the target. Candidates under dial backoff are skipped, not reset.
func (s *Server) fillOutbound() {
	missing := s.cfg.TargetPeers - s.pool.activeCount()
	if missing <= 0 {
		return
	}
	for _, rec := range s.healCandidates(missing) {
		addr := rec.Addr
		s.spawn(func() {
			err := s.Connect(addr)
			switch err {
			case nil, ErrAlreadyConnected, ErrDialPending, ErrDialBackoff:
			default:
				s.log().Debug("Auto-heal dial failed",
					logging.MaskField("peer_address", addr),
					errAttr(err))
			}
		})
	}
}

// healCandidates ranks known addresses for refill: fewest dial attempts
// first, then most recently seen. Connected, pending, backed-off, and
// blacklisted entries are excluded.
func (s *Server) healCandidates(n int) []DiscoveryRecord {
	now := s.now()
	known := s.store.Known()
	candidates := make([]DiscoveryRecord, 0, len(known))
	for _, rec := range known {
		if _, ok := s.pool.activeConn(rec.Addr); ok {
			continue
		}
		if failed, ok := s.pool.failure(rec.Addr); ok && now.Before(failed.NextAttemptAt()) {
			continue
		}
		if !rec.NodeID.IsZero() && (rec.NodeID == s.id || s.blacklist.Contains(rec.NodeID)) {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Attempts != candidates[j].Attempts {
			return candidates[i].Attempts < candidates[j].Attempts
		}
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// pruneWorstPeer drops the lowest-value connection when the table exceeds
// the target. Bootstrap peers are never pruned so the node keeps an anchor
// into the network.
func (s *Server) pruneWorstPeer() {
	peers := s.Peers()
	if len(peers) <= s.cfg.TargetPeers {
		return
	}

	var worst *ConnectionRecord
	var worstScore float64
	for i := range peers {
		rec := peers[i]
		if src, ok := s.store.Get(rec.Addr); ok && src.Source == SourceBootstrap {
			continue
		}
		score := float64(rec.Failures)*1000 + rec.LatencyMS
		if state, ok := s.health.state(rec.ID); ok && state != HealthHealthy {
			score += 10000
		}
		if worst == nil || score > worstScore {
			worst = &peers[i]
			worstScore = score
		}
	}
	if worst == nil || worstScore == 0 {
		return
	}
	s.log().Info("Pruning peer for topology optimization",
		maskPeerID(worst.ID),
		slog.Float64("score", worstScore))
	if peer := s.peerByID(worst.ID); peer != nil {
		peer.terminate(fmt.Errorf("pruned: over target with score %.1f", worstScore))
	}
}
