package p2p

import (
	"context"
	"math/rand"
	"time"

	"log/slog"

	"cinderchain/observability/logging"
	"cinderchain/p2p/seeds"
)

const (
	defaultDiscoveryInterval = time.Minute
	bootstrapAttempts        = 3
	bootstrapRetryDelay      = 5 * time.Second
	gossipSampleSize         = 16
)

// SeedResolver resolves a DNS seed domain into candidate peer addresses.
type SeedResolver interface {
	Resolve(ctx context.Context, domain string) ([]string, error)
}

// SetSeedResolver overrides the DNS seed resolver. Call before Start.
func (s *Server) SetSeedResolver(r SeedResolver) { s.resolver = r }

func (s *Server) seedResolver() SeedResolver {
	if s.resolver != nil {
		return s.resolver
	}
	return seeds.NewResolver()
}

// seedPeerstore records the configured bootnodes and every address the DNS
// seeds currently publish. Lookup failures skip the domain; discovery never
// removes what it has learned.
func (s *Server) seedPeerstore() {
	now := s.now()
	for _, addr := range s.cfg.Bootnodes {
		s.noteDiscovered(DiscoveryRecord{Addr: addr, Source: SourceBootstrap, LastSeen: now})
	}
	for _, domain := range s.cfg.DNSSeeds {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		addrs, err := s.seedResolver().Resolve(ctx, domain)
		cancel()
		if err != nil {
			s.log().Warn("DNS seed lookup failed",
				logging.MaskField("seed_domain", domain),
				errAttr(err))
			continue
		}
		for _, addr := range addrs {
			s.noteDiscovered(DiscoveryRecord{Addr: addr, Source: SourceDNS, LastSeen: s.now()})
		}
	}
}

// bootstrap seeds the peerstore and dials each candidate with a fixed retry
// budget.
func (s *Server) bootstrap() {
	s.seedPeerstore()

	for i, addr := range append(append([]string{}, s.cfg.Bootnodes...), s.dnsCandidates()...) {
		// Stagger dials so a long bootnode list does not burst.
		delay := time.Duration(i) * 200 * time.Millisecond
		s.spawn(func() { s.bootstrapDial(addr, delay) })
	}
}

func (s *Server) dnsCandidates() []string {
	var out []string
	for _, rec := range s.store.Known() {
		if rec.Source == SourceDNS {
			out = append(out, rec.Addr)
		}
	}
	return out
}

func (s *Server) bootstrapDial(addr string, initialDelay time.Duration) {
	if initialDelay > 0 {
		select {
		case <-s.quit:
			return
		case <-time.After(initialDelay):
		}
	}
	for attempt := 1; attempt <= bootstrapAttempts; attempt++ {
		if s.stopped() {
			return
		}
		err := s.Connect(addr)
		if err == nil || err == ErrAlreadyConnected || err == ErrDialPending {
			return
		}
		s.log().Warn("Bootstrap dial failed",
			logging.MaskField("peer_address", addr),
			slog.Int("attempt", attempt),
			errAttr(err))
		if attempt == bootstrapAttempts {
			return
		}
		select {
		case <-s.quit:
			return
		case <-time.After(bootstrapRetryDelay):
		}
	}
}

// gossipLoop periodically pushes a sample of known peers to every active
// connection so addresses spread without a request round-trip.
func (s *Server) gossipLoop() {
	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.gossipPeers()
		}
	}
}

func (s *Server) gossipPeers() {
	sample := s.gossipSample(gossipSampleSize)
	if len(sample) == 0 {
		return
	}
	msg, err := NewMessage(MsgKindPeerList, &PeerListPayload{Peers: sample})
	if err != nil {
		return
	}
	s.queue.enqueue(PriorityLow, msg, nil)
}

// gossipSample picks up to n shareable endpoints: identified, not
// blacklisted, and not ourselves. The shuffle keeps any single peer from
// seeing a fixed slice of our view.
func (s *Server) gossipSample(n int) []PeerEndpoint {
	known := s.store.Known()
	rand.Shuffle(len(known), func(i, j int) { known[i], known[j] = known[j], known[i] })

	endpoints := make([]PeerEndpoint, 0, n)
	for _, rec := range known {
		if rec.NodeID.IsZero() || rec.NodeID == s.id || s.blacklist.Contains(rec.NodeID) {
			continue
		}
		endpoints = append(endpoints, PeerEndpoint{NodeID: rec.NodeID, Addr: rec.Addr, BestHeight: rec.BestHeight})
		if len(endpoints) == n {
			break
		}
	}
	return endpoints
}

// mergeEndpoints folds gossiped endpoints into the peerstore and routing
// table. Our own identity and banned identities are ignored.
func (s *Server) mergeEndpoints(endpoints []PeerEndpoint, source DiscoverySource) {
	now := s.now()
	for _, ep := range endpoints {
		if ep.Addr == "" || ep.NodeID == s.id {
			continue
		}
		if !ep.NodeID.IsZero() && s.blacklist.Contains(ep.NodeID) {
			continue
		}
		s.noteDiscovered(DiscoveryRecord{
			Addr:       ep.Addr,
			NodeID:     ep.NodeID,
			Source:     source,
			BestHeight: ep.BestHeight,
			LastSeen:   now,
		})
		if !ep.NodeID.IsZero() {
			s.routing.add(ep)
		}
	}
}

func (s *Server) noteDiscovered(rec DiscoveryRecord) {
	added, err := s.store.Put(rec)
	if err != nil {
		s.log().Warn("Peerstore put failed",
			logging.MaskField("peer_address", rec.Addr),
			errAttr(err))
		return
	}
	if added {
		s.metrics.recordDiscovered(string(rec.Source))
		s.publish(PeerDiscoveredEvent{Addr: rec.Addr, Source: string(rec.Source)})
	}
}
