package p2p

import "github.com/holiman/uint256"

// Distance returns the XOR metric between two identities as an unsigned
// integer. The metric is symmetric and zero only for identical identities.
func Distance(a, b PeerID) *uint256.Int {
	var x [16]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return new(uint256.Int).SetBytes(x[:])
}

// logDist is the bucket-granularity distance: the bit length of a XOR b.
// Identities whose distances share a bit length count as equally close, so
// closest-N queries break those ties by insertion order.
func logDist(a, b PeerID) int {
	return Distance(a, b).BitLen()
}

// bucketIndex maps the distance between two identities to a routing bucket.
// Bucket k holds identities whose XOR distance has bit length k+1, so the
// table spans 128 buckets. Identical identities return -1 and are never
// stored.
func bucketIndex(a, b PeerID) int {
	return logDist(a, b) - 1
}

// distCmp compares the distances target-a and target-b bytewise without
// materialising the full metric. It returns -1 when a is closer to target,
// 1 when b is closer, and 0 for a tie.
func distCmp(target, a, b PeerID) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
	}
	return 0
}
