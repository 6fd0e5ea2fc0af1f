package searcher

import (
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// opportunityKey derives the deterministic key identical detections dedupe
// on: type + sorted venue set + instrument + a type-specific discriminator
// (position id, target tx hash). Snapshot sequence numbers are deliberately
// excluded so re-detections of the same opportunity collide.
func opportunityKey(typ OpportunityType, venues []VenueID, instrument InstrumentID, discriminator string) common.Hash {
	sorted := make([]string, len(venues))
	for i, v := range venues {
		sorted[i] = string(v)
	}
	sort.Strings(sorted)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(typ))
	for _, v := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(v))
	}
	h.Write([]byte{0})
	h.Write([]byte(instrument))
	h.Write([]byte{0})
	h.Write([]byte(discriminator))

	var key common.Hash
	h.Sum(key[:0])
	return key
}

// valuationSeed derives the Monte Carlo seed from the opportunity key and
// registry version, so re-valuations of the same entry state reproduce.
func valuationSeed(key common.Hash, version uint64) int64 {
	return int64(binary.BigEndian.Uint64(key[:8]) ^ version) //nolint:gosec
}

// percentile returns the p-th percentile of samples. samples is sorted in
// place.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(p * float64(len(samples)))
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
