package indicators

import (
	"math"
	"sort"
)

// bucketWidth is the volume-profile price bucket size for index ETFs.
const bucketWidth = 0.25

func bucketKey(price float64) int64 {
	return int64(math.Round(price / bucketWidth))
}

func bucketPrice(key int64) float64 {
	return float64(key) * bucketWidth
}

// Profile is the session volume profile: the point of control and the
// boundaries of the band holding 70% of session volume.
type Profile struct {
	POC float64 // highest-volume bucket price
	VAH float64 // value area high
	VAL float64 // value area low
}

// VolumeProfile computes the session profile from the 0.25-wide price
// buckets accumulated since 09:30 ET. Absent until volume has printed.
func (s *Store) VolumeProfile(symbol string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok || len(st.buckets) == 0 {
		return Profile{}, false
	}

	type bucket struct {
		key int64
		vol float64
	}
	total := 0.0
	buckets := make([]bucket, 0, len(st.buckets))
	for k, v := range st.buckets {
		buckets = append(buckets, bucket{k, v})
		total += v
	}
	if total == 0 {
		return Profile{}, false
	}

	// Highest volume first; ties break toward the lower price so the
	// result is deterministic.
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].vol != buckets[j].vol {
			return buckets[i].vol > buckets[j].vol
		}
		return buckets[i].key < buckets[j].key
	})

	target := total * 0.70
	covered := 0.0
	minKey, maxKey := buckets[0].key, buckets[0].key
	for _, b := range buckets {
		covered += b.vol
		if b.key < minKey {
			minKey = b.key
		}
		if b.key > maxKey {
			maxKey = b.key
		}
		if covered >= target {
			break
		}
	}

	return Profile{
		POC: bucketPrice(buckets[0].key),
		VAH: bucketPrice(maxKey),
		VAL: bucketPrice(minKey),
	}, true
}
