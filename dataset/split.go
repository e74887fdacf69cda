package dataset

import (
	"math"
	"math/rand"
	"sort"
)

// SplitConfig controls the stratified train/validation partition.
type SplitConfig struct {
	// ValFraction of each demographic group goes to validation. Default 0.2.
	ValFraction float64
	// Seed fixes the shuffle inside each group so re-runs produce identical
	// partitions. Default 42.
	Seed int64
}

// DefaultSplitConfig matches the collection protocol: 20% validation,
// seed 42.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{ValFraction: 0.2, Seed: 42}
}

// StratifiedSplit partitions the merged sample indices into disjoint
// train/validation sets, preserving demographic proportions. For every
// group keyed by (ethnicity, gender, skin_tone):
//
//   - size >= 2: ceil(size * ValFraction) members go to validation, clamped
//     so both partitions keep at least one member;
//   - size == 1: the singleton goes to training (a lone subject cannot be
//     split, and mirroring it into validation would leak it).
//
// The union of the returned sets is exactly 0..len(samples)-1 and no index
// appears in both. Groups are visited in sorted key order so the result
// depends only on the data and the seed.
func StratifiedSplit(samples []Sample, cfg SplitConfig) (train, val []int) {
	if cfg.ValFraction <= 0 {
		cfg.ValFraction = 0.2
	}

	groups := make(map[DemographicKey][]int)
	for i, s := range samples {
		groups[s.Demographics] = append(groups[s.Demographics], i)
	}

	keys := make([]DemographicKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	rng := rand.New(rand.NewSource(cfg.Seed))
	train = make([]int, 0, len(samples))
	val = make([]int, 0, len(samples))
	for _, k := range keys {
		members := groups[k]
		if len(members) < 2 {
			train = append(train, members...)
			continue
		}
		shuffled := append([]int(nil), members...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		nVal := int(math.Ceil(float64(len(shuffled)) * cfg.ValFraction))
		if nVal < 1 {
			nVal = 1
		}
		if nVal > len(shuffled)-1 {
			nVal = len(shuffled) - 1
		}
		val = append(val, shuffled[:nVal]...)
		train = append(train, shuffled[nVal:]...)
	}

	sort.Ints(train)
	sort.Ints(val)
	return train, val
}
