/**
 * @description
 * Largest-remainder allocation of an integer pool across weighted recipients.
 * The result always sums to the pool exactly: each recipient gets the floor of
 * its proportional share, and the leftover units go one each to the largest
 * fractional remainders. Ties break toward the larger weight, then the smaller
 * key, so the split is deterministic.
 */

package app

import (
	"sort"

	"github.com/google/uuid"
)

// Weighted is one allocation recipient.
type Weighted struct {
	Key    uuid.UUID
	Weight int64
}

// AllocateProportional splits pool across the weights. Recipients with
// non-positive weight get zero. Returns amounts aligned with the input slice;
// nil when nothing can be allocated.
func AllocateProportional(pool int64, weights []Weighted) []int64 {
	if pool <= 0 || len(weights) == 0 {
		return nil
	}

	var totalWeight int64
	for _, w := range weights {
		if w.Weight > 0 {
			totalWeight += w.Weight
		}
	}
	if totalWeight <= 0 {
		return nil
	}

	amounts := make([]int64, len(weights))
	remainders := make([]int64, len(weights))
	var allocated int64
	for i, w := range weights {
		if w.Weight <= 0 {
			continue
		}
		amounts[i] = pool * w.Weight / totalWeight
		remainders[i] = pool * w.Weight % totalWeight
		allocated += amounts[i]
	}

	leftover := pool - allocated
	if leftover <= 0 {
		return amounts
	}

	order := make([]int, 0, len(weights))
	for i, w := range weights {
		if w.Weight > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if remainders[ia] != remainders[ib] {
			return remainders[ia] > remainders[ib]
		}
		if weights[ia].Weight != weights[ib].Weight {
			return weights[ia].Weight > weights[ib].Weight
		}
		return weights[ia].Key.String() < weights[ib].Key.String()
	})

	for i := int64(0); i < leftover && int(i) < len(order); i++ {
		amounts[order[i]]++
	}
	return amounts
}
