package store

import (
	"sort"

	"github.com/widefm/widefm/feaid"
)

// Partition is the contiguous range sharding of the 64-bit key space over
// numServers servers: server i owns [bound[i], bound[i+1]).
type Partition struct {
	bounds []feaid.ID // len numServers+1; bounds[0]=0
}

// NewPartition splits the key space evenly.
func NewPartition(numServers int) *Partition {
	bounds := make([]feaid.ID, numServers+1)
	step := ^feaid.ID(0)/feaid.ID(numServers) + 1
	for i := 1; i < numServers; i++ {
		bounds[i] = feaid.ID(i) * step
	}
	bounds[numServers] = ^feaid.ID(0)
	return &Partition{bounds: bounds}
}

// NumServers returns the shard count.
func (p *Partition) NumServers() int { return len(p.bounds) - 1 }

// Owner returns the server owning key k.
func (p *Partition) Owner(k feaid.ID) int {
	// bounds[1..n-1] are the interior cut points.
	return sort.Search(p.NumServers()-1, func(i int) bool { return k < p.bounds[i+1] })
}

// Split cuts a sorted key list into per-server index ranges: keys[cut[i]:
// cut[i+1]] belong to server i. Sub-slices preserve key ordering by
// construction.
func (p *Partition) Split(keys []feaid.ID) []int {
	n := p.NumServers()
	cut := make([]int, n+1)
	for i := 1; i < n; i++ {
		b := p.bounds[i]
		cut[i] = sort.Search(len(keys), func(j int) bool { return keys[j] >= b })
	}
	cut[n] = len(keys)
	return cut
}
