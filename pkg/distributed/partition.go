// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"math/rand/v2"
)

// Partition returns the indices of the examples (out of n) assigned to rank for the given epoch.
//
// Indices are shuffled with a permutation seeded by (seed, epoch), identical on every rank,
// and rank r takes positions r, r+worldSize, r+2*worldSize, ... of it. The shards of all ranks
// are disjoint, cover [0, n), and their sizes are floor(n/worldSize) or ceil(n/worldSize).
func Partition(n, rank, worldSize int, epoch int, seed uint64) []int {
	if n <= 0 || worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, uint64(epoch)))
	perm := rng.Perm(n)
	shard := make([]int, 0, (n+worldSize-1)/worldSize)
	for pos := rank; pos < n; pos += worldSize {
		shard = append(shard, perm[pos])
	}
	return shard
}

// StepsPerEpoch is the number of batches every rank runs per epoch. It uses the size of the smallest
// shard, so all ranks issue the same number of collectives.
func StepsPerEpoch(n, worldSize, batchSize int) int {
	if worldSize <= 0 || batchSize <= 0 {
		return 0
	}
	return (n / worldSize) / batchSize
}
