package relay

import "github.com/cespare/xxhash/v2"

// shardCount spreads per-channel state over independent locks.
const shardCount = 32

func shardIndex(channel string) int {
	return int(xxhash.Sum64String(channel) % shardCount)
}
