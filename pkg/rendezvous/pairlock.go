package rendezvous

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const pairLockShards = 64

// PairLocks serializes relays between the two ranks of an unordered pair.
// The table has a fixed number of shards, so it never grows with churn; two
// pairs that hash to the same shard simply share a mutex.
type PairLocks struct {
	shards [pairLockShards]sync.Mutex
}

// Lock acquires the mutex guarding the pair {a, b} and returns its unlock
// function.
func (p *PairLocks) Lock(a, b int) (unlock func()) {
	mu := &p.shards[pairShard(a, b)]
	mu.Lock()
	return mu.Unlock
}

func pairShard(a, b int) uint64 {
	if a > b {
		a, b = b, a
	}
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(a))
	binary.BigEndian.PutUint64(key[8:], uint64(b))
	return xxhash.Sum64(key[:]) % pairLockShards
}
