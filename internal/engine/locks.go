package engine

import (
	"hash/fnv"
	"sync"
)

// #region user-locks
// userLocks serializes all writes affecting a single user's regulation
// state or candidate set. RecordEvent is a read-modify-write over
// trust_score; without per-user serialization, races would corrupt the
// derived level. Sharded so cross-user operations stay embarrassingly
// parallel.
type userLocks struct {
	shards [64]sync.Mutex
}

func (l *userLocks) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	m := &l.shards[h.Sum32()%uint32(len(l.shards))]
	m.Lock()
	return m
}

// #endregion user-locks
