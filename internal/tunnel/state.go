package tunnel

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"
)

// lockTableSize is the number of entries in the process-wide lock table.
// The session registry is striped across it by slot index.
const lockTableSize = 64

// sessionRecord describes one live tunnel session in the process registry.
type sessionRecord struct {
	id      string
	role    Role
	started time.Time
}

// registryShard is one lock-table entry guarding a slice of the session
// registry.
type registryShard struct {
	mu       sync.Mutex
	sessions map[uint64]sessionRecord
}

// processState holds process-wide engine state: the striped lock table, the
// session registry and the session slot allocator. It is initialized exactly
// once and never torn down before process exit.
type processState struct {
	shards      [lockTableSize]registryShard
	slotCounter atomic.Uint64
}

var (
	procState *processState
	procOnce  sync.Once
	procErr   error
)

// ensureProcessState lazily initializes the process crypto state. The first
// call verifies that the system entropy source is readable; all callers see
// the same outcome.
func ensureProcessState() (*processState, error) {
	procOnce.Do(func() {
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			procErr = WrapError(ErrEntropyUnavailable, err.Error())
			return
		}

		state := &processState{}
		for i := range state.shards {
			state.shards[i].sessions = make(map[uint64]sessionRecord)
		}
		procState = state
	})
	return procState, procErr
}

// nextSlot allocates a new session slot index.
func (p *processState) nextSlot() uint64 {
	return p.slotCounter.Add(1)
}

// shardIndex maps a session slot onto a lock table entry.
func (p *processState) shardIndex(slot uint64) int {
	return int(slot % lockTableSize)
}

// lockShard acquires the lock table entry at the given index. Out-of-range
// indices are rejected rather than trusted.
func (p *processState) lockShard(index int) (*registryShard, error) {
	if index < 0 || index >= len(p.shards) {
		return nil, NewConfigurationError("lockTable",
			"lock index out of range")
	}
	shard := &p.shards[index]
	shard.mu.Lock()
	return shard, nil
}

// register adds a session to the registry.
func (p *processState) register(slot uint64, rec sessionRecord) {
	shard, err := p.lockShard(p.shardIndex(slot))
	if err != nil {
		return
	}
	defer shard.mu.Unlock()
	shard.sessions[slot] = rec
}

// unregister removes a session from the registry.
func (p *processState) unregister(slot uint64) {
	shard, err := p.lockShard(p.shardIndex(slot))
	if err != nil {
		return
	}
	defer shard.mu.Unlock()
	delete(shard.sessions, slot)
}

// activeSessions counts live sessions across all shards.
func (p *processState) activeSessions() int {
	total := 0
	for i := range p.shards {
		p.shards[i].mu.Lock()
		total += len(p.shards[i].sessions)
		p.shards[i].mu.Unlock()
	}
	return total
}

// ActiveStreams reports the number of live tunnel streams in this process.
func ActiveStreams() int {
	state, err := ensureProcessState()
	if err != nil {
		return 0
	}
	return state.activeSessions()
}
