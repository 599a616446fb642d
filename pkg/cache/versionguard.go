package cache

import (
	"sync"
	"time"
)

// DefaultGuardRetention is how long a slot's admitted sequence is remembered
// after its last write. It must outlast the slowest request.
const DefaultGuardRetention = 10 * time.Minute

// VersionGuard serialises writes per slot and rejects writes whose request
// sequence number is older than the newest one already admitted for that
// slot, so a slow superseded request cannot overwrite a newer result.
// Slots idle for longer than the retention are forgotten.
type VersionGuard struct {
	mu        sync.Mutex
	slots     map[string]*slotVersion
	floor     uint64
	retention time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type slotVersion struct {
	mu  sync.Mutex
	seq uint64
	// users and touched are guarded by VersionGuard.mu.
	users   int
	touched time.Time
}

// NewVersionGuard creates an empty guard with DefaultGuardRetention.
func NewVersionGuard() *VersionGuard {
	return NewVersionGuardWithRetention(DefaultGuardRetention, time.Now)
}

// NewVersionGuardWithRetention creates an empty guard that forgets slots
// idle for longer than retention, as measured by now.
func NewVersionGuardWithRetention(retention time.Duration, now func() time.Time) *VersionGuard {
	if retention <= 0 {
		retention = DefaultGuardRetention
	}
	return &VersionGuard{
		slots:     make(map[string]*slotVersion),
		retention: retention,
		now:       now,
		lastSweep: now(),
	}
}

// Write runs write for key if seq is not older than the last admitted
// sequence for key and above the guard's floor. The slot stays locked while
// write runs. It reports whether the write was admitted.
func (g *VersionGuard) Write(key string, seq uint64, write func() error) (bool, error) {
	g.mu.Lock()
	if seq <= g.floor {
		g.mu.Unlock()
		return false, nil
	}
	now := g.now()
	g.sweep(now)
	slot, ok := g.slots[key]
	if !ok {
		slot = &slotVersion{}
		g.slots[key] = slot
	}
	slot.users++
	slot.touched = now
	g.mu.Unlock()
	defer g.release(slot)

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if seq < slot.seq {
		return false, nil
	}
	if err := write(); err != nil {
		return true, err
	}
	slot.seq = seq
	return true, nil
}

func (g *VersionGuard) release(slot *slotVersion) {
	g.mu.Lock()
	slot.users--
	g.mu.Unlock()
}

// sweep drops idle slots at most once per half retention. g.mu must be held.
func (g *VersionGuard) sweep(now time.Time) {
	if now.Sub(g.lastSweep) < g.retention/2 {
		return
	}
	g.lastSweep = now
	for key, slot := range g.slots {
		if slot.users == 0 && now.Sub(slot.touched) > g.retention {
			delete(g.slots, key)
		}
	}
}

// Forget drops key's remembered sequence, for slots removed from the store.
func (g *VersionGuard) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slot, ok := g.slots[key]; ok && slot.users == 0 {
		delete(g.slots, key)
	}
}

// Len reports how many slots the guard currently remembers.
func (g *VersionGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Reset forgets every slot and rejects all writes with a sequence at or
// below floor. It is used when the cache is cleared while requests are
// still in flight.
func (g *VersionGuard) Reset(floor uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = make(map[string]*slotVersion)
	if floor > g.floor {
		g.floor = floor
	}
}
