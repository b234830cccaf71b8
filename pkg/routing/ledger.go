package routing

import "sync"

// LoadLedger owns agent committed load. Routing within a batch is
// single-threaded, but the ledger is shared across concurrently running
// batches, so commits are serialized and reads get a copied snapshot.
type LoadLedger struct {
	mu    sync.Mutex
	loads map[string]float64
}

func NewLoadLedger() *LoadLedger {
	return &LoadLedger{loads: make(map[string]float64)}
}

// Seed sets an agent's starting load, typically from the roster row.
// Existing entries are overwritten.
func (l *LoadLedger) Seed(agentID string, load float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[agentID] = load
}

// Snapshot returns a consistent copy of all committed loads.
func (l *LoadLedger) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make(map[string]float64, len(l.loads))
	for id, load := range l.loads {
		snapshot[id] = load
	}
	return snapshot
}

// Commit adds delta to the agent's committed load and returns the new
// value. Linearizable: two concurrent commits never lose an update.
func (l *LoadLedger) Commit(agentID string, delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[agentID] += delta
	return l.loads[agentID]
}

// Load returns the agent's current committed load.
func (l *LoadLedger) Load(agentID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[agentID]
}
