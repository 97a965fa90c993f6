package memory

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencmit/alphora/internal/observability"
)

// PoolEntry tracks one pooled session.
type PoolEntry struct {
	SessionID  string
	Memory     *Memory
	AgentID    string
	CreatedAt  time.Time
	LastAccess time.Time
}

// Pool maps session ids to memory handles at the API layer. Entries are
// evicted when idle longer than the TTL, or by LRU once the pool exceeds
// capacity. One lock covers get-or-create and eviction.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*PoolEntry
	ttl      time.Duration
	capacity int

	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewPool creates a session pool. capacity <= 0 means unbounded; ttl <= 0
// disables TTL eviction.
func NewPool(ttl time.Duration, capacity int, metrics *observability.Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		entries:  make(map[string]*PoolEntry),
		ttl:      ttl,
		capacity: capacity,
		metrics:  metrics,
		logger:   logger.With("component", "memory_pool"),
	}
}

// GetOrCreate returns the session's memory handle, building one with factory
// on first use. An empty session id is replaced with a fresh UUID. The
// returned id is always the effective one.
func (p *Pool) GetOrCreate(sessionID, agentID string, factory func() *Memory) (string, *Memory) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if entry, ok := p.entries[sessionID]; ok {
		entry.LastAccess = time.Now()
		return sessionID, entry.Memory
	}

	now := time.Now()
	entry := &PoolEntry{
		SessionID:  sessionID,
		Memory:     factory(),
		AgentID:    agentID,
		CreatedAt:  now,
		LastAccess: now,
	}
	p.entries[sessionID] = entry
	p.setGauge()
	return sessionID, entry.Memory
}

// Touch refreshes a session's last-access time.
func (p *Pool) Touch(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[sessionID]; ok {
		entry.LastAccess = time.Now()
	}
}

// Len returns the pool occupancy.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Sweep evicts TTL-expired entries first, then LRU victims while the pool
// remains over capacity. Returns the number of evicted sessions.
func (p *Pool) Sweep() int {
	return p.sweepAt(time.Now())
}

func (p *Pool) sweepAt(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	if p.ttl > 0 {
		for id, entry := range p.entries {
			if now.Sub(entry.LastAccess) > p.ttl {
				delete(p.entries, id)
				evicted++
				p.countEviction("ttl")
				p.logger.Debug("evicted session", "session_id", id, "reason", "ttl")
			}
		}
	}

	if p.capacity > 0 && len(p.entries) > p.capacity {
		victims := make([]*PoolEntry, 0, len(p.entries))
		for _, entry := range p.entries {
			victims = append(victims, entry)
		}
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].LastAccess.Before(victims[j].LastAccess)
		})
		for _, entry := range victims[:len(p.entries)-p.capacity] {
			delete(p.entries, entry.SessionID)
			evicted++
			p.countEviction("lru")
			p.logger.Debug("evicted session", "session_id", entry.SessionID, "reason", "lru")
		}
	}

	p.setGauge()
	return evicted
}

func (p *Pool) countEviction(reason string) {
	if p.metrics != nil {
		p.metrics.EvictedSessions.WithLabelValues(reason).Inc()
	}
}

func (p *Pool) setGauge() {
	if p.metrics != nil {
		p.metrics.ActiveSessions.Set(float64(len(p.entries)))
	}
}
