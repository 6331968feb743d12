package guard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raillogistic/guard/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// Audit entry kinds.
const (
	AuditPermission = "permission"
	AuditField      = "field"
)

// AuditEntry records one evaluated decision.
type AuditEntry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Kind          string    `json:"kind"`
	UserID        string    `json:"user_id"`
	Permission    string    `json:"permission,omitempty"`
	Entity        string    `json:"entity,omitempty"`
	Field         string    `json:"field,omitempty"`
	ObjectID      string    `json:"object_id,omitempty"`
	Operation     Operation `json:"operation,omitempty"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason"`
	MatchedPolicy string    `json:"matched_policy,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
}

// AuditFilter narrows GetAccessLog. Zero fields match everything.
type AuditFilter struct {
	UserID     string
	Permission string
	Entity     string
	Allowed    *bool
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

func (f AuditFilter) match(e *AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Permission != "" && e.Permission != f.Permission {
		return false
	}
	if f.Entity != "" && e.Entity != f.Entity {
		return false
	}
	if f.Allowed != nil && e.Allowed != *f.Allowed {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditStore persists audit entries.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// MemoryAuditStore keeps entries in memory, newest last.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Auditor ships decisions to an AuditStore from a background worker so the
// permission check never waits on the store.
type Auditor struct {
	store       AuditStore
	denialsOnly bool
	ch          chan *AuditEntry
	done        chan struct{}
	once        sync.Once
	mu          sync.RWMutex
	closed      bool
	logger      logger.Logger
}

// NewAuditor starts the worker. When denialsOnly is set, allowed decisions
// are not recorded.
func NewAuditor(store AuditStore, denialsOnly bool, l logger.Logger) *Auditor {
	if l == nil {
		l = logger.Default()
	}
	a := &Auditor{
		store:       store,
		denialsOnly: denialsOnly,
		ch:          make(chan *AuditEntry, 1024),
		done:        make(chan struct{}),
		logger:      l,
	}
	go a.run()
	return a
}

func (a *Auditor) run() {
	defer close(a.done)
	bg := context.Background()
	for entry := range a.ch {
		if err := a.store.LogDecision(bg, entry); err != nil {
			a.logger.Warn("audit write failed", "id", entry.ID, "error", err)
		}
	}
}

// Enabled reports whether decisions are being audited.
func (a *Auditor) Enabled() bool { return a != nil }

// Record queues entry. A full queue or a closed auditor drops the entry
// rather than blocking.
func (a *Auditor) Record(entry *AuditEntry) {
	if a == nil || entry == nil {
		return
	}
	if a.denialsOnly && entry.Allowed {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	a.logger.Info("audit decision",
		"kind", entry.Kind,
		"user", entry.UserID,
		"permission", entry.Permission,
		"entity", entry.Entity,
		"field", entry.Field,
		"allowed", entry.Allowed,
		"matched_policy", entry.MatchedPolicy,
		"reason", entry.Reason,
	)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("auditor closed, dropping entry", "id", entry.ID)
		return
	}
	select {
	case a.ch <- entry:
	default:
		a.logger.Warn("audit queue full, dropping entry", "id", entry.ID)
	}
}

// GetAccessLog queries the underlying store.
func (a *Auditor) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	return a.store.GetAccessLog(ctx, filter)
}

// Close drains queued entries and stops the worker.
func (a *Auditor) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
	})
}
