package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commodex/backoffice/internal/events"
)

// memStore mirrors the PostgresStore semantics in memory: atomic leasing
// (the SKIP LOCKED equivalent), unique idempotency keys, and the status
// transition rules. Used by emitter, dispatcher and sweeper tests.
type memStore struct {
	mu      sync.Mutex
	order   []uuid.UUID
	records map[uuid.UUID]*Record
	byKey   map[string]uuid.UUID
	log     []*events.Envelope
	now     func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[uuid.UUID]*Record),
		byKey:   make(map[string]uuid.UUID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	return &out
}

func (m *memStore) InsertRecord(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IdempotencyKey != nil {
		if id, ok := m.byKey[*rec.IdempotencyKey]; ok {
			return cloneRecord(m.records[id]), false, nil
		}
	}

	stored := cloneRecord(rec)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.MaxRetries <= 0 {
		stored.MaxRetries = DefaultMaxRetries
	}
	if stored.Version == 0 {
		stored.Version = events.CurrentSchemaVersion
	}
	stored.Status = StatusPending
	stored.CreatedAt = m.now()
	stored.UpdatedAt = stored.CreatedAt

	m.records[stored.ID] = stored
	m.order = append(m.order, stored.ID)
	if stored.IdempotencyKey != nil {
		m.byKey[*stored.IdempotencyKey] = stored.ID
	}
	return cloneRecord(stored), true, nil
}

func (m *memStore) AppendEvent(ctx context.Context, env *events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, env)
	return nil
}

func (m *memStore) LeaseBatch(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var leased []*Record
	for _, id := range m.order {
		if len(leased) >= limit {
			break
		}
		rec := m.records[id]
		due := rec.Status == StatusPending &&
			(rec.NextRetryAt == nil || !rec.NextRetryAt.After(now))
		stale := rec.Status == StatusProcessing &&
			rec.UpdatedAt.Before(now.Add(-staleAfter))
		if !due && !stale {
			continue
		}
		rec.Status = StatusProcessing
		rec.UpdatedAt = now
		leased = append(leased, cloneRecord(rec))
	}
	return leased, nil
}

func (m *memStore) ResolveBatch(ctx context.Context, resolutions []Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, res := range resolutions {
		rec, ok := m.records[res.ID]
		if !ok {
			continue
		}
		rec.RetryCount = res.RetryCount
		rec.UpdatedAt = m.now()
		switch res.Status {
		case StatusPublished:
			rec.Status = StatusPublished
			msgID := res.MessageID
			publishedAt := res.PublishedAt
			rec.MessageID = &msgID
			rec.PublishedAt = &publishedAt
			rec.NextRetryAt = nil
			rec.LastError = nil
		case StatusPending:
			rec.Status = StatusPending
			rec.NextRetryAt = res.NextRetryAt
			lastErr := truncateError(res.LastError)
			rec.LastError = &lastErr
		case StatusFailed:
			rec.Status = StatusFailed
			rec.NextRetryAt = nil
			lastErr := truncateError(res.LastError)
			rec.LastError = &lastErr
		}
	}
	return nil
}

func (m *memStore) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	remaining := m.order[:0]
	for _, id := range m.order {
		rec := m.records[id]
		if rec.Status == StatusPublished && rec.PublishedAt != nil && rec.PublishedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
			continue
		}
		remaining = append(remaining, id)
	}
	m.order = remaining
	return deleted, nil
}

func (m *memStore) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		if rec := m.records[id]; rec.Status == StatusFailed {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *memStore) ReplayFailed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status != StatusFailed {
		return ErrNotFound
	}
	rec.Status = StatusPending
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.LastError = nil
	rec.UpdatedAt = m.now()
	return nil
}

func (m *memStore) get(id uuid.UUID) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return cloneRecord(rec)
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memStore) eventLogLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}
