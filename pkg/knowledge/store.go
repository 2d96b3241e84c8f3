package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// RecordStatus is the storage state of a fact record.
type RecordStatus string

// Record statuses. Quarantined and rejected records are kept for audit and
// never returned by live queries.
const (
	StatusLive        RecordStatus = "live"
	StatusSuperseded  RecordStatus = "superseded"
	StatusQuarantined RecordStatus = "quarantined"
	StatusRejected    RecordStatus = "rejected"
)

// Record is a stored fact plus the scorecard metadata the ingestor maintains.
type Record struct {
	ID   string   `json:"id" db:"id"`
	Fact hsp.Fact `json:"fact" db:"-"`

	Subject   string `json:"subject" db:"subject"`
	Predicate string `json:"predicate" db:"predicate"`
	Object    string `json:"object" db:"object"`

	// StoredConfidence is the committed confidence: the fact's own score plus
	// the novelty bonus where applicable. Never raised by repetition.
	StoredConfidence float64 `json:"stored_confidence" db:"stored_confidence"`
	// EffectiveConfidence is confidence × trust of the committing sender,
	// the quantity conflicts are decided on.
	EffectiveConfidence float64 `json:"effective_confidence" db:"effective_confidence"`

	// Corroboration counts independent receptions, the first commit included.
	Corroboration int      `json:"corroboration" db:"corroboration"`
	Provenance    []string `json:"provenance" db:"-"`

	Status        RecordStatus `json:"status" db:"status"`
	SupersededBy  string       `json:"superseded_by,omitempty" db:"superseded_by"`
	Supersedes    string       `json:"supersedes,omitempty" db:"supersedes"`
	ConflictsWith []string     `json:"conflicts_with,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store is the persistence surface the ingestor writes through.
type Store interface {
	// Insert commits a new record, whatever its status.
	Insert(ctx context.Context, rec *Record) error
	// GetByFactID returns the live record carrying the given fact id, or nil.
	GetByFactID(ctx context.Context, factID string) (*Record, error)
	// LiveByPair returns live records asserting about (subject, predicate).
	LiveByPair(ctx context.Context, subject, predicate string) ([]*Record, error)
	// IncrementCorroboration bumps the counter and appends provenance.
	IncrementCorroboration(ctx context.Context, id, senderID string) error
	// Supersede marks old superseded by new and back-links new to old.
	Supersede(ctx context.Context, oldID, newID string) error
	// MarkConflicting cross-links two records as mutually contradicting.
	MarkConflicting(ctx context.Context, a, b string) error
}

// MemoryStore keeps records in process memory. Used by tests and by
// deployments running without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	byFact  map[string]string   // fact id → record id (latest)
	byPair  map[string][]string // subject|predicate → record ids
	inserts []string
}

// NewMemoryStore creates an empty in-memory fact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Record),
		byFact: make(map[string]string),
		byPair: make(map[string][]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.byID[rec.ID] = &cp
	if rec.Status == StatusLive {
		s.byFact[rec.Fact.FactID] = rec.ID
	}
	pair := rec.Subject + "|" + rec.Predicate
	s.byPair[pair] = append(s.byPair[pair], rec.ID)
	s.inserts = append(s.inserts, rec.ID)
	return nil
}

func (s *MemoryStore) GetByFactID(_ context.Context, factID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFact[factID]
	if !ok {
		return nil, nil
	}
	rec := s.byID[id]
	if rec == nil || rec.Status != StatusLive {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) LiveByPair(_ context.Context, subject, predicate string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, id := range s.byPair[subject+"|"+predicate] {
		if rec := s.byID[id]; rec != nil && rec.Status == StatusLive {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementCorroboration(_ context.Context, id, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return errRecordNotFound(id)
	}
	rec.Corroboration++
	rec.Provenance = append(rec.Provenance, senderID)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Supersede(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldRec, ok := s.byID[oldID]
	if !ok {
		return errRecordNotFound(oldID)
	}
	newRec, ok := s.byID[newID]
	if !ok {
		return errRecordNotFound(newID)
	}
	now := time.Now().UTC()
	oldRec.Status = StatusSuperseded
	oldRec.SupersededBy = newID
	oldRec.UpdatedAt = now
	newRec.Supersedes = oldID
	newRec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkConflicting(_ context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.byID[a]
	if !ok {
		return errRecordNotFound(a)
	}
	rb, ok := s.byID[b]
	if !ok {
		return errRecordNotFound(b)
	}
	ra.ConflictsWith = append(ra.ConflictsWith, b)
	rb.ConflictsWith = append(rb.ConflictsWith, a)
	return nil
}

// Get returns any record by internal id, live or not.
func (s *MemoryStore) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

type errRecordNotFound string

func (e errRecordNotFound) Error() string {
	return "fact record not found: " + string(e)
}
