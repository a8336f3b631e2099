// Package store implements the in-memory job table partitioned by service name.
// Each service gets a stable bucket on first use; records are keyed by token
// inside the bucket and keep their insertion order.
package store

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidToken returned by any lookup or update called with an empty token
var ErrInvalidToken = errors.New("token must be provided")

// Status represents the lifecycle state of a job record.
// NotExist is a query result only, never stored.
type Status int

// job statuses, ordered by progression
const (
	StatusNotExist Status = iota - 1
	StatusFailed
	StatusCreated
	StatusProcessing
	StatusComplete
)

// String returns the wire representation of status
func (s Status) String() string {
	switch s {
	case StatusNotExist:
		return "not_exist"
	case StatusFailed:
		return "failed"
	case StatusCreated:
		return "created"
	case StatusProcessing:
		return "processing"
	case StatusComplete:
		return "complete"
	}
	return "unknown"
}

// Terminal reports whether the status is final from the execution viewpoint.
// Terminal records stay in the store until delivery is acknowledged.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Callback is the location a completed job result is pushed to
type Callback struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Record is a single registered job. Status and Result are the only fields
// mutated after creation.
type Record struct {
	Token     string         `json:"message_token"`
	Service   string         `json:"service_name"`
	Status    Status         `json:"status"`
	Payload   map[string]any `json:"payload"`
	Result    map[string]any `json:"result,omitempty"`
	Callback  Callback       `json:"redirect_location"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// bucket holds records for one service in insertion order
type bucket struct {
	mu      sync.RWMutex
	id      int
	order   []string
	records map[string]*Record
}

// Store is a thread-safe job table, one bucket per service name.
// Bucket ids are assigned monotonically on first use and never change.
type Store struct {
	mu      sync.Mutex // guards buckets map and id assignment
	buckets map[string]*bucket
	nextID  int
}

// New creates an empty store
func New() *Store {
	return &Store{buckets: make(map[string]*bucket), nextID: 1}
}

// AssignBucket returns the bucket id for the service, creating one on first use
func (s *Store) AssignBucket(service string) int {
	return s.bucket(service).id
}

func (s *Store) bucket(service string) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[service]
	if !ok {
		b = &bucket{id: s.nextID, records: make(map[string]*Record)}
		s.nextID++
		s.buckets[service] = b
	}
	return b
}

// Upsert inserts a new record for the token or overwrites the existing one in
// place. A terminal record is never downgraded back to a non-terminal status.
func (s *Store) Upsert(service, token string, rec Record) error {
	if token == "" {
		return ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	rec.Token, rec.Service = token, service
	if cur, ok := b.records[token]; ok {
		if cur.Status.Terminal() && !rec.Status.Terminal() {
			return errors.New("can't revert terminal status for " + token)
		}
		rec.CreatedAt, rec.UpdatedAt = cur.CreatedAt, now
		*cur = rec
		return nil
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	b.order = append(b.order, token)
	b.records[token] = &rec
	return nil
}

// Get returns the record for the token, false if not found
func (s *Store) Get(service, token string) (Record, bool, error) {
	if token == "" {
		return Record{}, false, ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[token]
	if !ok {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// Has checks whether a record exists for the token
func (s *Store) Has(service, token string) (bool, error) {
	if token == "" {
		return false, ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.records[token]
	return ok, nil
}

// Delete removes the record for the token, reports if anything was removed.
// This is the only way a token leaves the store; callers invoke it after an
// acknowledged delivery.
func (s *Store) Delete(service, token string) (bool, error) {
	if token == "" {
		return false, ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(token), nil
}

// remove deletes token from the bucket, caller must hold the write lock
func (b *bucket) remove(token string) bool {
	if _, ok := b.records[token]; !ok {
		return false
	}
	delete(b.records, token)
	for i, t := range b.order {
		if t == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Status returns the status and record for the token, StatusNotExist with an
// empty record if absent
func (s *Store) Status(service, token string) (Status, Record, error) {
	if token == "" {
		return StatusNotExist, Record{}, ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[token]
	if !ok {
		return StatusNotExist, Record{}, nil
	}
	return rec.Status, *rec, nil
}

// UpdateStatus mutates the status in place without replacing the record,
// reports if the record was found. Terminal statuses never revert.
func (s *Store) UpdateStatus(service, token string, status Status) (bool, error) {
	if token == "" {
		return false, ErrInvalidToken
	}
	b := s.bucket(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[token]
	if !ok {
		return false, nil
	}
	if rec.Status.Terminal() && status != rec.Status {
		return false, errors.New("can't revert terminal status for " + token)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return true, nil
}

// Dump returns a copy of the full store contents, service name to ordered
// records. Debug and inspection use only.
func (s *Store) Dump() map[string][]Record {
	s.mu.Lock()
	buckets := make(map[string]*bucket, len(s.buckets))
	for svc, b := range s.buckets {
		buckets[svc] = b
	}
	s.mu.Unlock()

	res := make(map[string][]Record, len(buckets))
	for svc, b := range buckets {
		b.mu.RLock()
		recs := make([]Record, 0, len(b.order))
		for _, token := range b.order {
			recs = append(recs, *b.records[token])
		}
		b.mu.RUnlock()
		res[svc] = recs
	}
	return res
}

// ReapTerminal removes terminal (complete or failed) records not updated for
// maxAge and returns the removed tokens. Keeps undelivered results from piling
// up forever when the consumer never acknowledges.
func (s *Store) ReapTerminal(maxAge time.Duration) []string {
	s.mu.Lock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(-maxAge)
	var reaped []string
	for _, b := range buckets {
		b.mu.Lock()
		for _, token := range append([]string{}, b.order...) {
			rec := b.records[token]
			if rec.Status.Terminal() && rec.UpdatedAt.Before(deadline) {
				b.remove(token)
				reaped = append(reaped, token)
			}
		}
		b.mu.Unlock()
	}
	return reaped
}
