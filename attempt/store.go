// Package attempt counts failed logins per client and blocks clients that
// reach a threshold, until the block expires.
//
// Expiry is lazy: an expired block is removed, together with the client's
// attempt record, when IsBlocked sees it.
package attempt

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Defaults for a Store.
const (
	DefaultThreshold = 10
	DefaultDuration  = time.Hour
)

// Reason is recorded for every block.
const Reason = "too many failed login attempts"

// ErrStoreIO is wrapped by every error from a Backing.
var ErrStoreIO = errors.Str("attempt store I/O error")

type (
	// AttemptRecord counts failures for one client.
	AttemptRecord struct {
		Count     uint      `json:"count"`
		FirstSeen time.Time `json:"first_attempt"`
		LastSeen  time.Time `json:"last_attempt"`
	}

	// BlockRecord is an active block for one client.
	BlockRecord struct {
		BlockedAt    time.Time `json:"blocked_at"`
		BlockedUntil time.Time `json:"blocked_until"`
		Reason       string    `json:"reason"`
	}

	// Snapshot is everything a Backing stores.
	Snapshot struct {
		Attempts map[string]AttemptRecord `json:"attempts"`
		Blocks   map[string]BlockRecord   `json:"blocks"`
	}
)

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Attempts: make(map[string]AttemptRecord),
		Blocks:   make(map[string]BlockRecord),
	}
}

// Backing persists a Snapshot.
//
// The Store serializes all calls; implementations don't need to lock.
type Backing interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

type (
	Opt  func(*Store)
	Func func() time.Time
)

// WithThreshold sets the number of failures after which a client is blocked.
func WithThreshold(n uint) Opt { return func(s *Store) { s.threshold = n } }

// WithDuration sets how long a block lasts.
func WithDuration(d time.Duration) Opt { return func(s *Store) { s.duration = d } }

// WithClock sets the function to get the current time with.
func WithClock(now Func) Opt { return func(s *Store) { s.now = now } }

// WithHashedKeys stores a BLAKE2b hash of the identifier instead of the
// identifier itself.
func WithHashedKeys() Opt { return func(s *Store) { s.hashKeys = true } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Opt { return func(s *Store) { s.log = l } }

// Store tracks failed attempts and blocks.
//
// Every operation is a complete load-modify-save cycle under one lock, so
// concurrent RecordFailure calls never lose an increment.
type Store struct {
	mu        sync.Mutex
	b         Backing
	threshold uint
	duration  time.Duration
	now       Func
	hashKeys  bool
	log       *zap.Logger
}

// New creates a new Store.
func New(b Backing, opts ...Opt) *Store {
	s := &Store{
		b:         b,
		threshold: DefaultThreshold,
		duration:  DefaultDuration,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.threshold == 0 {
		s.threshold = 1
	}
	return s
}

func (s *Store) key(id string) string {
	if !s.hashKeys {
		return id
	}
	h := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(h[:])
}

// IsBlocked reports if id is blocked.
//
// Errors from the backing are logged and reported as not blocked.
func (s *Store) IsBlocked(id string) bool {
	blocked, err := s.CheckBlocked(id)
	if err != nil {
		s.log.Error("checking block; allowing", zap.Error(err))
		return false
	}
	return blocked
}

// CheckBlocked is like IsBlocked, but returns the error.
//
// A block that has expired is removed, along with the attempt record, and
// reported as not blocked.
func (s *Store) CheckBlocked(id string) (bool, error) {
	const op = errors.Op("attempt_check_blocked")

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(op)
	if err != nil {
		return false, err
	}

	k := s.key(id)
	b, ok := snap.Blocks[k]
	if !ok {
		return false, nil
	}

	now := s.now()
	if now.Before(b.BlockedUntil) {
		return true, nil
	}

	delete(snap.Blocks, k)
	delete(snap.Attempts, k)
	if err := s.save(op, snap); err != nil {
		return false, err
	}
	s.log.Debug("block expired", zap.Time("blocked_until", b.BlockedUntil))
	return false, nil
}

// RecordFailure counts a failed attempt for id. Once the count reaches the
// threshold id is blocked and its count starts over.
//
// Errors from the backing are logged and ignored.
func (s *Store) RecordFailure(id string) {
	if _, err := s.Fail(id); err != nil {
		s.log.Error("recording failure", zap.Error(err))
	}
}

// Fail is like RecordFailure, but returns the error and if id is blocked by
// this failure.
func (s *Store) Fail(id string) (bool, error) {
	const op = errors.Op("attempt_record_failure")

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(op)
	if err != nil {
		return false, err
	}

	var (
		k   = s.key(id)
		now = s.now()
		a   = snap.Attempts[k]
	)
	if a.Count == 0 {
		a.FirstSeen = now
	}
	a.Count++
	a.LastSeen = now

	blocked := a.Count >= s.threshold
	if blocked {
		delete(snap.Attempts, k)
		snap.Blocks[k] = BlockRecord{
			BlockedAt:    now,
			BlockedUntil: now.Add(s.duration),
			Reason:       Reason,
		}
		s.log.Info("blocking",
			zap.Uint("attempts", a.Count),
			zap.Duration("duration", s.duration))
	} else {
		snap.Attempts[k] = a
	}

	return blocked, s.save(op, snap)
}

// Reset removes the attempt record and any block for id.
func (s *Store) Reset(id string) error {
	const op = errors.Op("attempt_reset")

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(op)
	if err != nil {
		return err
	}
	k := s.key(id)
	delete(snap.Attempts, k)
	delete(snap.Blocks, k)
	return s.save(op, snap)
}

// Status returns the attempt and block records for id, without expiring
// anything.
func (s *Store) Status(id string) (AttemptRecord, *BlockRecord, error) {
	const op = errors.Op("attempt_status")

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load(op)
	if err != nil {
		return AttemptRecord{}, nil, err
	}
	k := s.key(id)
	a := snap.Attempts[k]
	if b, ok := snap.Blocks[k]; ok {
		return a, &b, nil
	}
	return a, nil, nil
}

func (s *Store) load(op errors.Op) (*Snapshot, error) {
	snap, err := s.b.Load()
	if err != nil {
		return nil, errors.E(op, fmt.Errorf("%w: %w", ErrStoreIO, err))
	}
	if snap == nil {
		snap = NewSnapshot()
	}
	if snap.Attempts == nil {
		snap.Attempts = make(map[string]AttemptRecord)
	}
	if snap.Blocks == nil {
		snap.Blocks = make(map[string]BlockRecord)
	}
	return snap, nil
}

func (s *Store) save(op errors.Op, snap *Snapshot) error {
	if err := s.b.Save(snap); err != nil {
		return errors.E(op, fmt.Errorf("%w: %w", ErrStoreIO, err))
	}
	return nil
}
