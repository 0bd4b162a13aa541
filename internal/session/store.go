// Package session holds per-session conversation transcripts in memory.
//
// Each session owns an ordered, append-only list of turns. Work that reads
// a transcript and then appends to it runs inside an [Exchange], which
// holds that session's exclusive lock until released, so concurrent
// messages on one session can never interleave their turns. Different
// sessions proceed in parallel.
package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Role tags a turn as coming from the user or the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ErrInvalidRole is returned when appending a turn with an unknown role.
var ErrInvalidRole = errors.New("invalid turn role")

// ErrReleased is returned when an Exchange is used after Release.
var ErrReleased = errors.New("exchange released")

// Turn is one role-tagged message. Turns are immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info summarizes one session without exposing its turns.
type Info struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	Busy      bool      `json:"busy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats describes the store as a whole.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Turns       int    `json:"turns"`
	Busy        int    `json:"busy"`
	MaxSessions int    `json:"max_sessions"`
	Evictions   uint64 `json:"evictions"`
}

// Options configures a Store.
type Options struct {
	// MaxSessions caps the number of resident sessions. When a new
	// session would exceed the cap, the least recently used idle session
	// is evicted. Zero means unbounded.
	MaxSessions int

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	id      string
	created time.Time

	// gate is a one-slot semaphore held for the lifetime of an Exchange.
	gate chan struct{}

	// refs counts exchanges holding or waiting on gate. Guarded by
	// Store.mu. Sessions with refs > 0 are never evicted.
	refs int

	mu      sync.Mutex
	turns   []Turn
	updated time.Time

	elem *list.Element
}

// Store maps session identifiers to transcripts.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*entry
	lru       *list.List // front = most recently used
	max       int
	evictions uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an empty session store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	max := opts.MaxSessions
	if max < 0 {
		max = 0
	}
	return &Store{
		sessions: make(map[string]*entry),
		lru:      list.New(),
		max:      max,
		logger:   logger,
		now:      now,
	}
}

// lookup returns the entry for id, registering it if needed, and marks
// it most recently used. Caller must hold s.mu.
func (s *Store) lookup(id string) *entry {
	if e, ok := s.sessions[id]; ok {
		s.lru.MoveToFront(e.elem)
		return e
	}

	if s.max > 0 && len(s.sessions) >= s.max {
		s.evictLocked()
	}

	now := s.now()
	e := &entry{
		id:      id,
		created: now,
		updated: now,
		gate:    make(chan struct{}, 1),
		turns:   []Turn{},
	}
	e.elem = s.lru.PushFront(e)
	s.sessions[id] = e
	return e
}

// evictLocked drops the least recently used idle session. If every
// session is busy the store grows past its cap instead.
func (s *Store) evictLocked() {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs > 0 {
			continue
		}
		s.lru.Remove(el)
		delete(s.sessions, e.id)
		s.evictions++

		e.mu.Lock()
		turns := len(e.turns)
		e.mu.Unlock()
		s.logger.Info("session evicted",
			"session_id", e.id,
			"turns", turns,
			"idle", s.now().Sub(e.updated).Round(time.Second),
		)
		return
	}
	s.logger.Warn("session cap reached with every session busy",
		"max_sessions", s.max,
		"sessions", len(s.sessions),
	)
}

// GetOrCreate returns a copy of the transcript for id, registering an
// empty one when id is unknown.
func (s *Store) GetOrCreate(id string) []Turn {
	s.mu.Lock()
	e := s.lookup(id)
	s.mu.Unlock()

	return e.snapshot()
}

// Append adds one turn to the transcript for id. It waits for any open
// Exchange on the session to finish first.
func (s *Store) Append(id string, turn Turn) error {
	ex, err := s.Begin(context.Background(), id)
	if err != nil {
		return err
	}
	defer ex.Release()
	return ex.Append(turn)
}

// Transcript returns a copy of the transcript for id without creating
// the session.
func (s *Store) Transcript(id string) ([]Turn, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IDs returns resident session identifiers, most recently used first.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for el := s.lru.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*entry).id)
	}
	return ids
}

// List returns a summary of every resident session, most recently
// updated first.
func (s *Store) List() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.sessions))
	for _, e := range s.sessions {
		e.mu.Lock()
		infos = append(infos, Info{
			ID:        e.id,
			Turns:     len(e.turns),
			Busy:      e.refs > 0,
			CreatedAt: e.created,
			UpdatedAt: e.updated,
		})
		e.mu.Unlock()
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

// Stats returns aggregate counters for the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Sessions:    len(s.sessions),
		MaxSessions: s.max,
		Evictions:   s.evictions,
	}
	for _, e := range s.sessions {
		e.mu.Lock()
		st.Turns += len(e.turns)
		e.mu.Unlock()
		if e.refs > 0 {
			st.Busy++
		}
	}
	return st
}

// Begin opens an exclusive Exchange on session id, creating the session
// if needed. It blocks until any other Exchange on the same session is
// released or ctx is done. The caller must call Release.
func (s *Store) Begin(ctx context.Context, id string) (*Exchange, error) {
	s.mu.Lock()
	e := s.lookup(id)
	e.refs++
	s.mu.Unlock()

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		s.unref(e)
		return nil, fmt.Errorf("waiting for session %q: %w", id, ctx.Err())
	}

	return &Exchange{store: s, entry: e}, nil
}

func (s *Store) unref(e *entry) {
	s.mu.Lock()
	e.refs--
	s.mu.Unlock()
}

func (e *entry) snapshot() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Exchange is exclusive access to one session for the duration of a
// read-then-append sequence.
type Exchange struct {
	store *Store
	entry *entry

	once     sync.Once
	released atomic.Bool
}

// SessionID returns the identifier of the session held.
func (x *Exchange) SessionID() string {
	return x.entry.id
}

// Transcript returns a copy of the session's turns, or nil once the
// Exchange has been released.
func (x *Exchange) Transcript() []Turn {
	if x.released.Load() {
		return nil
	}
	return x.entry.snapshot()
}

// Append adds one turn. A zero Timestamp is filled with the store clock.
func (x *Exchange) Append(turn Turn) error {
	if x.released.Load() {
		return fmt.Errorf("session %q: %w", x.entry.id, ErrReleased)
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, turn.Role)
	}
	now := x.store.now()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}

	e := x.entry
	e.mu.Lock()
	e.turns = append(e.turns, turn)
	e.updated = now
	e.mu.Unlock()
	return nil
}

// Release gives up the session lock. Calling it more than once is safe.
func (x *Exchange) Release() {
	x.once.Do(func() {
		x.released.Store(true)
		<-x.entry.gate
		x.store.unref(x.entry)
	})
}
