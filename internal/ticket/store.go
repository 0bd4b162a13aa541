// Package ticket is the escalation manager and its append-only ticket
// log. A ticket is written once as one JSON line and never rewritten.
package ticket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StatusCreated is the only status this system assigns.
const StatusCreated = "created"

// ErrPersistence is returned when a ticket could not be durably written.
var ErrPersistence = errors.New("ticket persistence failure")

// ErrNotFound is returned by Get for an unknown ticket id.
var ErrNotFound = errors.New("ticket not found")

// Ticket is one escalation record as stored in the log.
type Ticket struct {
	ID          string    `json:"ticket_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UserEmail   string    `json:"user_email,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
}

// Store is a JSON Lines ticket log. Appends from concurrent callers are
// serialized so every line is a complete record.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// OpenStore opens the ticket log at path, creating it and its directory
// if needed.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ticket dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ticket log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("open ticket log: %w", err)
	}
	return &Store{path: path, logger: logger.With("component", "ticket_store")}, nil
}

// Path returns the log file location.
func (s *Store) Path() string {
	return s.path
}

// Append writes t as one line with a single write and syncs it to disk.
// On a short or failed write the file is truncated to its prior size so
// no partial line remains. Every failure wraps ErrPersistence.
func (s *Store) Append(t Ticket) error {
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, t.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open: %w", ErrPersistence, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %w", ErrPersistence, err)
	}
	size := info.Size()

	n, err := f.Write(line)
	if err == nil && n < len(line) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(line))
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr != nil {
			s.logger.Error("failed to roll back partial ticket line",
				"ticket_id", t.ID, "size", size, "error", terr)
		}
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, t.ID, err)
	}
	return nil
}

// ReadAll returns every ticket in log order. Lines that do not decode
// are logged and skipped.
func (s *Store) ReadAll() ([]Ticket, error) {
	var out []Ticket
	err := s.scan(func(t Ticket) bool {
		out = append(out, t)
		return true
	})
	return out, err
}

// Recent returns up to n tickets, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) ([]Ticket, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Ticket, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Count returns the number of tickets in the log.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.scan(func(Ticket) bool {
		n++
		return true
	})
	return n, err
}

// Get returns the ticket with id.
func (s *Store) Get(id string) (*Ticket, error) {
	var found *Ticket
	err := s.scan(func(t Ticket) bool {
		if t.ID == id {
			found = &t
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// scan calls fn for each decodable ticket until fn returns false.
func (s *Store) scan(fn func(Ticket) bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open ticket log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t Ticket
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn("skipping malformed ticket line", "line", lineNo, "error", err)
			continue
		}
		if !fn(t) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read ticket log: %w", err)
	}
	return nil
}
