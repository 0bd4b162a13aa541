package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/supporthub/internal/events"
)

// IDPrefix starts every ticket identifier.
const IDPrefix = "TICKET-"

// DefaultPriority applies when a request leaves priority empty.
const DefaultPriority = "medium"

// notifyTimeout bounds each notifier call.
const notifyTimeout = 30 * time.Second

// Request is the caller's input to Create.
type Request struct {
	UserMessage string
	AIResponse  string
	UserEmail   string
	SessionID   string
	Priority    string
}

// Notifier is told about each ticket after it is persisted. Errors are
// logged and never affect the created ticket.
type Notifier interface {
	TicketCreated(ctx context.Context, t Ticket) error
}

type namedNotifier struct {
	name string
	n    Notifier
}

// Manager creates tickets. It is the only writer of its Store.
type Manager struct {
	store           *Store
	logger          *slog.Logger
	events          *events.Bus
	defaultPriority string
	now             func() time.Time

	notifiers []namedNotifier
	pending   sync.WaitGroup

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewManager creates a manager writing to store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           store,
		logger:          logger.With("component", "escalation"),
		defaultPriority: DefaultPriority,
		now:             time.Now,
		entropy:         ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetEventBus attaches an event bus for ticket_created events.
func (m *Manager) SetEventBus(b *events.Bus) {
	m.events = b
}

// SetDefaultPriority overrides the priority used when a request has none.
func (m *Manager) SetDefaultPriority(p string) {
	if p = strings.TrimSpace(p); p != "" {
		m.defaultPriority = p
	}
}

// AddNotifier registers n under name. Call before serving requests.
func (m *Manager) AddNotifier(name string, n Notifier) {
	m.notifiers = append(m.notifiers, namedNotifier{name: name, n: n})
}

// Store returns the underlying ticket log.
func (m *Manager) Store() *Store {
	return m.store
}

// Create persists a new ticket and returns it. Notifiers run in the
// background after the ticket is durable. On a write failure the error
// wraps ErrPersistence and no ticket is returned.
func (m *Manager) Create(ctx context.Context, req Request) (*Ticket, error) {
	priority := strings.ToLower(strings.TrimSpace(req.Priority))
	if priority == "" {
		priority = m.defaultPriority
	}

	t := Ticket{
		ID:          m.newID(),
		UserMessage: req.UserMessage,
		AIResponse:  req.AIResponse,
		Status:      StatusCreated,
		Priority:    priority,
		CreatedAt:   m.now().UTC(),
		UserEmail:   strings.TrimSpace(req.UserEmail),
		SessionID:   req.SessionID,
	}

	if err := m.store.Append(t); err != nil {
		m.logger.Error("ticket not persisted", "ticket_id", t.ID, "error", err)
		return nil, err
	}

	m.logger.Info("ticket created", "ticket_id", t.ID, "priority", t.Priority, "session", t.SessionID)
	m.events.Emit(events.SourceTicket, events.KindTicketCreated, map[string]any{
		"ticket_id":  t.ID,
		"priority":   t.Priority,
		"session_id": t.SessionID,
	})
	m.notify(ctx, t)

	return &t, nil
}

// Wait blocks until in-flight notifications finish.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) notify(ctx context.Context, t Ticket) {
	if len(m.notifiers) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, nn := range m.notifiers {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			nctx, cancel := context.WithTimeout(base, notifyTimeout)
			defer cancel()
			if err := nn.n.TicketCreated(nctx, t); err != nil {
				m.logger.Warn("ticket notifier failed", "notifier", nn.name, "ticket_id", t.ID, "error", err)
				return
			}
			m.logger.Debug("ticket notifier delivered", "notifier", nn.name, "ticket_id", t.ID)
		}()
	}
}

// newID returns TICKET- followed by a ULID. Monotonic entropy keeps ids
// unique and ordered within one millisecond.
func (m *Manager) newID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(m.now()), m.entropy)
	return fmt.Sprintf("%s%s", IDPrefix, id)
}
