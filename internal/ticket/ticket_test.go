package ticket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/supporthub/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickets", "support_tickets.jsonl")
	store, err := OpenStore(path, quietLogger())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return NewManager(store, quietLogger()), path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestCreate_HighPriority(t *testing.T) {
	m, path := newTestManager(t)

	tk, err := m.Create(context.Background(), Request{
		UserMessage: "I can't log in",
		AIResponse:  "I don't have that information",
		Priority:    "high",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tk.Status != StatusCreated || tk.Priority != "high" {
		t.Errorf("ticket = %+v", tk)
	}
	if !strings.HasPrefix(tk.ID, IDPrefix) || len(tk.ID) != len(IDPrefix)+26 {
		t.Errorf("ID = %q, want TICKET-<ULID>", tk.ID)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("log has %d lines, want 1", len(lines))
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &fields); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	want := map[string]string{
		"ticket_id":    tk.ID,
		"user_message": "I can't log in",
		"ai_response":  "I don't have that information",
		"status":       "created",
		"priority":     "high",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %q", k, fields[k], v)
		}
	}
	if _, ok := fields["created_at"]; !ok {
		t.Error("created_at missing")
	}
	if _, ok := fields["user_email"]; ok {
		t.Error("empty user_email should be omitted")
	}
}

func TestCreate_Priority(t *testing.T) {
	tests := []struct {
		name     string
		priority string
		override string
		want     string
	}{
		{"empty uses default", "", "", "medium"},
		{"explicit", "low", "", "low"},
		{"normalized", "  HIGH ", "", "high"},
		{"configured default", "", "normal", "normal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			m.SetDefaultPriority(tt.override)
			tk, err := m.Create(context.Background(), Request{UserMessage: "u", AIResponse: "a", Priority: tt.priority})
			if err != nil {
				t.Fatal(err)
			}
			if tk.Priority != tt.want {
				t.Errorf("Priority = %q, want %q", tk.Priority, tt.want)
			}
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var created []*Ticket
	for i := range 3 {
		tk, err := m.Create(ctx, Request{
			UserMessage: fmt.Sprintf("problem %d", i),
			AIResponse:  "sorry",
			UserEmail:   "user@example.com",
			SessionID:   "s1",
		})
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, tk)
	}

	all, err := m.Store().ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ReadAll = %d tickets, want 3", len(all))
	}
	for i, tk := range all {
		c := created[i]
		if tk.ID != c.ID || tk.UserMessage != c.UserMessage || tk.UserEmail != c.UserEmail || tk.SessionID != c.SessionID {
			t.Errorf("ticket %d = %+v, want %+v", i, tk, *c)
		}
		if !tk.CreatedAt.Equal(c.CreatedAt) {
			t.Errorf("ticket %d CreatedAt = %v, want %v", i, tk.CreatedAt, c.CreatedAt)
		}
	}

	recent, err := m.Store().Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != created[2].ID || recent[1].ID != created[1].ID {
		t.Errorf("Recent(2) = %v, want newest first", recent)
	}

	got, err := m.Store().Get(created[1].ID)
	if err != nil || got.UserMessage != "problem 1" {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := m.Store().Get("TICKET-NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) err = %v, want ErrNotFound", err)
	}
	if n, _ := m.Store().Count(); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestCreate_UniqueIDsWithinSameInstant(t *testing.T) {
	m, _ := newTestManager(t)
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	seen := make(map[string]bool)
	for range 100 {
		tk, err := m.Create(context.Background(), Request{UserMessage: "u", AIResponse: "a"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[tk.ID] {
			t.Fatalf("duplicate id %s", tk.ID)
		}
		seen[tk.ID] = true
	}
}

func TestCreate_ConcurrentWritersKeepWholeLines(t *testing.T) {
	m, path := newTestManager(t)
	long := strings.Repeat("x", 8192)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(context.Background(), Request{UserMessage: fmt.Sprintf("%d %s", i, long), AIResponse: "a"}); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	lines := readLines(t, path)
	if len(lines) != n {
		t.Fatalf("log has %d lines, want %d", len(lines), n)
	}
	ids := make(map[string]bool)
	for i, line := range lines {
		var tk Ticket
		if err := json.Unmarshal([]byte(line), &tk); err != nil {
			t.Fatalf("line %d is not a whole record: %v", i, err)
		}
		ids[tk.ID] = true
	}
	if len(ids) != n {
		t.Errorf("distinct ids = %d, want %d", len(ids), n)
	}
}

func TestCreate_PersistenceFailure(t *testing.T) {
	m, path := newTestManager(t)
	// Replace the log with a directory so opening it for write fails.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	notified := &recordingNotifier{}
	m.AddNotifier("test", notified)

	tk, err := m.Create(context.Background(), Request{UserMessage: "u", AIResponse: "a"})
	if tk != nil {
		t.Errorf("ticket = %+v, want nil", tk)
	}
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	m.Wait()
	if len(notified.got()) != 0 {
		t.Error("notifiers should not run for unpersisted tickets")
	}
}

func TestStore_SkipsMalformedLines(t *testing.T) {
	m, path := newTestManager(t)
	if _, err := m.Create(context.Background(), Request{UserMessage: "first", AIResponse: "a"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := m.Create(context.Background(), Request{UserMessage: "second", AIResponse: "a"}); err != nil {
		t.Fatal(err)
	}

	all, err := m.Store().ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].UserMessage != "first" || all[1].UserMessage != "second" {
		t.Errorf("ReadAll = %+v", all)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	tickets []Ticket
	err     error
}

func (r *recordingNotifier) TicketCreated(_ context.Context, t Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, t)
	return r.err
}

func (r *recordingNotifier) got() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Ticket(nil), r.tickets...)
}

func TestCreate_NotifiesAndPublishes(t *testing.T) {
	m, _ := newTestManager(t)
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)
	m.SetEventBus(bus)

	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("broker down")}
	m.AddNotifier("ok", ok)
	m.AddNotifier("failing", failing)

	tk, err := m.Create(context.Background(), Request{UserMessage: "u", AIResponse: "a", Priority: "high"})
	if err != nil {
		t.Fatalf("Create: %v (notifier failures must not surface)", err)
	}
	m.Wait()

	if got := ok.got(); len(got) != 1 || got[0].ID != tk.ID {
		t.Errorf("ok notifier got %v", got)
	}
	if got := failing.got(); len(got) != 1 {
		t.Errorf("failing notifier called %d times, want 1", len(got))
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceTicket || e.Kind != events.KindTicketCreated || e.Data["ticket_id"] != tk.ID {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no ticket_created event")
	}
}
