package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/supporthub/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"claude-sonnet-4-0": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			RequestID:    "r_001",
			SessionID:    "sess-1",
			Model:        "claude-sonnet-4-0",
			Provider:     "anthropic",
			Channel:      "http",
			InputTokens:  1000,
			OutputTokens: 500,
			ToolCalls:    1,
			CostUSD:      0.0105, // 1000/1M*3 + 500/1M*15
		},
		{
			Timestamp:    now,
			RequestID:    "r_002",
			SessionID:    "sess-1",
			Model:        "gpt-4o-mini",
			Provider:     "openai",
			Channel:      "websocket",
			InputTokens:  2000,
			OutputTokens: 1000,
			CostUSD:      0.0009, // 2000/1M*0.15 + 1000/1M*0.6
		},
		{
			Timestamp:    now,
			RequestID:    "r_003",
			SessionID:    "sess-2",
			Model:        "gpt-4o-mini",
			Provider:     "openai",
			Channel:      "http",
			InputTokens:  10,
			OutputTokens: 10,
		},
	}

	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", sum.TotalSessions)
	}
	if sum.TotalInputTokens != 3010 {
		t.Errorf("TotalInputTokens = %d, want 3010", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1510 {
		t.Errorf("TotalOutputTokens = %d, want 1510", sum.TotalOutputTokens)
	}
	if sum.TotalToolCalls != 1 {
		t.Errorf("TotalToolCalls = %d, want 1", sum.TotalToolCalls)
	}
	if diff := sum.TotalCostUSD - 0.0114; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0114", sum.TotalCostUSD)
	}
}

func TestSummaryByModel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RequestID: "r1", Model: "gpt-4o", Provider: "openai", Channel: "http", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, RequestID: "r2", Model: "gpt-4o", Provider: "openai", Channel: "http", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, RequestID: "r3", Model: "claude-sonnet-4-0", Provider: "anthropic", Channel: "cli", InputTokens: 50, OutputTokens: 25, CostUSD: 0.5},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	result, err := s.SummaryByModel(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}

	gpt := result["gpt-4o"]
	if gpt == nil {
		t.Fatal("missing 'gpt-4o' group")
	}
	if gpt.TotalRecords != 2 {
		t.Errorf("gpt-4o.TotalRecords = %d, want 2", gpt.TotalRecords)
	}
	if gpt.TotalInputTokens != 300 {
		t.Errorf("gpt-4o.TotalInputTokens = %d, want 300", gpt.TotalInputTokens)
	}
	if gpt.TotalCostUSD != 3.0 {
		t.Errorf("gpt-4o.TotalCostUSD = %f, want 3.0", gpt.TotalCostUSD)
	}
	if c := result["claude-sonnet-4-0"]; c == nil || c.TotalRecords != 1 {
		t.Errorf("claude group = %+v, want 1 record", c)
	}
}

func TestSummaryByChannel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, ch := range []string{"http", "http", "websocket", "cli"} {
		rec := Record{Timestamp: now, RequestID: "r", Model: "m", Provider: "p", Channel: ch, CostUSD: float64(i)}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	result, err := s.SummaryByChannel(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByChannel: %v", err)
	}
	want := map[string]int{"http": 2, "websocket": 1, "cli": 1}
	if len(result) != len(want) {
		t.Fatalf("got %d groups, want %d", len(result), len(want))
	}
	for ch, n := range want {
		if result[ch] == nil || result[ch].TotalRecords != n {
			t.Errorf("channel %q = %+v, want %d records", ch, result[ch], n)
		}
	}
}

func TestSummary_FiltersByPeriod(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", Model: "m", Provider: "p", Channel: "http", CostUSD: 1.0},
		{Timestamp: base, RequestID: "in-range", Model: "m", Provider: "p", Channel: "http", CostUSD: 2.0},
		{Timestamp: base.Add(2 * time.Hour), RequestID: "future", Model: "m", Provider: "p", Channel: "http", CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(24 * time.Hour)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil {
		t.Fatal("Summary returned nil, want non-nil zero-value Summary")
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want zero", sum)
	}

	byModel, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel == nil || len(byModel) != 0 {
		t.Errorf("SummaryByModel = %v, want empty map", byModel)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"sonnet_normal", "claude-sonnet-4-0", 1_000_000, 100_000, 4.5}, // 3 + 1.5
		{"mini_normal", "gpt-4o-mini", 1_000_000, 1_000_000, 0.75},      // 0.15 + 0.6
		{"unknown_model", "llama3.2", 1_000_000, 1_000_000, 0},
		{"zero_tokens", "claude-sonnet-4-0", 0, 0, 0},
		{"small_usage", "claude-sonnet-4-0", 1000, 500, 0.0105},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}
}

func TestComputeCost_NilPricing(t *testing.T) {
	if got := ComputeCost("gpt-4o-mini", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestRecord_AutoIDAndTimestamp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 2 {
		if err := s.Record(ctx, Record{RequestID: "r_test", Model: "m", Provider: "p", Channel: "cli"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(filepath.Join(blocker, "usage.db")); err == nil {
		t.Error("NewStore() should fail when the parent is a file")
	}
}
