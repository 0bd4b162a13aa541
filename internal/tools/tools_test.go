package tools

import (
	"context"
	"errors"
	"testing"
)

func echoRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Tool{
		Name:        "echo",
		Description: "Echo the query back",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"query"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			q, _ := args["query"].(string)
			return "echo: " + q, nil
		},
	})
	r.Register(&Tool{Name: "alpha", Handler: func(context.Context, map[string]any) (string, error) { return "", nil }})
	return r
}

func TestRegistry_List(t *testing.T) {
	list := echoRegistry().List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d tools, want 2", len(list))
	}
	fn := list[0]["function"].(map[string]any)
	if fn["name"] != "alpha" {
		t.Errorf("first tool = %v, want alpha (sorted)", fn["name"])
	}
	if list[1]["type"] != "function" {
		t.Errorf("type = %v, want function", list[1]["type"])
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := echoRegistry()

	tests := []struct {
		name     string
		tool     string
		args     string
		want     string
		wantErr  bool
		wantMiss bool
	}{
		{name: "valid", tool: "echo", args: `{"query":"refunds"}`, want: "echo: refunds"},
		{name: "empty args", tool: "echo", args: "", want: "echo: "},
		{name: "bad json", tool: "echo", args: `{`, wantErr: true},
		{name: "unknown", tool: "nope", args: `{}`, wantErr: true, wantMiss: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), tt.tool, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var unavailable *ErrToolUnavailable
			if errors.As(err, &unavailable) != tt.wantMiss {
				t.Errorf("ErrToolUnavailable match = %v, want %v", !tt.wantMiss, tt.wantMiss)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
		})
	}
}
