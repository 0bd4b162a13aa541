package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIClient_ChatWithToolCall(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-local" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "qwen3:4b",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search_knowledge_base", "arguments": "{\"query\":\"pricing\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 9, "total_tokens": 49}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL + "/v1/", APIKey: "sk-local"}, nil)
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":       "search_knowledge_base",
			"parameters": map[string]any{"type": "object"},
		},
	}}

	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: RoleUser, Content: "prices?"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Arguments["query"] != "pricing" {
		t.Errorf("call = %+v", call)
	}
	if resp.InputTokens != 40 || resp.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d, want 40/9", resp.InputTokens, resp.OutputTokens)
	}
	if gotBody["model"] != "qwen3:4b" {
		t.Errorf("model = %v", gotBody["model"])
	}
	if sent, ok := gotBody["tools"].([]any); !ok || len(sent) != 1 {
		t.Errorf("tools = %v, want one tool", gotBody["tools"])
	}
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL, APIKey: "nope"}, nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestConvertToOpenAI_ToolRoundTrip(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Function: FunctionCall{Name: "lookup"}}}},
		{Role: RoleTool, Content: "result", ToolCallID: "call_lookup_0"},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	tc := msgs[0].ToolCalls[0]
	if tc.ID != "call_lookup_0" || tc.Function.Arguments != "{}" {
		t.Errorf("tool call = %+v", tc)
	}
	if msgs[1].ToolCallID != "call_lookup_0" {
		t.Errorf("tool_call_id = %q", msgs[1].ToolCallID)
	}
}

func TestConvertFromOpenAI_MalformedArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"c","type":"function","function":{"name":"x","arguments":"not json"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(Options{BaseURL: srv.URL}, nil)
	resp, err := c.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Message.ToolCalls[0].Function.Arguments["_raw"]; got != "not json" {
		t.Errorf("_raw = %v, want original text", got)
	}
}
