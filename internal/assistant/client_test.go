package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompleteSendsPromptAndReturnsText(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"1. \"Nice to meet you\" (はじめまして)"}]}}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", "gemini-2.0-flash-exp")

	text, err := client.Complete(context.Background(), []Message{
		{Role: "user", Content: "はじめましてと言いたい"},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if !strings.Contains(text, "Nice to meet you") {
		t.Errorf("unexpected reply text: %q", text)
	}
	if gotPath != "/v1beta/models/gemini-2.0-flash-exp:generateContent" {
		t.Errorf("unexpected path: %s", gotPath)
	}

	cfg, ok := gotBody["generationConfig"].(map[string]any)
	if !ok {
		t.Fatal("request missing generationConfig")
	}
	if cfg["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", cfg["temperature"])
	}
	if cfg["maxOutputTokens"] != float64(500) {
		t.Errorf("maxOutputTokens = %v, want 500", cfg["maxOutputTokens"])
	}

	raw, _ := json.Marshal(gotBody)
	if !strings.Contains(string(raw), "はじめましてと言いたい") {
		t.Error("request should contain the user message")
	}
}

func TestCompleteRejectsMissingKey(t *testing.T) {
	client := New("http://localhost", "", "gemini-2.0-flash-exp")
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestCompleteRejectsEmptyConversation(t *testing.T) {
	client := New("http://localhost", "key", "gemini-2.0-flash-exp")
	_, err := client.Complete(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error without a user message")
	}
}

func TestCompleteSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(server.URL, "key", "gemini-2.0-flash-exp")
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestCompleteSurfacesEmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	client := New(server.URL, "key", "gemini-2.0-flash-exp")
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestParseSuggestions(t *testing.T) {
	text := `1. "Nice to meet you" (はじめまして)
2. "It's a pleasure to meet you" （お会いできて嬉しいです）
3. "Great to finally meet you" (やっとお会いできましたね)`

	got := ParseSuggestions(text)
	if len(got) != 3 {
		t.Fatalf("expected 3 suggestions, got %d: %+v", len(got), got)
	}
	if got[0].EnglishText != "Nice to meet you" || got[0].JapaneseText != "はじめまして" {
		t.Errorf("unexpected first suggestion: %+v", got[0])
	}
	// Full-width parentheses
	if got[1].JapaneseText != "お会いできて嬉しいです" {
		t.Errorf("unexpected second suggestion: %+v", got[1])
	}
}

func TestParseSuggestionsSkipsNonMatchingLines(t *testing.T) {
	text := `Here are some phrases:
1. "Hello there" (こんにちは)
That's all!`

	got := ParseSuggestions(text)
	if len(got) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(got))
	}
	if got[0].EnglishText != "Hello there" {
		t.Errorf("unexpected suggestion: %+v", got[0])
	}
}

func TestParseSuggestionsEmptyInput(t *testing.T) {
	if got := ParseSuggestions(""); len(got) != 0 {
		t.Fatalf("expected no suggestions, got %+v", got)
	}
}
