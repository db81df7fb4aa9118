package genai

import (
	"context"
	"errors"
	"testing"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("Expected error when no API key is configured")
	}
}

func TestNewClientWithExplicitKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("Expected non-nil client")
	}
}

func TestMockClientServesResponsesInOrder(t *testing.T) {
	mock := NewMockClient("first", "second")
	ctx := context.Background()

	resp, err := mock.GeneratePrompt(ctx, "system", "user")
	if err != nil {
		t.Fatalf("GeneratePrompt failed: %v", err)
	}
	if resp != "first" {
		t.Errorf("Expected 'first', got %q", resp)
	}

	resp, _ = mock.GeneratePrompt(ctx, "system", "user")
	if resp != "second" {
		t.Errorf("Expected 'second', got %q", resp)
	}

	// Exhausted responses repeat the last one.
	resp, _ = mock.GeneratePrompt(ctx, "system", "user")
	if resp != "second" {
		t.Errorf("Expected last response to repeat, got %q", resp)
	}

	if mock.Calls != 3 {
		t.Errorf("Expected 3 calls recorded, got %d", mock.Calls)
	}
}

func TestMockClientError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	mock := &MockClient{Responses: []string{"ignored"}, Err: wantErr}

	_, err := mock.GeneratePrompt(context.Background(), "system", "user")
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected configured error, got %v", err)
	}
}

func TestMockClientNoResponses(t *testing.T) {
	mock := NewMockClient()
	if _, err := mock.GeneratePrompt(context.Background(), "system", "user"); err == nil {
		t.Error("Expected error when no responses are configured")
	}
}

func TestMockClientRecordsLastMessages(t *testing.T) {
	mock := NewMockClient("ok")
	_, err := mock.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("GeneratePrompt failed: %v", err)
	}
	if len(mock.LastMessages) != 2 {
		t.Errorf("Expected 2 recorded messages, got %d", len(mock.LastMessages))
	}
}
