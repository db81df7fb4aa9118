package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/openai/openai-go"
)

const (
	gateValidVerdict   = `{"is_valid": true, "feedback": ""}`
	gateInvalidVerdict = `{"is_valid": false, "feedback": "Please pick one of sleep, stress, exercise, or diet."}`
)

func newTestOrchestrator(st store.Store, client genai.ClientInterface) *Orchestrator {
	return NewOrchestrator(st, client, NewCompactor(st, client, DefaultSummaryThreshold))
}

func recvOutbound(t *testing.T, o *Orchestrator) models.OutboundMessage {
	t.Helper()
	select {
	case msg := <-o.Outbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for outbound message")
		return models.OutboundMessage{}
	}
}

// failingStore wraps a real store and fails state updates.
type failingStore struct {
	store.Store
}

func (f *failingStore) UpdateUserState(id string, state models.DialogueState, data models.StateData) error {
	return errors.New("disk full")
}

func TestHandleResponseUnknownUser(t *testing.T) {
	st := store.NewInMemoryStore()
	o := newTestOrchestrator(st, genai.NewMockClient(gateValidVerdict))

	err := o.HandleResponse(context.Background(), models.Response{From: "+15550000000", Body: "hello?"})

	if !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	msg := recvOutbound(t, o)
	if msg.To != "+15550000000" {
		t.Errorf("Expected reply to sender, got %q", msg.To)
	}
	if msg.Body != UnknownUserReply {
		t.Errorf("Expected unknown-user reply, got %q", msg.Body)
	}
}

func TestHandleResponseValidInputAdvancesState(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	if err := st.UpdateUserState(user.ID, models.StateGoalSetting, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(st, genai.NewMockClient(gateValidVerdict))

	if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "sleep"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.To != user.ChatID {
		t.Errorf("Expected reply to chat ID %q, got %q", user.ChatID, msg.To)
	}
	if !strings.Contains(msg.Body, "Sleep") {
		t.Errorf("Expected focus-area acknowledgement, got %q", msg.Body)
	}

	updated, _ := st.GetUser(user.ID)
	if got := DataString(updated.StateData, models.DataKeyFocusArea); got != "sleep" {
		t.Errorf("Expected focus area persisted, got %q", got)
	}

	messages, _ := st.GetMessages(user.ID, store.MessageQuery{})
	if len(messages) != 2 {
		t.Fatalf("Expected inbound and reply persisted, got %d messages", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[0].Text != "sleep" {
		t.Errorf("Expected inbound message first, got %+v", messages[0])
	}
	if messages[1].Role != models.RoleAssistant || messages[1].Text != msg.Body {
		t.Errorf("Expected reply message second, got %+v", messages[1])
	}
}

func TestHandleResponseInvalidInputSkipsStateMachine(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	if err := st.UpdateUserState(user.ID, models.StateGoalSetting, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(st, genai.NewMockClient(gateInvalidVerdict))

	if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "the weather is nice"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.Body != "Please pick one of sleep, stress, exercise, or diet." {
		t.Errorf("Expected gate feedback as reply, got %q", msg.Body)
	}

	updated, _ := st.GetUser(user.ID)
	if updated.State != models.StateGoalSetting {
		t.Errorf("Expected state unchanged, got %s", updated.State)
	}
	if len(updated.StateData) != 0 {
		t.Errorf("Expected state data unchanged, got %v", updated.StateData)
	}

	// Invalid turns are still part of the history.
	messages, _ := st.GetMessages(user.ID, store.MessageQuery{})
	if len(messages) != 2 {
		t.Errorf("Expected both sides of the turn persisted, got %d messages", len(messages))
	}
}

func TestHandleResponseDenylistSkipsCompletion(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	mockClient := genai.NewMockClient(gateValidVerdict)
	o := newTestOrchestrator(st, mockClient)

	if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "hi"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.Body != DenylistRedirect {
		t.Errorf("Expected denylist redirect, got %q", msg.Body)
	}
	if mockClient.Calls != 0 {
		t.Errorf("Expected no completion call for denylisted input, got %d", mockClient.Calls)
	}
}

func TestHandleResponseAskAIBypassesStateMachine(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	if err := st.UpdateUserState(user.ID, models.StateActiveCoaching, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(st, genai.NewMockClient("Try a short walk before bed."))

	if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "Ask AI"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.Body != "Try a short walk before bed." {
		t.Errorf("Expected freeform coach reply, got %q", msg.Body)
	}

	updated, _ := st.GetUser(user.ID)
	if updated.State != models.StateActiveCoaching {
		t.Errorf("Expected state unchanged on ask-ai path, got %s", updated.State)
	}
}

func TestHandleResponseAskAIFallsBackOnProviderFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	o := newTestOrchestrator(st, &genai.MockClient{Err: errors.New("provider down")})

	if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "ask ai"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.Body != CoachFallbackReply {
		t.Errorf("Expected fallback reply, got %q", msg.Body)
	}
}

func TestHandleResponsePersistenceFailureApologizes(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	if err := st.UpdateUserState(user.ID, models.StateGoalSetting, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(&failingStore{Store: st}, genai.NewMockClient(gateValidVerdict))

	err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "sleep"})

	if err == nil {
		t.Fatal("Expected error from failed state persistence")
	}
	msg := recvOutbound(t, o)
	if msg.Body != ApologyReply {
		t.Errorf("Expected apology reply, got %q", msg.Body)
	}
	updated, _ := st.GetUser(user.ID)
	if updated.State != models.StateGoalSetting {
		t.Errorf("Expected state unchanged after failed update, got %s", updated.State)
	}
}

func TestHandleResponseRejectedDuringShutdown(t *testing.T) {
	st := store.NewInMemoryStore()
	seedUser(t, st)
	o := newTestOrchestrator(st, genai.NewMockClient(gateValidVerdict))

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	err := o.HandleResponse(context.Background(), models.Response{From: "+15551234567", Body: "sleep"})
	if !errors.Is(err, models.ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

// blockingGate implements genai.ClientInterface; it parks its first
// completion until released so a turn can be held in flight.
type blockingGate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingGate() *blockingGate {
	return &blockingGate{started: make(chan struct{}), release: make(chan struct{})}
}

func (c *blockingGate) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, nil)
}

func (c *blockingGate) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	return gateValidVerdict, nil
}

func TestShutdownWaitsForInFlightTurn(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	if err := st.UpdateUserState(user.ID, models.StateGoalSetting, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	client := newBlockingGate()
	o := newTestOrchestrator(st, client)

	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		if err := o.HandleResponse(context.Background(), models.Response{From: user.PhoneNumber, Body: "sleep"}); err != nil {
			t.Errorf("HandleResponse failed: %v", err)
		}
	}()
	<-client.started

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := o.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	}()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a turn was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(client.release)

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the in-flight turn")
	}
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Shutdown to drain")
	}
}

func TestPromptCheckinMarksAndEmits(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	data := models.StateData{}
	SetDataTime(data, models.DataKeyCheckinDueAt, time.Now().Add(-time.Minute))
	if err := st.UpdateUserState(user.ID, models.StateActiveCoaching, data); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(st, genai.NewMockClient(gateValidVerdict))

	if err := o.PromptCheckin(context.Background(), user.ID); err != nil {
		t.Fatalf("PromptCheckin failed: %v", err)
	}

	msg := recvOutbound(t, o)
	if msg.Body != promptCheckinStatus {
		t.Errorf("Expected check-in prompt, got %q", msg.Body)
	}
	updated, _ := st.GetUser(user.ID)
	if DataString(updated.StateData, models.DataKeyCheckinPromptedAt) == "" {
		t.Error("Expected check-in prompted marker to be set")
	}

	// A second sweep inside the same cycle must not prompt again.
	if err := o.PromptCheckin(context.Background(), user.ID); err != nil {
		t.Fatalf("Second PromptCheckin failed: %v", err)
	}
	select {
	case extra := <-o.Outbound():
		t.Errorf("Expected no duplicate prompt, got %q", extra.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPromptCheckinNotDueIsNoop(t *testing.T) {
	st := store.NewInMemoryStore()
	user := seedUser(t, st)
	data := models.StateData{}
	SetDataTime(data, models.DataKeyCheckinDueAt, time.Now().Add(time.Hour))
	if err := st.UpdateUserState(user.ID, models.StateActiveCoaching, data); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	o := newTestOrchestrator(st, genai.NewMockClient(gateValidVerdict))

	if err := o.PromptCheckin(context.Background(), user.ID); err != nil {
		t.Fatalf("PromptCheckin failed: %v", err)
	}

	select {
	case msg := <-o.Outbound():
		t.Errorf("Expected no prompt before due time, got %q", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}
