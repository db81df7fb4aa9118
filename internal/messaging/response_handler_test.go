package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/openai/openai-go"
)

// mockService implements Service with in-memory channels.
type mockService struct {
	mu        sync.Mutex
	sent      []models.OutboundMessage
	receipts  chan models.Receipt
	responses chan models.Response
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, models.OutboundMessage{To: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { return nil }

func (m *mockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) sentMessages() []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboundMessage(nil), m.sent...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}

func newRouterFixture(t *testing.T, opts ...ResponseHandlerOption) (*mockService, store.Store, *ResponseHandler, context.CancelFunc) {
	t.Helper()
	st := store.NewInMemoryStore()
	client := genai.NewMockClient(`{"is_valid": true, "feedback": ""}`)
	orchestrator := flow.NewOrchestrator(st, client, flow.NewCompactor(st, client, flow.DefaultSummaryThreshold))
	service := newMockService()
	rh := NewResponseHandler(service, st, orchestrator, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	rh.Run(ctx)
	return service, st, rh, cancel
}

func TestResponseHandlerRoutesInboundToOrchestrator(t *testing.T) {
	service, st, _, cancel := newRouterFixture(t, WithAutoEnroll())
	defer cancel()

	service.responses <- models.Response{From: "+15551234567", Body: "hello there", Time: time.Now().Unix()}

	// Auto-enroll creates the user and the orchestrator replies with the
	// discovery opener.
	waitFor(t, 2*time.Second, func() bool {
		return len(service.sentMessages()) > 0
	})

	user, err := st.GetUserByPhone("+15551234567")
	if err != nil || user == nil {
		t.Fatalf("Expected auto-enrolled user, got %v (err %v)", user, err)
	}
	if user.State != models.StateDiscovery {
		t.Errorf("Expected new user in discovery, got %s", user.State)
	}
}

func TestResponseHandlerWithoutAutoEnroll(t *testing.T) {
	service, st, _, cancel := newRouterFixture(t)
	defer cancel()

	service.responses <- models.Response{From: "+15551234567", Body: "hello there", Time: time.Now().Unix()}

	waitFor(t, 2*time.Second, func() bool {
		return len(service.sentMessages()) > 0
	})

	sent := service.sentMessages()
	if sent[0].Body != flow.UnknownUserReply {
		t.Errorf("Expected registration notice, got %q", sent[0].Body)
	}
	user, _ := st.GetUserByPhone("+15551234567")
	if user != nil {
		t.Error("Expected no user record without auto-enroll")
	}
}

// slowFirstGate implements genai.ClientInterface with a slow first
// completion, so a later message from the same sender could overtake an
// earlier one if inbound dispatch were not serialized per sender.
type slowFirstGate struct {
	mu    sync.Mutex
	calls int
}

func (c *slowFirstGate) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, nil)
}

func (c *slowFirstGate) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		time.Sleep(150 * time.Millisecond)
	}
	return `{"is_valid": true, "feedback": ""}`, nil
}

func TestResponseHandlerPreservesPerSenderOrder(t *testing.T) {
	st := store.NewInMemoryStore()
	client := &slowFirstGate{}
	orchestrator := flow.NewOrchestrator(st, client, flow.NewCompactor(st, client, flow.DefaultSummaryThreshold))
	service := newMockService()
	rh := NewResponseHandler(service, st, orchestrator, WithAutoEnroll())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Run(ctx)

	service.responses <- models.Response{From: "+15551234567", Body: "I want better sleep", Time: time.Now().Unix()}
	service.responses <- models.Response{From: "+15551234567", Body: "My name is Ana", Time: time.Now().Unix()}

	waitFor(t, 3*time.Second, func() bool {
		return len(service.sentMessages()) == 2
	})

	user, err := st.GetUserByPhone("+15551234567")
	if err != nil || user == nil {
		t.Fatalf("Expected enrolled user, got %v (err %v)", user, err)
	}
	msgs, err := st.GetMessages(user.ID, store.MessageQuery{})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	var inbound []string
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			inbound = append(inbound, m.Text)
		}
	}
	if len(inbound) != 2 {
		t.Fatalf("Expected 2 persisted user messages, got %d", len(inbound))
	}
	if inbound[0] != "I want better sleep" || inbound[1] != "My name is Ana" {
		t.Errorf("User messages persisted out of arrival order: %v", inbound)
	}
}

func TestResponseHandlerDropsInvalidSender(t *testing.T) {
	service, _, _, cancel := newRouterFixture(t, WithAutoEnroll())
	defer cancel()

	service.responses <- models.Response{From: "garbage", Body: "hello", Time: time.Now().Unix()}

	time.Sleep(100 * time.Millisecond)
	if got := len(service.sentMessages()); got != 0 {
		t.Errorf("Expected no outbound messages for invalid sender, got %d", got)
	}
}
