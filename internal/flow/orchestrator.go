package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/openai/openai-go"
)

// Constants for orchestrator configuration.
const (
	// DefaultOutboundBufferSize defines the buffer size for the outbound event channel.
	DefaultOutboundBufferSize = 100
	// DefaultOutboundTimeout bounds the non-blocking outbound channel send.
	DefaultOutboundTimeout = 1 * time.Second
	// DefaultCompletionTimeout bounds any completion call made while holding
	// a per-user lock.
	DefaultCompletionTimeout = 30 * time.Second
)

// Fixed replies for the failure paths.
const (
	// ApologyReply is the generic reply for any orchestration failure.
	ApologyReply = "I apologize, but I ran into a problem processing your message. Please try again in a moment."
	// UnknownUserReply is sent when no user record exists for the sender.
	UnknownUserReply = "I don't recognize this number yet. Please register first, then message me again."
	// CoachFallbackReply replaces a failed freeform completion.
	CoachFallbackReply = "I'm having trouble responding right now. Please try again later."
)

// askAITrigger routes a message to the freeform coach instead of the state machine.
const askAITrigger = "ask ai"

const coachSystemPrompt = "You are a supportive, practical health coach. " +
	"Answer the user's question briefly and encourage them to continue with their current plan."

// Orchestrator runs the per-inbound-message control loop: validation, state
// transition, persistence, opportunistic compaction, and event emission.
//
// Handling is serialized per user: the user row is a non-atomic
// read-modify-write, so a per-user mutex is held from load through state
// persistence. Messages and summaries are append-only and need no
// coordination.
type Orchestrator struct {
	store     store.Store
	client    genai.ClientInterface
	gate      *ValidationGate
	machine   *StateMachine
	compactor *Compactor

	outbound  chan models.OutboundMessage
	userLocks sync.Map // user ID -> *sync.Mutex
	wg        sync.WaitGroup
	accepting atomic.Bool
}

// NewOrchestrator creates an orchestrator wired to the given collaborators.
func NewOrchestrator(st store.Store, client genai.ClientInterface, compactor *Compactor) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		client:    client,
		gate:      NewValidationGate(client),
		machine:   NewStateMachine(),
		compactor: compactor,
		outbound:  make(chan models.OutboundMessage, DefaultOutboundBufferSize),
	}
	o.accepting.Store(true)
	return o
}

// Outbound returns the channel of "response ready" events consumed by the
// transport. Alternate delivery channels can read the same stream.
func (o *Orchestrator) Outbound() <-chan models.OutboundMessage {
	return o.outbound
}

// HandleResponse processes one normalized inbound message end to end.
//
// It never panics outward: any failure is logged and converted into a single
// generic apology on the outbound channel. At-most-once: failed messages are
// not retried.
func (o *Orchestrator) HandleResponse(ctx context.Context, resp models.Response) error {
	// Register with the WaitGroup before the accepting check so Shutdown's
	// Wait cannot miss a handler that passed the check but not yet added.
	o.wg.Add(1)
	defer o.wg.Done()
	if !o.accepting.Load() {
		slog.Warn("Orchestrator rejecting message during shutdown", "from", resp.From)
		return models.ErrShuttingDown
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator panic recovered", "panic", r, "from", resp.From)
			o.emit(models.OutboundMessage{To: resp.From, Body: ApologyReply})
		}
	}()

	user, err := o.store.GetUserByPhone(resp.From)
	if err != nil {
		slog.Error("Orchestrator user lookup failed", "error", err, "from", resp.From)
		o.emit(models.OutboundMessage{To: resp.From, Body: ApologyReply})
		return err
	}
	if user == nil {
		slog.Info("Orchestrator message from unknown user", "from", resp.From)
		o.emit(models.OutboundMessage{To: resp.From, Body: UnknownUserReply})
		return models.ErrUserNotFound
	}

	reply, err := o.processTurn(ctx, user, resp.Body)
	if err != nil {
		slog.Error("Orchestrator turn failed", "error", err, "userID", user.ID)
		reply = ApologyReply
	}

	// Compaction is opportunistic: it runs after the reply is ready and its
	// failure never blocks delivery.
	o.wg.Add(1)
	go func(userID string) {
		defer o.wg.Done()
		cctx, cancel := context.WithTimeout(context.Background(), DefaultCompletionTimeout)
		defer cancel()
		if err := o.compactor.CompactIfDue(cctx, userID); err != nil {
			slog.Warn("Orchestrator compaction failed, will retry on a later turn", "error", err, "userID", userID)
		}
	}(user.ID)

	o.emit(models.OutboundMessage{To: user.ChatID, Body: reply})
	return err
}

// processTurn runs validation, the state machine, and persistence under the
// user's lock so concurrent messages from one user cannot clobber each
// other's transition.
func (o *Orchestrator) processTurn(ctx context.Context, user *models.User, text string) (string, error) {
	mu := o.lockFor(user.ID)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock: the row may have changed since the lookup.
	fresh, err := o.store.GetUser(user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload user: %w", err)
	}
	if fresh == nil {
		return "", models.ErrUserNotFound
	}
	state, data := fresh.State, fresh.StateData

	var reply string
	switch {
	case strings.EqualFold(strings.TrimSpace(text), askAITrigger):
		reply = o.freeformReply(ctx, user.ID)

	default:
		gctx, cancel := context.WithTimeout(ctx, DefaultCompletionTimeout)
		verdict := o.gate.Check(gctx, state, text)
		cancel()

		if !verdict.IsValid {
			// Invalid input: reply with the gate's feedback, state does
			// not advance.
			reply = verdict.Feedback
			break
		}

		t := o.machine.Advance(state, data, text)
		if t.Next != state || !data.Equal(t.Data) {
			// State and data are one update: persisted together before
			// anything else can observe the new state.
			if err := o.store.UpdateUserState(user.ID, t.Next, t.Data); err != nil {
				return "", fmt.Errorf("failed to persist state transition: %w", err)
			}
			slog.Info("Orchestrator state transition", "userID", user.ID, "from", state, "to", t.Next)
		}
		reply = t.Reply
	}

	// Both sides of the turn are appended on every branch so compaction and
	// prompt assembly see full history, in arrival order.
	if _, err := o.store.AddMessage(user.ID, models.RoleUser, text); err != nil {
		return "", fmt.Errorf("failed to persist inbound message: %w", err)
	}
	if _, err := o.store.AddMessage(user.ID, models.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("failed to persist reply: %w", err)
	}
	return reply, nil
}

// freeformReply answers an "ask ai" message from the bounded prompt context.
// A completion failure degrades to a fixed fallback so a reply is always
// produced; state never changes on this path.
func (o *Orchestrator) freeformReply(ctx context.Context, userID string) string {
	cctx, cancel := context.WithTimeout(ctx, DefaultCompletionTimeout)
	defer cancel()

	turns := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(coachSystemPrompt)}
	history, err := o.compactor.BuildPromptContext(cctx, userID)
	if err != nil {
		slog.Warn("Orchestrator prompt context failed, answering without history", "error", err, "userID", userID)
	} else {
		turns = append(turns, history...)
	}
	turns = append(turns, openai.UserMessage("Please give me some coaching advice based on our conversation."))

	reply, err := o.client.GenerateWithMessages(cctx, turns)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Orchestrator freeform completion failed, using fallback", "error", err, "userID", userID)
		return CoachFallbackReply
	}
	return reply
}

// PromptCheckin sends the daily completion prompt to a user whose check-in
// has come due. It is invoked by the scheduler sweeper; the user-row write
// happens under the same per-user lock as message handling.
func (o *Orchestrator) PromptCheckin(ctx context.Context, userID string) error {
	o.wg.Add(1)
	defer o.wg.Done()
	if !o.accepting.Load() {
		return models.ErrShuttingDown
	}

	mu := o.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	user, err := o.store.GetUser(userID)
	if err != nil {
		return fmt.Errorf("failed to load user for check-in: %w", err)
	}
	if user == nil {
		return models.ErrUserNotFound
	}
	if user.State != models.StateActiveCoaching {
		return nil
	}
	due := DataTime(user.StateData, models.DataKeyCheckinDueAt)
	if due.IsZero() || time.Now().Before(due) {
		return nil
	}
	if DataString(user.StateData, models.DataKeyCheckinPromptedAt) != "" {
		// Already prompted for this cycle; the user's reply re-arms the next one.
		return nil
	}

	data := user.StateData.Clone()
	SetDataTime(data, models.DataKeyCheckinPromptedAt, time.Now())
	if err := o.store.UpdateUserState(user.ID, user.State, data); err != nil {
		return fmt.Errorf("failed to mark check-in prompted: %w", err)
	}
	if _, err := o.store.AddMessage(user.ID, models.RoleAssistant, promptCheckinStatus); err != nil {
		return fmt.Errorf("failed to persist check-in prompt: %w", err)
	}

	o.emit(models.OutboundMessage{To: user.ChatID, Body: promptCheckinStatus})
	slog.Info("Orchestrator check-in prompted", "userID", user.ID)
	return nil
}

// Shutdown stops accepting new inbound messages and waits for in-flight
// iterations to finish their store writes, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.accepting.Store(false)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Orchestrator drained and stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Orchestrator shutdown timed out with work in flight")
		return ctx.Err()
	}
}

// lockFor returns the mutex serializing one user's turns.
func (o *Orchestrator) lockFor(userID string) *sync.Mutex {
	mu, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// emit sends an outbound event without ever blocking the loop indefinitely.
func (o *Orchestrator) emit(msg models.OutboundMessage) {
	if err := msg.Validate(); err != nil {
		slog.Error("Orchestrator dropping invalid outbound message", "error", err, "to", msg.To)
		return
	}
	select {
	case o.outbound <- msg:
		slog.Debug("Orchestrator outbound event emitted", "to", msg.To)
	case <-time.After(DefaultOutboundTimeout):
		slog.Warn("Orchestrator outbound channel blocked, dropping event", "to", msg.To, "timeout", DefaultOutboundTimeout)
	}
}
