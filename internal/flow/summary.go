package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/openai/openai-go"
)

// DefaultSummaryThreshold is the message count that triggers compaction.
const DefaultSummaryThreshold = 10

const summaryInstruction = `Identify the key points discussed in the conversation, including the user's goals, challenges, and progress.
Summarize the conversation between the user and the health coach, focusing on health-related topics and goals.
Provide a brief summary (less than 200 words) highlighting the most important points.`

// Compactor keeps the completion prompt bounded by periodically condensing
// old messages into a single summary entry.
//
// Compaction is advisory: failures are logged and retried on a later turn
// once the message count re-crosses the threshold.
type Compactor struct {
	store     store.Store
	client    genai.ClientInterface
	threshold int
}

// NewCompactor creates a compactor. A non-positive threshold falls back to
// DefaultSummaryThreshold.
func NewCompactor(st store.Store, client genai.ClientInterface, threshold int) *Compactor {
	if threshold <= 0 {
		threshold = DefaultSummaryThreshold
	}
	return &Compactor{store: st, client: client, threshold: threshold}
}

// Threshold returns the configured trigger threshold.
func (c *Compactor) Threshold() int {
	return c.threshold
}

// CompactIfDue counts messages newer than the latest summary (all time if
// none exists) and, at or above the threshold, condenses the whole batch into
// one new summary. After a successful run no counted message remains
// unsummarized.
func (c *Compactor) CompactIfDue(ctx context.Context, userID string) error {
	since, err := c.latestSummaryTime(userID)
	if err != nil {
		return err
	}

	messages, err := c.store.GetMessages(userID, store.MessageQuery{Since: since})
	if err != nil {
		return fmt.Errorf("failed to load messages for compaction: %w", err)
	}
	if len(messages) < c.threshold {
		slog.Debug("Compactor below threshold", "userID", userID, "count", len(messages), "threshold", c.threshold)
		return nil
	}

	turns := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summaryInstruction),
		openai.UserMessage(renderBatch(messages)),
	}
	text, err := c.client.GenerateWithMessages(ctx, turns)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrCompletionFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty summary", models.ErrCompletionFailed)
	}

	if _, err := c.store.AddSummary(userID, text); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	slog.Info("Compactor summarized conversation block", "userID", userID, "messages", len(messages))
	return nil
}

// BuildPromptContext returns the most recent summary (if any) plus only the
// messages newer than it, as completion turns. Every LLM-backed reply path
// uses this instead of the unbounded history.
func (c *Compactor) BuildPromptContext(ctx context.Context, userID string) ([]openai.ChatCompletionMessageParamUnion, error) {
	var turns []openai.ChatCompletionMessageParamUnion

	summaries, err := c.store.GetSummaries(userID, store.SummaryQuery{Limit: 1, Desc: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load latest summary: %w", err)
	}
	var since time.Time
	if len(summaries) > 0 {
		since = summaries[0].CreatedAt
		turns = append(turns, openai.SystemMessage("Conversation so far, summarized: "+summaries[0].Text))
	}

	messages, err := c.store.GetMessages(userID, store.MessageQuery{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			turns = append(turns, openai.AssistantMessage(m.Text))
		default:
			turns = append(turns, openai.UserMessage(m.Text))
		}
	}
	return turns, nil
}

// latestSummaryTime returns the creation time of the newest summary, or the
// zero time when the user has none.
func (c *Compactor) latestSummaryTime(userID string) (time.Time, error) {
	summaries, err := c.store.GetSummaries(userID, store.SummaryQuery{Limit: 1, Desc: true})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load latest summary: %w", err)
	}
	if len(summaries) == 0 {
		return time.Time{}, nil
	}
	return summaries[0].CreatedAt, nil
}

// renderBatch renders messages oldest to newest as "role (timestamp): text"
// lines for the summarization prompt.
func renderBatch(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s (%s): %s\n", m.Role, m.CreatedAt.Format(time.RFC3339), m.Text)
	}
	return b.String()
}
