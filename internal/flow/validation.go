package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
)

// Canned gate replies.
const (
	// DenylistRedirect is sent when a filler message short-circuits the gate.
	DenylistRedirect = "Let's keep our focus on your health journey. Could you answer the last question I asked?"
	// RephraseFeedback is the fail-closed reply when the verdict cannot be
	// obtained or parsed.
	RephraseFeedback = "I didn't quite catch that. Could you rephrase your answer to the last question?"
)

// denylist holds low-content fillers rejected before any completion call.
var denylist = map[string]bool{
	"hi":           true,
	"hello":        true,
	"hey":          true,
	"i don't know": true,
	"not sure":     true,
}

// ValidationResult is the gate's verdict on one inbound message.
// Feedback is always a complete, user-presentable sentence; it is used
// verbatim as the reply when IsValid is false and ignored otherwise.
type ValidationResult struct {
	IsValid  bool   `json:"is_valid"`
	Feedback string `json:"feedback"`
}

// ValidationGate decides whether a raw user reply is topically usable before
// it reaches the state machine.
type ValidationGate struct {
	client genai.ClientInterface
}

// NewValidationGate creates a gate backed by the given completion client.
func NewValidationGate(client genai.ClientInterface) *ValidationGate {
	return &ValidationGate{client: client}
}

// Check validates text against what the current dialogue state expects.
//
// A denylisted filler is rejected immediately without a completion call.
// Otherwise the verdict comes from the completion client as strict JSON; a
// provider failure or unparsable output fails closed to an invalid verdict
// with a generic rephrase feedback.
func (g *ValidationGate) Check(ctx context.Context, state models.DialogueState, text string) ValidationResult {
	normalized := normalizeFiller(text)
	if denylist[normalized] {
		slog.Debug("ValidationGate denylist hit", "state", state, "text", normalized)
		return ValidationResult{IsValid: false, Feedback: DenylistRedirect}
	}

	instruction := validationInstruction(state)
	raw, err := g.client.GeneratePrompt(ctx, instruction, text)
	if err != nil {
		slog.Warn("ValidationGate completion failed, failing closed", "error", err, "state", state)
		return ValidationResult{IsValid: false, Feedback: RephraseFeedback}
	}

	result, err := parseVerdict(raw)
	if err != nil {
		slog.Warn("ValidationGate verdict unparsable, failing closed", "error", err, "state", state, "raw_length", len(raw))
		return ValidationResult{IsValid: false, Feedback: RephraseFeedback}
	}
	if !result.IsValid && strings.TrimSpace(result.Feedback) == "" {
		result.Feedback = RephraseFeedback
	}
	slog.Debug("ValidationGate verdict", "state", state, "is_valid", result.IsValid)
	return result
}

// normalizeFiller lowercases and strips surrounding space and trailing
// punctuation so "Hi!" still matches the denylist, while longer answers that
// merely contain a filler do not.
func normalizeFiller(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".,!?")
}

// parseVerdict decodes the expected {is_valid, feedback} JSON shape,
// tolerating markdown code fences around the object.
func parseVerdict(raw string) (ValidationResult, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result ValidationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return ValidationResult{}, fmt.Errorf("%w: %v", models.ErrValidationParseFailure, err)
	}
	return result, nil
}

// validationInstruction describes what counts as valid input for the state.
func validationInstruction(state models.DialogueState) string {
	var expects string
	switch state {
	case models.StateDiscovery:
		expects = "their name, their health goals, or 1-10 self-ratings of sleep, stress, exercise, and diet"
	case models.StateGoalSetting:
		expects = "a health focus area (sleep, stress, exercise, or diet), a specific goal, or a success criterion"
	case models.StateActionPlanning:
		expects = "a concrete first action, a time commitment, or expected obstacles"
	case models.StateActiveCoaching:
		expects = "whether they completed their planned action, or a reflection on how it went"
	case models.StateProgressReview:
		expects = "a 1-10 satisfaction rating, what worked well, or how they want to adjust their plan"
	default:
		expects = "an answer related to their health coaching"
	}

	return fmt.Sprintf(`You are screening replies in a health coaching conversation.
The coach just asked the user for %s.
Decide whether the user's message is a usable answer for that.
Respond with strict JSON only, no prose, in the exact shape:
{"is_valid": true|false, "feedback": "<one complete sentence redirecting the user, used only when invalid>"}`, expects)
}
