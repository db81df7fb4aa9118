package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/TheodoreChuang/habita/internal/models"
)

// CheckinInterval is the delay between active-coaching check-ins.
const CheckinInterval = 24 * time.Hour

// reviewSuccessThreshold is the number of completed check-ins that triggers a
// progress review.
const reviewSuccessThreshold = 7

// focusAreas is the fixed vocabulary of coaching focus areas.
var focusAreas = []string{"sleep", "stress", "exercise", "diet"}

// affirmativeTokens mark a check-in reply as a completed action.
var affirmativeTokens = []string{"yes", "done", "complete"}

// newGoalTokens mark a review adjustment reply as wanting a fresh goal.
var newGoalTokens = []string{"new goal", "different", "change"}

// Fixed prompts reused across turns.
const (
	promptAskName         = "Hi! I'm Habita, your health coach. 🌱 What's your name?"
	promptAskGoals        = "What are your main health goals?"
	promptAskRatings      = "On a scale of 1-10, how would you rate your sleep, stress, exercise, and diet right now?"
	promptAskFocusArea    = "Which area of your health would you like to improve first: sleep, stress, exercise, or diet?"
	promptFocusRedirect   = "Please choose one of: sleep, stress, exercise, or diet. Which area would you like to focus on?"
	promptAskGoal         = "What's one specific goal you'd like to reach in that area?"
	promptAskCriterion    = "How will you know you've succeeded? Describe what success looks like."
	promptAskAction       = "What's one small action you could take in the next day toward that goal?"
	promptAskCommitment   = "When, and how often, will you do it?"
	promptAskObstacles    = "What might get in the way?"
	promptCheckinStatus   = "Quick check-in: did you complete your action since we last talked?"
	promptAskSatisfaction = "On a scale of 1-10, how satisfied are you with your progress?"
	promptAskFactors      = "What's been working well for you?"
	promptAskAdjustment   = "Would you like to adjust your current plan, or set a new goal? Tell me what you'd like to change."
)

// StateMachine maps (state, stateData, messageText) to a transition.
//
// Advance is pure apart from the injected clock: it never touches storage and
// every handler is total, defaulting to re-asking the current question.
type StateMachine struct {
	now func() time.Time
}

// NewStateMachine creates a state machine using the wall clock.
func NewStateMachine() *StateMachine {
	return &StateMachine{now: time.Now}
}

// NewStateMachineWithClock creates a state machine with a fixed clock source.
func NewStateMachineWithClock(now func() time.Time) *StateMachine {
	return &StateMachine{now: now}
}

// Advance runs one message through the handler for the given state.
//
// The returned Data is a mutated copy of the input bag: existing keys are
// preserved and new values overlay old ones. Callers persist the returned
// state and data together.
func (m *StateMachine) Advance(state models.DialogueState, data models.StateData, text string) models.Transition {
	bag := data.Clone()
	text = strings.TrimSpace(text)

	var t models.Transition
	switch state {
	case models.StateDiscovery:
		t = m.handleDiscovery(bag, text)
	case models.StateGoalSetting:
		t = m.handleGoalSetting(bag, text)
	case models.StateActionPlanning:
		t = m.handleActionPlanning(bag, text)
	case models.StateActiveCoaching:
		t = m.handleActiveCoaching(bag, text)
	case models.StateProgressReview:
		t = m.handleProgressReview(bag, text)
	default:
		// Unknown stored state: restart the journey rather than fail.
		slog.Warn("StateMachine unknown state, restarting discovery", "state", state)
		SetDataBool(bag, models.DataKeyHasAskedName, true)
		t = models.Transition{Next: models.StateDiscovery, Reply: promptAskName, Data: bag}
	}

	slog.Debug("StateMachine Advance", "from", state, "to", t.Next)
	return t
}

// handleDiscovery collects name, initial goals, and baseline ratings, one
// field per turn, gated by sentinel flags.
func (m *StateMachine) handleDiscovery(data models.StateData, text string) models.Transition {
	stay := func(reply string) models.Transition {
		return models.Transition{Next: models.StateDiscovery, Reply: reply, Data: data}
	}

	if !DataBool(data, models.DataKeyHasAskedName) {
		SetDataBool(data, models.DataKeyHasAskedName, true)
		return stay(promptAskName)
	}

	if DataString(data, models.DataKeyName) == "" {
		if text == "" {
			return stay(promptAskName)
		}
		SetDataString(data, models.DataKeyName, text)
		SetDataBool(data, models.DataKeyHasAskedGoals, true)
		return stay(fmt.Sprintf("Nice to meet you, %s! %s", text, promptAskGoals))
	}

	if DataString(data, models.DataKeyInitialGoals) == "" {
		if text == "" {
			return stay(promptAskGoals)
		}
		SetDataString(data, models.DataKeyInitialGoals, text)
		SetDataBool(data, models.DataKeyHasAskedRatings, true)
		return stay("Thanks for sharing! " + promptAskRatings)
	}

	if text == "" {
		return stay(promptAskRatings)
	}
	SetDataString(data, models.DataKeyHealthRatings, text)
	return models.Transition{
		Next:  models.StateGoalSetting,
		Reply: "Great, that gives us a baseline. " + promptAskFocusArea,
		Data:  data,
	}
}

// handleGoalSetting narrows to one focus area from the fixed vocabulary, then
// collects a specific goal and a success criterion.
func (m *StateMachine) handleGoalSetting(data models.StateData, text string) models.Transition {
	stay := func(reply string) models.Transition {
		return models.Transition{Next: models.StateGoalSetting, Reply: reply, Data: data}
	}

	if DataString(data, models.DataKeyFocusArea) == "" {
		area := strings.ToLower(text)
		for _, candidate := range focusAreas {
			if area == candidate {
				SetDataString(data, models.DataKeyFocusArea, candidate)
				return stay(fmt.Sprintf("%s it is. %s", capitalize(candidate), promptAskGoal))
			}
		}
		// Unrecognized area: re-prompt without any state change.
		return stay(promptFocusRedirect)
	}

	if DataString(data, models.DataKeySpecificGoal) == "" {
		if text == "" {
			return stay(promptAskGoal)
		}
		SetDataString(data, models.DataKeySpecificGoal, text)
		return stay(promptAskCriterion)
	}

	if text == "" {
		return stay(promptAskCriterion)
	}
	SetDataString(data, models.DataKeySuccessCriterion, text)
	return models.Transition{
		Next:  models.StateActionPlanning,
		Reply: "Love it. " + promptAskAction,
		Data:  data,
	}
}

// handleActionPlanning collects an initial action, a time commitment, and
// obstacles, then arms the first 24-hour check-in.
func (m *StateMachine) handleActionPlanning(data models.StateData, text string) models.Transition {
	stay := func(reply string) models.Transition {
		return models.Transition{Next: models.StateActionPlanning, Reply: reply, Data: data}
	}

	if DataString(data, models.DataKeyInitialAction) == "" {
		if text == "" {
			return stay(promptAskAction)
		}
		SetDataString(data, models.DataKeyInitialAction, text)
		return stay(promptAskCommitment)
	}

	if DataString(data, models.DataKeyTimeCommitment) == "" {
		if text == "" {
			return stay(promptAskCommitment)
		}
		SetDataString(data, models.DataKeyTimeCommitment, text)
		return stay(promptAskObstacles)
	}

	if text == "" {
		return stay(promptAskObstacles)
	}
	SetDataString(data, models.DataKeyObstacles, text)
	SetDataTime(data, models.DataKeyCheckinDueAt, m.now().Add(CheckinInterval))
	SetDataString(data, models.DataKeyCheckinPromptedAt, "")
	return models.Transition{
		Next:  models.StateActiveCoaching,
		Reply: "You have a plan! 🎯 I'll check in with you in 24 hours to see how it went. You can also message me anytime.",
		Data:  data,
	}
}

// handleActiveCoaching alternates between a completion-status turn and a
// reflection turn. Each affirmative status increments the success counter;
// once it reaches the review threshold the reflection turn transitions to
// progress review, otherwise the next 24-hour check-in is armed.
func (m *StateMachine) handleActiveCoaching(data models.StateData, text string) models.Transition {
	stay := func(reply string) models.Transition {
		return models.Transition{Next: models.StateActiveCoaching, Reply: reply, Data: data}
	}

	if !DataBool(data, models.DataKeyAwaitingReflection) {
		if text == "" {
			return stay(promptCheckinStatus)
		}
		SetDataInt(data, models.DataKeyCheckinCount, DataInt(data, models.DataKeyCheckinCount)+1)
		SetDataBool(data, models.DataKeyAwaitingReflection, true)
		if containsAny(text, affirmativeTokens) {
			SetDataInt(data, models.DataKeySuccessCount, DataInt(data, models.DataKeySuccessCount)+1)
			return stay("Well done! 🎉 What felt easiest about doing it?")
		}
		return stay("No worries, tomorrow is another chance. What got in the way?")
	}

	if text == "" {
		return stay("What made it easy or hard this time?")
	}
	SetDataString(data, models.DataKeyLastReflection, text)
	SetDataBool(data, models.DataKeyAwaitingReflection, false)

	if DataInt(data, models.DataKeySuccessCount) >= reviewSuccessThreshold {
		return models.Transition{
			Next:  models.StateProgressReview,
			Reply: "You've completed your action seven times — time to take stock. " + promptAskSatisfaction,
			Data:  data,
		}
	}

	SetDataTime(data, models.DataKeyCheckinDueAt, m.now().Add(CheckinInterval))
	SetDataString(data, models.DataKeyCheckinPromptedAt, "")
	return stay("Thanks for sharing. I'll check in again tomorrow — keep it up! 💪")
}

// handleProgressReview collects a satisfaction rating (non-numeric coerces to
// 0), success factors, and a desired adjustment, then cycles back to goal
// setting or action planning.
func (m *StateMachine) handleProgressReview(data models.StateData, text string) models.Transition {
	stay := func(reply string) models.Transition {
		return models.Transition{Next: models.StateProgressReview, Reply: reply, Data: data}
	}

	if DataString(data, models.DataKeySatisfactionRating) == "" {
		if text == "" {
			return stay(promptAskSatisfaction)
		}
		SetDataInt(data, models.DataKeySatisfactionRating, parseRating(text))
		return stay(promptAskFactors)
	}

	if DataString(data, models.DataKeySuccessFactors) == "" {
		if text == "" {
			return stay(promptAskFactors)
		}
		SetDataString(data, models.DataKeySuccessFactors, text)
		return stay(promptAskAdjustment)
	}

	if text == "" {
		return stay(promptAskAdjustment)
	}

	// Leaving review: reset the collected review fields and the coaching
	// counters by overlay so the next cycle starts collecting afresh.
	SetDataString(data, models.DataKeySatisfactionRating, "")
	SetDataString(data, models.DataKeySuccessFactors, "")
	SetDataInt(data, models.DataKeySuccessCount, 0)
	SetDataInt(data, models.DataKeyCheckinCount, 0)

	if containsAny(text, newGoalTokens) {
		SetDataString(data, models.DataKeyFocusArea, "")
		SetDataString(data, models.DataKeySpecificGoal, "")
		SetDataString(data, models.DataKeySuccessCriterion, "")
		SetDataString(data, models.DataKeyInitialAction, "")
		SetDataString(data, models.DataKeyTimeCommitment, "")
		SetDataString(data, models.DataKeyObstacles, "")
		return models.Transition{
			Next:  models.StateGoalSetting,
			Reply: "Let's set a new goal. " + promptAskFocusArea,
			Data:  data,
		}
	}

	SetDataString(data, models.DataKeyDesiredAdjustment, text)
	SetDataString(data, models.DataKeyInitialAction, "")
	SetDataString(data, models.DataKeyTimeCommitment, "")
	SetDataString(data, models.DataKeyObstacles, "")
	return models.Transition{
		Next:  models.StateActionPlanning,
		Reply: "Good call — let's adjust the plan. " + promptAskAction,
		Data:  data,
	}
}

// capitalize upper-cases the first letter of an ASCII word.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// containsAny reports whether the lowercased text contains any of the tokens.
func containsAny(text string, tokens []string) bool {
	lower := strings.ToLower(text)
	for _, token := range tokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// parseRating extracts a 1-10 rating from free text. Non-numeric input
// coerces to 0; out-of-range values clamp into range.
func parseRating(text string) int {
	for _, field := range strings.Fields(text) {
		trimmed := strings.Trim(field, ".,!?")
		if n, err := strconv.Atoi(trimmed); err == nil {
			if n < 0 {
				return 0
			}
			if n > 10 {
				return 10
			}
			return n
		}
	}
	return 0
}
