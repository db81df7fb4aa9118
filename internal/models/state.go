// Package models defines dialogue state structures for the coaching journey.
package models

// DialogueState is one stage of the fixed five-stage coaching journey.
//
// The set is closed: transitions form a directed graph from discovery through
// review, with review cycling back to goal setting or action planning. There
// is no terminal state.
type DialogueState string

const (
	// StateDiscovery collects the user's name, initial goals, and baseline
	// self-ratings on first contact.
	StateDiscovery DialogueState = "initial_discovery"
	// StateGoalSetting narrows the work to one focus area and a concrete goal.
	StateGoalSetting DialogueState = "goal_setting"
	// StateActionPlanning turns the goal into a first action with a time
	// commitment and known obstacles.
	StateActionPlanning DialogueState = "action_planning"
	// StateActiveCoaching runs daily check-ins against the planned action.
	StateActiveCoaching DialogueState = "active_coaching"
	// StateProgressReview collects a satisfaction rating and decides whether
	// to adjust the plan or set a new goal.
	StateProgressReview DialogueState = "progress_review"
)

// IsValidDialogueState checks if the given state is part of the closed set.
func IsValidDialogueState(s DialogueState) bool {
	switch s {
	case StateDiscovery, StateGoalSetting, StateActionPlanning, StateActiveCoaching, StateProgressReview:
		return true
	default:
		return false
	}
}

// StateData is the per-user working memory of already-collected answers.
//
// It is schema-on-read: each state handler only reads and writes the keys it
// owns. Values are merged by overlay (new keys replace old), never silently
// dropped. Once a handler writes a key, its presence means "already asked".
type StateData map[string]string

// Clone returns an independent copy of the data bag. A nil receiver yields an
// empty, writable map.
func (d StateData) Clone() StateData {
	out := make(StateData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge overlays other onto a copy of d and returns the result. Keys present
// in other win; keys absent from other are preserved.
func (d StateData) Merge(other StateData) StateData {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether two bags hold the same keys and values.
func (d StateData) Equal(other StateData) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// DataKey names a StateData entry owned by a specific state handler.
type DataKey string

// Data key constants for the discovery state.
const (
	DataKeyHasAskedName    DataKey = "hasAskedName"
	DataKeyName            DataKey = "name"
	DataKeyHasAskedGoals   DataKey = "hasAskedGoals"
	DataKeyInitialGoals    DataKey = "initialGoals"
	DataKeyHasAskedRatings DataKey = "hasAskedRatings"
	DataKeyHealthRatings   DataKey = "healthRatings"
)

// Data key constants for the goal setting state.
const (
	DataKeyFocusArea        DataKey = "focusArea"
	DataKeySpecificGoal     DataKey = "specificGoal"
	DataKeySuccessCriterion DataKey = "successCriterion"
)

// Data key constants for the action planning state.
const (
	DataKeyInitialAction  DataKey = "initialAction"
	DataKeyTimeCommitment DataKey = "timeCommitment"
	DataKeyObstacles      DataKey = "obstacles"
)

// Data key constants for the active coaching state.
const (
	DataKeySuccessCount       DataKey = "successCount"
	DataKeyCheckinCount       DataKey = "checkinCount"
	DataKeyCheckinDueAt       DataKey = "checkinDueAt"
	DataKeyCheckinPromptedAt  DataKey = "checkinPromptedAt"
	DataKeyAwaitingReflection DataKey = "awaitingReflection"
	DataKeyLastReflection     DataKey = "lastReflection"
)

// Data key constants for the progress review state.
const (
	DataKeySatisfactionRating DataKey = "satisfactionRating"
	DataKeySuccessFactors     DataKey = "successFactors"
	DataKeyDesiredAdjustment  DataKey = "desiredAdjustment"
)

// Transition is the result of running one message through the state machine.
type Transition struct {
	Next  DialogueState `json:"next"`
	Reply string        `json:"reply"`
	Data  StateData     `json:"data,omitempty"`
}
