package recovery

import (
	"context"
	"testing"

	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
)

func TestRepairStatesResetsUnknownState(t *testing.T) {
	st := store.NewInMemoryStore()
	user, err := st.UpsertUser("+15551234567", "15551234567", "John")
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	data := models.StateData{"name": "John"}
	if err := st.UpdateUserState(user.ID, models.DialogueState("legacy_state"), data); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}

	if err := NewManager(st).RepairStates(context.Background()); err != nil {
		t.Fatalf("RepairStates failed: %v", err)
	}

	repaired, _ := st.GetUser(user.ID)
	if repaired.State != models.StateDiscovery {
		t.Errorf("Expected reset to discovery, got %s", repaired.State)
	}
	if repaired.StateData["name"] != "John" {
		t.Errorf("Expected state data preserved, got %v", repaired.StateData)
	}
}

func TestRepairStatesLeavesValidStatesAlone(t *testing.T) {
	st := store.NewInMemoryStore()
	user, err := st.UpsertUser("+15551234567", "15551234567", "John")
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	if err := st.UpdateUserState(user.ID, models.StateActiveCoaching, models.StateData{}); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}

	if err := NewManager(st).RepairStates(context.Background()); err != nil {
		t.Fatalf("RepairStates failed: %v", err)
	}

	unchanged, _ := st.GetUser(user.ID)
	if unchanged.State != models.StateActiveCoaching {
		t.Errorf("Expected state untouched, got %s", unchanged.State)
	}
}

func TestRepairStatesEmptyStore(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := NewManager(st).RepairStates(context.Background()); err != nil {
		t.Fatalf("RepairStates failed on empty store: %v", err)
	}
}
