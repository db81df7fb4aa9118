// Package recovery repairs persisted conversation state after an application
// restart, so no user is left stuck in a state the engine cannot handle.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
)

// Manager runs startup state repair over the user table.
type Manager struct {
	store store.Store
}

// NewManager creates a recovery manager over the given store.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// RepairStates scans all users and resets any whose stored dialogue state is
// outside the known set back to initial discovery. Collected state data is
// kept so the journey resumes instead of starting blank.
func (m *Manager) RepairStates(ctx context.Context) error {
	users, err := m.store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list users for state repair: %w", err)
	}

	var repaired int
	for _, user := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if models.IsValidDialogueState(user.State) {
			continue
		}

		slog.Warn("Recovery found user in unknown state, resetting to discovery",
			"userID", user.ID, "state", user.State)
		if err := m.store.UpdateUserState(user.ID, models.StateDiscovery, user.StateData); err != nil {
			return fmt.Errorf("failed to repair user %s: %w", user.ID, err)
		}
		repaired++
	}

	slog.Info("Recovery state repair complete", "users", len(users), "repaired", repaired)
	return nil
}
