package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func newSweepFixture(t *testing.T) (store.Store, *flow.Orchestrator, *CheckinSweeper) {
	t.Helper()
	st := store.NewInMemoryStore()
	client := genai.NewMockClient(`{"is_valid": true, "feedback": ""}`)
	orchestrator := flow.NewOrchestrator(st, client, flow.NewCompactor(st, client, flow.DefaultSummaryThreshold))
	return st, orchestrator, NewCheckinSweeper(st, orchestrator)
}

func coachingUser(t *testing.T, st store.Store, phone string, due time.Time) *models.User {
	t.Helper()
	user, err := st.UpsertUser(phone, phone, "")
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	data := models.StateData{}
	flow.SetDataTime(data, models.DataKeyCheckinDueAt, due)
	if err := st.UpdateUserState(user.ID, models.StateActiveCoaching, data); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}
	return user
}

func TestSweepPromptsDueUsersOnly(t *testing.T) {
	st, orchestrator, sweeper := newSweepFixture(t)
	due := coachingUser(t, st, "+15551110001", time.Now().Add(-time.Minute))
	coachingUser(t, st, "+15551110002", time.Now().Add(time.Hour))

	sweeper.Sweep(context.Background())

	select {
	case msg := <-orchestrator.Outbound():
		if msg.To != due.ChatID {
			t.Errorf("Expected prompt for due user %q, got %q", due.ChatID, msg.To)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for check-in prompt")
	}
	select {
	case extra := <-orchestrator.Outbound():
		t.Errorf("Expected a single prompt, also got %q", extra.To)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepSkipsAlreadyPromptedUsers(t *testing.T) {
	st, orchestrator, sweeper := newSweepFixture(t)
	user := coachingUser(t, st, "+15551110003", time.Now().Add(-time.Minute))

	sweeper.Sweep(context.Background())
	<-orchestrator.Outbound()

	// The marker set by the first prompt suppresses the next sweep.
	sweeper.Sweep(context.Background())
	select {
	case msg := <-orchestrator.Outbound():
		t.Errorf("Expected no repeat prompt for %s, got %q", user.ID, msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepIgnoresNonCoachingStates(t *testing.T) {
	st, orchestrator, sweeper := newSweepFixture(t)
	user, _ := st.UpsertUser("+15551110004", "+15551110004", "")
	data := models.StateData{}
	flow.SetDataTime(data, models.DataKeyCheckinDueAt, time.Now().Add(-time.Hour))
	if err := st.UpdateUserState(user.ID, models.StateGoalSetting, data); err != nil {
		t.Fatalf("Failed to prime state: %v", err)
	}

	sweeper.Sweep(context.Background())

	select {
	case msg := <-orchestrator.Outbound():
		t.Errorf("Expected no prompt outside active coaching, got %q", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}
