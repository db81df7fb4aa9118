// Package scheduler provides cron-based scheduling for Habita, including the
// periodic sweep that delivers due coaching check-ins.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/models"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/robfig/cron/v3"
)

// CheckinSweepSchedule runs the check-in sweep once a minute.
const CheckinSweepSchedule = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field expression format.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// CheckinSweeper finds actively coached users whose 24-hour check-in has come
// due and asks the orchestrator to prompt them.
type CheckinSweeper struct {
	store        store.Store
	orchestrator *flow.Orchestrator
}

// NewCheckinSweeper creates a sweeper over the given store and orchestrator.
func NewCheckinSweeper(st store.Store, orchestrator *flow.Orchestrator) *CheckinSweeper {
	return &CheckinSweeper{store: st, orchestrator: orchestrator}
}

// Register schedules the sweep on the given scheduler.
func (cs *CheckinSweeper) Register(s *Scheduler) error {
	return s.AddJob(CheckinSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cs.Sweep(ctx)
	})
}

// Sweep prompts every user whose check-in is due. The orchestrator re-checks
// due-ness under the user's lock, so a candidate is just a hint.
func (cs *CheckinSweeper) Sweep(ctx context.Context) {
	users, err := cs.store.ListUsers()
	if err != nil {
		slog.Error("CheckinSweeper failed to list users", "error", err)
		return
	}

	var prompted int
	for _, user := range users {
		if !cs.isDue(user, time.Now()) {
			continue
		}
		if err := cs.orchestrator.PromptCheckin(ctx, user.ID); err != nil {
			slog.Warn("CheckinSweeper prompt failed", "error", err, "userID", user.ID)
			continue
		}
		prompted++
	}
	if prompted > 0 {
		slog.Info("CheckinSweeper sweep complete", "prompted", prompted, "candidates", len(users))
	}
}

// isDue applies the cheap pre-filter before the orchestrator's locked check.
func (cs *CheckinSweeper) isDue(user models.User, now time.Time) bool {
	if user.State != models.StateActiveCoaching {
		return false
	}
	due := flow.DataTime(user.StateData, models.DataKeyCheckinDueAt)
	if due.IsZero() || now.Before(due) {
		return false
	}
	return flow.DataString(user.StateData, models.DataKeyCheckinPromptedAt) == ""
}
