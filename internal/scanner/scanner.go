// Package scanner turns board state into follow-up agent runs. A cycle
// kicks off todo tasks, alerts managers about blocked tasks, and nudges
// the managers of inactive agents.
package scanner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/board"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/events/bus"
	"github.com/opengoat/opengoat/internal/telemetry"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// Policy selects who receives inactive-agent nudges.
type Policy string

const (
	// PolicyAllManagers nudges each inactive agent's own manager.
	PolicyAllManagers Policy = "all-managers"
	// PolicyCEOOnly routes every nudge to the organization head.
	PolicyCEOOnly Policy = "ceo-only"
)

// dispatchSessionRef keeps scanner traffic out of each agent's main
// conversation.
const dispatchSessionRef = "cron"

// Runner dispatches a prompt through the orchestrator.
type Runner interface {
	RunAgent(ctx context.Context, entryAgentID string, req v1.RunRequest) (*v1.RunResult, error)
}

// Directory lists agents and resolves the organization head.
type Directory interface {
	List() ([]*agent.Manifest, error)
	Head() (*agent.Manifest, error)
}

// Activity reports when an agent's most recent session last saw traffic.
type Activity interface {
	LatestActivity(agentID string) (time.Time, bool)
}

// TaskSource is the slice of the board service the scanner reads.
type TaskSource interface {
	ListTasks(ctx context.Context, filter board.TaskFilter) ([]*v1.Task, error)
	GetBoard(ctx context.Context, boardID string) (*v1.Board, error)
}

// Options configure one cycle.
type Options struct {
	InactiveMinutes int
	Policy          Policy
}

// Scanner runs the periodic task-cron cycle.
type Scanner struct {
	runner    Runner
	directory Directory
	activity  Activity
	tasks     TaskSource
	bus       bus.EventBus
	clock     clock.Clock
	logger    *logger.Logger
}

func New(runner Runner, directory Directory, activity Activity, tasks TaskSource, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Scanner {
	return &Scanner{
		runner:    runner,
		directory: directory,
		activity:  activity,
		tasks:     tasks,
		bus:       eventBus,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "scanner")),
	}
}

// RunCycle executes a single scanner cycle. A failing dispatch is
// counted and the cycle continues.
func (s *Scanner) RunCycle(ctx context.Context, opts Options) (*v1.CycleReport, error) {
	ctx, span := telemetry.Tracer("scanner").Start(ctx, "scanner.cycle")
	defer span.End()

	if opts.Policy == "" {
		opts.Policy = PolicyAllManagers
	}
	report := &v1.CycleReport{RanAt: s.clock.Now().UTC()}

	tasks, err := s.tasks.ListTasks(ctx, board.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tasks: %w", err)
	}
	report.ScannedTasks = len(tasks)

	for _, t := range tasks {
		switch t.Status {
		case v1.TaskStatusTodo:
			report.TodoTasks++
			s.dispatch(ctx, report, v1.Dispatch{
				Kind:          v1.DispatchKindTodoKickoff,
				TargetAgentID: t.AssignedTo,
				TaskID:        t.ID,
				SessionRef:    dispatchSessionRef,
			}, kickoffMessage(t))
		case v1.TaskStatusBlocked:
			report.BlockedTasks++
			owner, err := s.boardOwner(ctx, t.BoardID)
			if err != nil {
				report.Failed++
				report.Dispatches = append(report.Dispatches, v1.Dispatch{
					Kind:          v1.DispatchKindBlockedAlert,
					TaskID:        t.ID,
					SessionRef:    dispatchSessionRef,
					Error:         err.Error(),
				})
				continue
			}
			s.dispatch(ctx, report, v1.Dispatch{
				Kind:          v1.DispatchKindBlockedAlert,
				TargetAgentID: owner,
				TaskID:        t.ID,
				SessionRef:    dispatchSessionRef,
			}, blockedMessage(t))
		}
	}

	if err := s.scanInactive(ctx, report, opts); err != nil {
		return nil, err
	}

	s.publish(ctx, report)
	s.logger.Info("scanner cycle completed",
		zap.Int("scanned", report.ScannedTasks),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Run loops RunCycle on the given interval until the context ends.
func (s *Scanner) Run(ctx context.Context, interval time.Duration, opts Options) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunCycle(ctx, opts); err != nil {
				s.logger.Error("scanner cycle failed", zap.Error(err))
			}
		}
	}
}

func (s *Scanner) scanInactive(ctx context.Context, report *v1.CycleReport, opts Options) error {
	if opts.InactiveMinutes <= 0 {
		return nil
	}
	head, err := s.directory.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve head agent: %w", err)
	}
	agents, err := s.directory.List()
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	cutoff := s.clock.Now().Add(-time.Duration(opts.InactiveMinutes) * time.Minute)
	for _, m := range agents {
		if m.ID == head.ID {
			continue
		}
		last, ok := s.activity.LatestActivity(m.ID)
		if !ok || !last.Before(cutoff) {
			continue
		}
		report.InactiveAgents++

		target := ""
		switch opts.Policy {
		case PolicyCEOOnly:
			target = head.ID
		default:
			if m.ReportsTo != nil {
				target = *m.ReportsTo
			}
		}
		if target == "" {
			continue
		}
		s.dispatch(ctx, report, v1.Dispatch{
			Kind:          v1.DispatchKindInactiveNudge,
			TargetAgentID: target,
			SessionRef:    dispatchSessionRef,
		}, nudgeMessage(m.ID, last))
	}
	return nil
}

func (s *Scanner) dispatch(ctx context.Context, report *v1.CycleReport, d v1.Dispatch, message string) {
	_, err := s.runner.RunAgent(ctx, d.TargetAgentID, v1.RunRequest{
		Message:    message,
		SessionRef: d.SessionRef,
	})
	if err != nil {
		d.Error = err.Error()
		report.Failed++
		s.logger.Warn("dispatch failed",
			zap.String("kind", string(d.Kind)),
			zap.String("target", d.TargetAgentID),
			zap.Error(err))
	} else {
		d.OK = true
		report.Sent++
	}
	report.Dispatches = append(report.Dispatches, d)
}

func (s *Scanner) boardOwner(ctx context.Context, boardID string) (string, error) {
	b, err := s.tasks.GetBoard(ctx, boardID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve board owner: %w", err)
	}
	return b.Owner, nil
}

func (s *Scanner) publish(ctx context.Context, report *v1.CycleReport) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectScannerCycle, "scanner", map[string]any{
		"ran_at":          report.RanAt,
		"scanned_tasks":   report.ScannedTasks,
		"todo_tasks":      report.TodoTasks,
		"blocked_tasks":   report.BlockedTasks,
		"inactive_agents": report.InactiveAgents,
		"sent":            report.Sent,
		"failed":          report.Failed,
	})
	if err := s.bus.Publish(ctx, bus.SubjectScannerCycle, event); err != nil {
		s.logger.Warn("failed to publish cycle event", zap.Error(err))
	}
}

func kickoffMessage(t *v1.Task) string {
	msg := fmt.Sprintf("Task %q is assigned to you and ready to start.", t.Title)
	if t.Description != "" {
		msg += "\n\n" + t.Description
	}
	msg += fmt.Sprintf("\n\nProject: %s\nWhen you begin, move task %s to doing and log your progress.", t.Project, t.ID)
	return msg
}

func blockedMessage(t *v1.Task) string {
	msg := fmt.Sprintf("Task %q (assigned to %s) is blocked", t.Title, t.AssignedTo)
	if t.StatusReason != "" {
		msg += ": " + t.StatusReason
	}
	msg += fmt.Sprintf("\n\nPlease help unblock task %s.", t.ID)
	return msg
}

func nudgeMessage(agentID string, last time.Time) string {
	return fmt.Sprintf(
		"Agent %s has been inactive since %s. Check in on their workload and reassign if needed.",
		agentID, last.UTC().Format(time.RFC3339))
}
