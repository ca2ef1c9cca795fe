package board

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

type fakeDirectory struct {
	agents map[string]*agent.Manifest
}

func (d *fakeDirectory) Get(id string) (*agent.Manifest, error) {
	m, ok := d.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return m, nil
}

func strPtr(s string) *string { return &s }

// org: ceo (head manager) -> cto (manager) -> engineer
func testOrg() *fakeDirectory {
	return &fakeDirectory{agents: map[string]*agent.Manifest{
		"ceo": {ID: "ceo", DisplayName: "CEO", Type: "manager"},
		"cto": {ID: "cto", DisplayName: "CTO", Type: "manager", ReportsTo: strPtr("ceo")},
		"engineer": {
			ID: "engineer", DisplayName: "Engineer", Type: "individual", ReportsTo: strPtr("cto"),
		},
	}}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	return NewService(NewMemoryRepository(), testOrg(), clk, log)
}

func TestCreateBoardRequiresManager(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateBoard(ctx, "engineer", "Engineering")
	assert.ErrorIs(t, err, ErrNotManager)

	b, err := svc.CreateBoard(ctx, "cto", "Engineering")
	require.NoError(t, err)
	assert.Equal(t, "cto", b.Owner)
	assert.Equal(t, "Engineering", b.Title)
}

func TestUpdateBoardOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	b, err := svc.CreateBoard(ctx, "cto", "Engineering")
	require.NoError(t, err)

	_, err = svc.UpdateBoard(ctx, "ceo", b.ID, "Stolen")
	assert.ErrorIs(t, err, ErrNotBoardOwner)

	updated, err := svc.UpdateBoard(ctx, "cto", b.ID, "Platform")
	require.NoError(t, err)
	assert.Equal(t, "Platform", updated.Title)
}

func TestCreateTaskDirectReportOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// The engineer reports to the cto, not the ceo.
	_, err := svc.CreateTask(ctx, "ceo", v1.CreateTaskRequest{
		Title:      "Ship the release",
		AssignedTo: "engineer",
	})
	assert.ErrorIs(t, err, ErrNotDirectReport)

	task, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{
		Title:      "Ship the release",
		AssignedTo: "engineer",
	})
	require.NoError(t, err)
	assert.Equal(t, "cto", task.Owner)
	assert.Equal(t, "engineer", task.AssignedTo)
	assert.Equal(t, v1.TaskStatusTodo, task.Status)
	assert.Equal(t, "~", task.Project, "project defaults to the home directory")
}

func TestCreateTaskSelfAssignDefault(t *testing.T) {
	svc := newTestService(t)
	task, err := svc.CreateTask(context.Background(), "cto", v1.CreateTaskRequest{Title: "Plan Q2"})
	require.NoError(t, err)
	assert.Equal(t, "cto", task.AssignedTo)
}

func TestCreateTaskDefaultBoard(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "One"})
	require.NoError(t, err)
	second, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "Two"})
	require.NoError(t, err)
	assert.Equal(t, first.BoardID, second.BoardID, "manager's default board is reused")

	b, err := svc.GetBoard(ctx, first.BoardID)
	require.NoError(t, err)
	assert.Equal(t, "cto", b.Owner)
}

func TestCreateTaskNonManagerNeedsBoard(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, "engineer", v1.CreateTaskRequest{Title: "Tidy up"})
	assert.ErrorIs(t, err, ErrBoardRequired)

	b, err := svc.CreateBoard(ctx, "cto", "Engineering")
	require.NoError(t, err)
	task, err := svc.CreateTask(ctx, "engineer", v1.CreateTaskRequest{BoardID: b.ID, Title: "Tidy up"})
	require.NoError(t, err)
	assert.Equal(t, b.ID, task.BoardID)
}

func TestUpdateTaskStatusRules(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "Ship", AssignedTo: "engineer"})
	require.NoError(t, err)

	// Only the assignee may move the task, even the task owner may not.
	_, err = svc.UpdateTaskStatus(ctx, "cto", task.ID, v1.UpdateTaskStatusRequest{Status: v1.TaskStatusDoing})
	assert.ErrorIs(t, err, ErrNotAssignee)

	_, err = svc.UpdateTaskStatus(ctx, "engineer", task.ID, v1.UpdateTaskStatusRequest{Status: v1.TaskStatusBlocked})
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.UpdateTaskStatus(ctx, "engineer", task.ID, v1.UpdateTaskStatusRequest{Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	updated, err := svc.UpdateTaskStatus(ctx, "engineer", task.ID, v1.UpdateTaskStatusRequest{
		Status: v1.TaskStatusBlocked,
		Reason: "waiting on credentials",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusBlocked, updated.Status)
	assert.Equal(t, "waiting on credentials", updated.StatusReason)
}

func TestTaskNotesAssigneeOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "Ship", AssignedTo: "engineer"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.AddWorklog(ctx, "cto", task.ID, "nope"), ErrNotAssignee)

	require.NoError(t, svc.AddWorklog(ctx, "engineer", task.ID, "started the build"))
	require.NoError(t, svc.AddArtifact(ctx, "engineer", task.ID, "dist/release.tar.gz"))
	require.NoError(t, svc.AddBlocker(ctx, "engineer", task.ID, "registry is down"))

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Worklog, 1)
	assert.Equal(t, "engineer", got.Worklog[0].CreatedBy)
	assert.Equal(t, []string{"registry is down"}, got.Blockers)
	require.Len(t, got.Artifacts, 1)
	assert.Equal(t, "dist/release.tar.gz", got.Artifacts[0].Content)
}

func TestListTasksFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "A", AssignedTo: "engineer"})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "cto", v1.CreateTaskRequest{Title: "B"})
	require.NoError(t, err)

	mine, err := svc.ListTasks(ctx, TaskFilter{Assignee: "engineer"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "A", mine[0].Title)

	todo, err := svc.ListTasks(ctx, TaskFilter{Status: v1.TaskStatusTodo})
	require.NoError(t, err)
	assert.Len(t, todo, 2)
}
