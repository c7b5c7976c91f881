package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/collab"
	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// fakeVCS records patch requests and returns a canned result or error.
type fakeVCS struct {
	calls []collab.PatchRequest
	err   error
}

func (f *fakeVCS) ApplyPatch(ctx context.Context, req collab.PatchRequest) (collab.PatchResult, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return collab.PatchResult{}, f.err
	}
	return collab.PatchResult{Commit: "abc1234", Branch: "apogee/" + req.Author + "/" + req.PatchID}, nil
}

// fakeCI returns a fixed verdict.
type fakeCI struct {
	status string
	err    error
}

func (f *fakeCI) Run(ctx context.Context, branch string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.status, nil
}

type fixture struct {
	h     *Handlers
	store *session.Store
	vcs   *fakeVCS
	ci    *fakeCI
	sess  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := session.NewStore()
	vcs := &fakeVCS{}
	ci := &fakeCI{status: "passed"}
	h := New(store, policy.New("test-secret"), vcs, ci, collab.StaticMigrator{}, zap.NewNop())
	return &fixture{h: h, store: store, vcs: vcs, ci: ci, sess: store.Create("")}
}

func (f *fixture) auth(role session.AgentRole) *policy.Context {
	return &policy.Context{Role: role, SessionID: f.sess}
}

func TestUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.h.Execute(context.Background(), "apogee.nope", map[string]any{}, f.auth(session.RolePlanner))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnknownTool, protocol.AsError(err).Code)
}

func TestTodoUpdate(t *testing.T) {
	f := newFixture(t)

	res, err := f.h.Execute(context.Background(), policy.ToolTodoUpdate, map[string]any{
		"diff": []any{
			map[string]any{"operation": "create", "desc": "build API", "assignee": "implementer"},
		},
	}, f.auth(session.RolePlanner))
	require.NoError(t, err)

	out := res.(*TodoUpdateResult)
	require.Len(t, out.Todos, 1)
	assert.Equal(t, "build API", out.Todos[0].Desc)
	assert.Equal(t, session.StatusPending, out.Todos[0].Status)
	assert.NotZero(t, out.Updated)
}

func TestTodoUpdateValidation(t *testing.T) {
	f := newFixture(t)
	auth := f.auth(session.RolePlanner)

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing diff", map[string]any{}},
		{"empty diff", map[string]any{"diff": []any{}}},
		{"unknown op", map[string]any{"diff": []any{map[string]any{"operation": "merge"}}}},
		{"update without id", map[string]any{"diff": []any{map[string]any{"operation": "update"}}}},
		{"bad role", map[string]any{"diff": []any{map[string]any{"operation": "create", "assignee": "ghost"}}}},
		{"bad status", map[string]any{"diff": []any{map[string]any{"operation": "create", "status": "archived"}}}},
	}
	for _, tc := range cases {
		_, err := f.h.Execute(context.Background(), policy.ToolTodoUpdate, tc.args, auth)
		require.Error(t, err, tc.name)
		assert.Equal(t, protocol.CodeInvalidArgument, protocol.AsError(err).Code, tc.name)
	}
}

func TestFenceSetIdempotent(t *testing.T) {
	f := newFixture(t)
	auth := f.auth(session.RolePlanner)

	// Default owner is implementer; moving to planner changes it.
	res, err := f.h.Execute(context.Background(), policy.ToolFenceSet,
		map[string]any{"owner": "planner"}, auth)
	require.NoError(t, err)
	first := res.(*FenceSetResult)
	assert.True(t, first.Changed)
	assert.Equal(t, session.RolePlanner, first.Owner)

	s, err := f.store.Get(f.sess)
	require.NoError(t, err)
	require.Len(t, s.CommsLog, 1)
	assert.Equal(t, session.RolePlanner, s.CommsLog[0].Agent, "handoff entry authored by new owner")
	assert.Equal(t, []string{"fence", "handoff"}, s.CommsLog[0].Tags)

	// Second transfer to the same owner is a no-op: changed=false, no entry.
	res, err = f.h.Execute(context.Background(), policy.ToolFenceSet,
		map[string]any{"owner": "planner"}, auth)
	require.NoError(t, err)
	second := res.(*FenceSetResult)
	assert.False(t, second.Changed)

	s, err = f.store.Get(f.sess)
	require.NoError(t, err)
	assert.Len(t, s.CommsLog, 1)
}

func TestPatchApplyHappyPath(t *testing.T) {
	f := newFixture(t)
	auth := f.auth(session.RoleImplementer) // default fence owner

	res, err := f.h.Execute(context.Background(), policy.ToolPatchApply, map[string]any{
		"diff":      "--- a/x\n+++ b/x\n",
		"rationale": "fix bug",
	}, auth)
	require.NoError(t, err)

	out := res.(*PatchApplyResult)
	assert.Equal(t, "abc1234", out.Commit)
	assert.True(t, out.Applied)
	assert.Equal(t, "passed", out.CI)

	require.Len(t, f.vcs.calls, 1)
	assert.Equal(t, "main", f.vcs.calls[0].TargetBranch)
	assert.Equal(t, "implementer", f.vcs.calls[0].Author)

	s, err := f.store.Get(f.sess)
	require.NoError(t, err)
	assert.Equal(t, "passed", s.CIStatus)
	require.Len(t, s.CommsLog, 1)
	assert.Contains(t, s.CommsLog[0].Text, "Applied patch")
	assert.Equal(t, []string{"patch", "applied", "abc1234"}, s.CommsLog[0].Tags)
}

func TestPatchApplyFenceViolation(t *testing.T) {
	f := newFixture(t)

	// Planner does not hold the fence (implementer is the default owner).
	_, err := f.h.Execute(context.Background(), policy.ToolPatchApply, map[string]any{
		"diff": "--- a/x\n+++ b/x\n",
	}, f.auth(session.RolePlanner))
	require.Error(t, err)

	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeFenceViolation, pe.Code)
	assert.Contains(t, pe.Message, "implementer", "error names the current owner")

	assert.Empty(t, f.vcs.calls, "no repository mutation on fence violation")
	s, _ := f.store.Get(f.sess)
	assert.Empty(t, s.CommsLog)
}

func TestPatchApplyVCSFailure(t *testing.T) {
	f := newFixture(t)
	f.vcs.err = errors.New("diff does not apply cleanly")

	_, err := f.h.Execute(context.Background(), policy.ToolPatchApply, map[string]any{
		"diff": "garbage",
	}, f.auth(session.RoleImplementer))
	require.Error(t, err)

	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodePatchApplyFailed, pe.Code)
	assert.Contains(t, pe.Message, "diff does not apply cleanly")

	s, _ := f.store.Get(f.sess)
	require.Len(t, s.CommsLog, 1)
	assert.Equal(t, []string{"patch", "error"}, s.CommsLog[0].Tags)
	assert.Empty(t, s.CIStatus, "no CI verdict recorded for a failed patch")
}

func TestPatchApplyCIFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.ci.err = errors.New("runner offline")

	res, err := f.h.Execute(context.Background(), policy.ToolPatchApply, map[string]any{
		"diff": "--- a/x\n+++ b/x\n",
	}, f.auth(session.RoleImplementer))
	require.NoError(t, err)
	assert.Equal(t, "failed", res.(*PatchApplyResult).CI)

	s, _ := f.store.Get(f.sess)
	assert.Equal(t, "failed", s.CIStatus)
}

func TestMigrationPlannerOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.h.Execute(context.Background(), policy.ToolDBMigrate, map[string]any{
		"planId": "add_users",
	}, f.auth(session.RoleImplementer))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)

	_, err = f.h.Execute(context.Background(), policy.ToolSQLExec, map[string]any{
		"sql": "SELECT 1",
	}, f.auth(session.RoleImplementer))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)
}

func TestMigrationApplied(t *testing.T) {
	f := newFixture(t)

	res, err := f.h.Execute(context.Background(), policy.ToolDBMigrate, map[string]any{
		"planId": "add_users",
	}, f.auth(session.RolePlanner))
	require.NoError(t, err)

	out := res.(*collab.MigrationResult)
	assert.Equal(t, collab.MigrationApplied, out.Status)
	assert.Len(t, out.Applied, 2)

	s, err := f.store.Get(f.sess)
	require.NoError(t, err)
	assert.NotEmpty(t, s.DBSchema, "applied non-dry-run refreshes the schema snapshot")
	require.Len(t, s.CommsLog, 2)
	assert.Equal(t, []string{"db", "migration", "start"}, s.CommsLog[0].Tags)
	assert.Equal(t, []string{"db", "migration", "applied"}, s.CommsLog[1].Tags)
}

func TestMigrationDryRunSkipsSchema(t *testing.T) {
	f := newFixture(t)

	res, err := f.h.Execute(context.Background(), policy.ToolDBMigrate, map[string]any{
		"planId": "add_users",
		"dryRun": true,
	}, f.auth(session.RolePlanner))
	require.NoError(t, err)
	assert.Equal(t, collab.MigrationValidated, res.(*collab.MigrationResult).Status)

	s, _ := f.store.Get(f.sess)
	assert.Empty(t, s.DBSchema)
}

func TestMigrationFailureIsData(t *testing.T) {
	f := newFixture(t)

	res, err := f.h.Execute(context.Background(), policy.ToolDBMigrate, map[string]any{
		"planId": "plan_with_error",
	}, f.auth(session.RolePlanner))
	require.NoError(t, err, "migration failures are data, not errors")

	out := res.(*collab.MigrationResult)
	assert.Equal(t, collab.MigrationFailed, out.Status)
	assert.NotEmpty(t, out.Errors)
}

func TestSQLExec(t *testing.T) {
	f := newFixture(t)

	long := "SELECT * FROM projects WHERE "
	for i := 0; i < 20; i++ {
		long += fmt.Sprintf("col%d = %d AND ", i, i)
	}

	res, err := f.h.Execute(context.Background(), policy.ToolSQLExec, map[string]any{
		"sql": long,
	}, f.auth(session.RolePlanner))
	require.NoError(t, err)
	assert.True(t, res.(*SQLExecResult).Executed)

	s, _ := f.store.Get(f.sess)
	require.Len(t, s.CommsLog, 1)
	assert.Equal(t, []string{"db", "query", "executed"}, s.CommsLog[0].Tags)
	assert.LessOrEqual(t, len(s.CommsLog[0].Text), len("SQL query: ")+103, "query snippet is truncated")
}

func TestCommsPost(t *testing.T) {
	f := newFixture(t)

	res, err := f.h.Execute(context.Background(), policy.ToolCommsPost, map[string]any{
		"text": "done",
		"tags": []any{"status"},
	}, f.auth(session.RoleImplementer))
	require.NoError(t, err)

	out := res.(*CommsPostResult)
	assert.True(t, out.Posted)
	assert.Equal(t, "done", out.Message.Text)
	assert.Equal(t, session.RoleImplementer, out.Message.Agent)
	assert.NotEmpty(t, out.Message.ID)
}

func TestSessionNotFoundSurfaced(t *testing.T) {
	f := newFixture(t)
	ghost := &policy.Context{Role: session.RolePlanner, SessionID: "ghost"}

	for _, call := range []struct {
		tool string
		args map[string]any
	}{
		{policy.ToolTodoUpdate, map[string]any{"diff": []any{map[string]any{"operation": "create"}}}},
		{policy.ToolFenceSet, map[string]any{"owner": "planner"}},
		{policy.ToolPatchApply, map[string]any{"diff": "x"}},
		{policy.ToolDBMigrate, map[string]any{"planId": "p"}},
		{policy.ToolCommsPost, map[string]any{"text": "x"}},
	} {
		_, err := f.h.Execute(context.Background(), call.tool, call.args, ghost)
		require.Error(t, err, call.tool)
		assert.Equal(t, protocol.CodeSessionNotFound, protocol.AsError(err).Code, call.tool)
	}
}

func TestFenceSetConcurrentSingleHandoff(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.h.Execute(context.Background(), policy.ToolFenceSet,
				map[string]any{"owner": "planner"}, f.auth(session.RoleImplementer))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.(*FenceSetResult).Changed {
				changed++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, changed, "exactly one caller observes the transfer")

	s, err := f.store.Get(f.sess)
	require.NoError(t, err)
	assert.Equal(t, session.RolePlanner, s.WriteFence)

	var handoffs int
	for _, m := range s.CommsLog {
		if len(m.Tags) == 2 && m.Tags[0] == "fence" && m.Tags[1] == "handoff" {
			handoffs++
		}
	}
	assert.Equal(t, 1, handoffs, "a single handoff entry is logged")
}

// blockingVCS parks inside ApplyPatch until released, so tests can observe
// what the session admits while a collaborator call is in flight.
type blockingVCS struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingVCS) ApplyPatch(ctx context.Context, req collab.PatchRequest) (collab.PatchResult, error) {
	close(b.entered)
	<-b.release
	return collab.PatchResult{Commit: "abc1234", Branch: "apogee/" + req.Author + "/" + req.PatchID}, nil
}

func TestPatchApplyAdmitsOtherCallsDuringVCS(t *testing.T) {
	store := session.NewStore()
	vcs := &blockingVCS{entered: make(chan struct{}), release: make(chan struct{})}
	h := New(store, policy.New("test-secret"), vcs, &fakeCI{status: "passed"}, collab.StaticMigrator{}, zap.NewNop())
	sess := store.Create("")

	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background(), policy.ToolPatchApply,
			map[string]any{"diff": "--- a/x\n+++ b/x\n"},
			&policy.Context{Role: session.RoleImplementer, SessionID: sess})
		done <- err
	}()
	<-vcs.entered

	// The session is open for other invocations while the VCS runs.
	posted := make(chan error, 1)
	go func() {
		_, err := h.Execute(context.Background(), policy.ToolCommsPost,
			map[string]any{"text": "status check"},
			&policy.Context{Role: session.RolePlanner, SessionID: sess})
		posted <- err
	}()
	select {
	case err := <-posted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation blocked behind an in-flight collaborator call")
	}

	close(vcs.release)
	require.NoError(t, <-done)
}
